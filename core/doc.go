// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts and pure logic of a rolling refresh: the
cluster state record, the refresh plan and its phases, unit health and
the status vocabulary shown to the operator.

What should *not* go here:

  - anything that reads or writes the database; that belongs in domain.
  - anything that decides what a refresh does next; that belongs in
    internal/refresh.
  - anything concerned with how the operator talks to us.

When adding to core, it's fine to import from any subpackage of
"github.com/juju/rollingrefresh/core", but never from any other
subpackage of "github.com/juju/rollingrefresh". Don't introduce mutable
global state.
*/
package core
