// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package refresh holds the data model shared by the rolling refresh
// orchestrator: the cluster state record, the per-unit state, the active
// refresh plan and the append-only event log.
//
// Units are identified by their ordinal, the number in the unit name
// (kyuubi-k8s/2 has ordinal 2). Units refresh one at a time in
// descending ordinal order, because the platform replaces them in that
// order.
package refresh
