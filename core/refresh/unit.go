// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresh

import (
	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// OrdinalFromUnitName returns the ordinal encoded in a unit name such as
// "kyuubi-k8s/2".
func OrdinalFromUnitName(name string) (int, error) {
	if !names.IsValidUnit(name) {
		return NoOrdinal, errors.NotValidf("unit name %q", name)
	}
	return names.NewUnitTag(name).Number(), nil
}
