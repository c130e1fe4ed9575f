// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresh

import (
	"github.com/juju/errors"
)

// Phase is the position of the refresh controller in its state machine.
type Phase string

const (
	// PhaseIdle means no refresh plan has ever been created.
	PhaseIdle Phase = "idle"

	// PhaseCompatibilityCheck is entered when a plan is created.
	PhaseCompatibilityCheck Phase = "compatibility-check"

	// PhasePreflight runs the cluster wide health checks before the
	// first unit is refreshed.
	PhasePreflight Phase = "preflight"

	// PhaseRefreshingUnit means the unit at the plan ordinal has been
	// allowed to refresh and the controller waits for it to report the
	// target revision.
	PhaseRefreshingUnit Phase = "refreshing-unit"

	// PhasePostRefreshHealthCheck probes the unit at the plan ordinal
	// after it reported the target revision.
	PhasePostRefreshHealthCheck Phase = "post-refresh-health-check"

	// PhasePaused waits for the operator to run resume-refresh.
	PhasePaused Phase = "paused-awaiting-confirmation"

	// PhaseCompleted means every unit runs the target revision.
	PhaseCompleted Phase = "completed"

	// PhaseFailed halts the plan. The plan failure holds the details.
	PhaseFailed Phase = "failed"

	// PhaseRolledBack is reached when a reverse plan completes.
	PhaseRolledBack Phase = "rolled-back"
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	return string(p)
}

// Active reports whether a plan in this phase still owns the cluster.
// Failed and terminal plans do not prevent a new plan from starting.
func (p Phase) Active() bool {
	switch p {
	case PhaseCompatibilityCheck, PhasePreflight, PhaseRefreshingUnit,
		PhasePostRefreshHealthCheck, PhasePaused:
		return true
	}
	return false
}

// Terminal reports whether the phase ends the plan.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseRolledBack:
		return true
	}
	return false
}

// Validate returns an error if the phase is not known.
func (p Phase) Validate() error {
	switch p {
	case PhaseIdle, PhaseCompatibilityCheck, PhasePreflight, PhaseRefreshingUnit,
		PhasePostRefreshHealthCheck, PhasePaused, PhaseCompleted, PhaseFailed,
		PhaseRolledBack:
		return nil
	}
	return errors.NotValidf("refresh phase %q", string(p))
}
