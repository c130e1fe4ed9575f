// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controller

import (
	"github.com/juju/rollingrefresh/core/refresh"
)

// Role is the role of the unit calling the controller. Only the leader
// may drive the state machine.
type Role struct {
	Unit   string
	Leader bool
}

// Input is a request to the controller.
type Input interface {
	input()
}

// StartPlan creates a refresh plan and runs it as far as it can go.
type StartPlan struct {
	TargetRevision        string
	TargetWorkloadVersion string

	// TargetContainerImage is the image the target revision deploys. It
	// is compared with PinnedContainerImage by the container guard.
	TargetContainerImage string
	PinnedContainerImage string

	Overrides   refresh.GuardOverrides
	PausePolicy refresh.PausePolicy

	// Rollback marks the plan as a reverse plan. A reverse plan may
	// replace a paused plan.
	Rollback bool
}

// Resume leaves PausedAwaitingConfirmation. With
// CheckHealthOfRefreshedUnits unset it also moves past a unit that failed
// its post refresh health check.
type Resume struct {
	CheckHealthOfRefreshedUnits bool
}

// Tick re-evaluates the current plan, for example after a unit reported
// the target revision.
type Tick struct{}

func (StartPlan) input() {}
func (Resume) input()    {}
func (Tick) input()      {}

// Output is what a transition produced besides the new state.
type Output struct {
	// Changed is false when the state needs no write.
	Changed bool

	// Events are appended to the event log with the state write.
	Events []refresh.Event

	// AllowRefresh is the ordinal the platform may replace now, or
	// NoOrdinal.
	AllowRefresh int

	// Warnings are shown to the operator. A no-op resume reports one.
	Warnings []string
}
