// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresh

import (
	"sort"
	"time"
)

// UnitState is the record a unit keeps in the cluster state.
//
// Units own Revision, WorkloadVersion, ContainerImage, Health and
// HealthReason. The refresh controller owns Refreshed, PreviousRevision,
// PreviousWorkloadVersion and AllowedToRefresh.
type UnitState struct {
	Ordinal int
	Name    string

	Revision        string
	WorkloadVersion string
	ContainerImage  string

	Health       Health
	HealthReason string

	// Refreshed is reset when a plan begins and set once the unit passed
	// its post refresh health check (or the check was bypassed).
	Refreshed bool

	// PreviousRevision and PreviousWorkloadVersion are captured when a
	// plan begins; they are what a rollback restores.
	PreviousRevision        string
	PreviousWorkloadVersion string

	// AllowedToRefresh is set on the single unit the platform may
	// replace next.
	AllowedToRefresh bool
}

// AtTarget reports whether the unit runs the plan's target.
func (u UnitState) AtTarget(plan *RefreshPlan) bool {
	if plan == nil || u.Revision != plan.TargetRevision {
		return false
	}
	return plan.TargetWorkloadVersion == "" || u.WorkloadVersion == plan.TargetWorkloadVersion
}

// RefreshPlan is the active (or last) refresh of the cluster.
type RefreshPlan struct {
	UUID string

	TargetRevision        string
	TargetWorkloadVersion string
	TargetContainerImage  string

	Verdict     Verdict
	PausePolicy PausePolicy
	Overrides   GuardOverrides

	// CheckHealthOfRefreshedUnits starts true and is replaced by the
	// value passed to each resume-refresh.
	CheckHealthOfRefreshedUnits bool

	// Rollback marks a reverse plan created from a rollback
	// recommendation.
	Rollback bool

	Phase Phase

	// Ordinal is the unit being refreshed or checked, NoOrdinal before
	// the first unit starts.
	Ordinal int

	// PausedOnce is set the first time the plan pauses.
	PausedOnce bool

	Failure *Failure

	StartedAt time.Time
}

// ClusterState is the shared record read by every unit and written by
// the leader under optimistic concurrency.
type ClusterState struct {
	// Token is the refresh phase token. Every controller write must
	// present the token it read and increments it.
	Token int64

	// Units are ordered by ascending ordinal.
	Units []UnitState

	Plan *RefreshPlan

	// PlannedUnits is the number of units the platform intends to run.
	PlannedUnits int

	// TopologyChangePending is set while a topology altering operation
	// (relation change, storage attach) is in flight.
	TopologyChangePending bool
}

// Phase returns the controller phase for the cluster.
func (cs ClusterState) Phase() Phase {
	if cs.Plan == nil {
		return PhaseIdle
	}
	return cs.Plan.Phase
}

// HasActivePlan reports whether a plan is in progress.
func (cs ClusterState) HasActivePlan() bool {
	return cs.Plan != nil && cs.Plan.Phase.Active()
}

// Unit returns the unit with the given ordinal.
func (cs ClusterState) Unit(ordinal int) (UnitState, bool) {
	for _, u := range cs.Units {
		if u.Ordinal == ordinal {
			return u, true
		}
	}
	return UnitState{}, false
}

// UnitByName returns the unit with the given name.
func (cs ClusterState) UnitByName(name string) (UnitState, bool) {
	for _, u := range cs.Units {
		if u.Name == name {
			return u, true
		}
	}
	return UnitState{}, false
}

// Ordinals returns the unit ordinals in descending order, which is the
// refresh order.
func (cs ClusterState) Ordinals() []int {
	ordinals := make([]int, len(cs.Units))
	for i, u := range cs.Units {
		ordinals[i] = u.Ordinal
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ordinals)))
	return ordinals
}

// Clone returns a deep copy of the cluster state.
func (cs ClusterState) Clone() ClusterState {
	clone := cs
	clone.Units = make([]UnitState, len(cs.Units))
	copy(clone.Units, cs.Units)
	if cs.Plan != nil {
		plan := *cs.Plan
		if cs.Plan.Failure != nil {
			failure := *cs.Plan.Failure
			plan.Failure = &failure
		}
		clone.Plan = &plan
	}
	return clone
}

// SortUnits orders the units by ascending ordinal.
func (cs *ClusterState) SortUnits() {
	sort.Slice(cs.Units, func(i, j int) bool {
		return cs.Units[i].Ordinal < cs.Units[j].Ordinal
	})
}
