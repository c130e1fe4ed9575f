// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresh

import "time"

// EventKind identifies a transition recorded in the refresh event log.
type EventKind string

const (
	EventPlanCreated         EventKind = "plan-created"
	EventPlanAbandoned       EventKind = "plan-abandoned"
	EventGuardSkipped        EventKind = "guard-skipped"
	EventCompatibilityCheck  EventKind = "compatibility-checked"
	EventPreflightPassed     EventKind = "preflight-passed"
	EventUnitRefreshStarted  EventKind = "unit-refresh-started"
	EventUnitRefreshObserved EventKind = "unit-refresh-observed"
	EventUnitAlreadyAtTarget EventKind = "unit-already-at-target"
	EventHealthCheckPassed   EventKind = "health-check-passed"
	EventHealthCheckIgnored  EventKind = "health-check-ignored"
	EventUnitRefreshed       EventKind = "unit-refreshed"
	EventPaused              EventKind = "paused"
	EventResumed             EventKind = "resumed"
	EventCompleted           EventKind = "completed"
	EventRolledBack          EventKind = "rolled-back"
	EventFailed              EventKind = "failed"
	EventUnitJoined          EventKind = "unit-joined"
	EventUnitLeft            EventKind = "unit-left"
	EventUnitHealthChanged   EventKind = "unit-health-changed"
)

// Event is one entry of the append-only refresh event log.
type Event struct {
	// Seq is assigned by the store when the event is appended.
	Seq int64

	PlanUUID string
	Kind     EventKind
	Phase    Phase

	// Ordinal is the unit concerned, or NoOrdinal.
	Ordinal int

	Verdict Verdict
	Guard   Guard
	Message string

	Timestamp time.Time
}
