// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/rollingrefresh/core/refresh"
)

const (
	// ConcurrentPlan describes an error that occurs when a plan is
	// started while another plan is still active.
	ConcurrentPlan = errors.ConstError("refresh already in progress")

	// CompatibilityFailed describes an error that occurs when the target
	// revision may not follow the current one.
	CompatibilityFailed = errors.ConstError("refresh incompatible")

	// PreflightFailed describes an error that occurs when the cluster is
	// not healthy or is changing topology before the refresh starts.
	PreflightFailed = errors.ConstError("pre-refresh checks failed")

	// WorkloadContainerMismatch describes an error that occurs when the
	// workload container does not match the expected identity.
	WorkloadContainerMismatch = errors.ConstError("workload container mismatch")

	// HealthCheckFailed describes an error that occurs when a refreshed
	// unit is not healthy.
	HealthCheckFailed = errors.ConstError("health check failed")

	// HealthCheckTimeout describes a health check that ran out of time.
	// It counts as unhealthy.
	HealthCheckTimeout = errors.ConstError("health check timed out")

	// OptimisticWriteConflict describes a cluster state write rejected
	// because the refresh phase token moved. It is retried after
	// re-reading the state and is never shown to the operator.
	OptimisticWriteConflict = errors.ConstError("cluster state changed concurrently")

	// CoordinationFailed describes repeated write conflicts.
	CoordinationFailed = errors.ConstError("coordination failure")

	// NotLeader describes an error that occurs when a unit other than the
	// leader tries to drive the refresh.
	NotLeader = errors.ConstError("unit is not the leader")

	// NothingToRefresh describes a plan whose target is already installed
	// on every unit.
	NothingToRefresh = errors.ConstError("target already installed on every unit")

	// NoRefreshTarget describes a force-refresh-start with no target
	// revision to refresh to.
	NoRefreshTarget = errors.ConstError("no refresh target")

	// NoRollbackRecommendation describes a rollback request when no unit
	// has been refreshed.
	NoRollbackRecommendation = errors.ConstError("no rollback recommendation")

	// UnitNotFound describes an error that occurs when the unit being
	// operated on does not exist.
	UnitNotFound = errors.ConstError("unit not found")

	// UnitAlreadyExists describes an error that occurs when a unit joins
	// with an ordinal already in use.
	UnitAlreadyExists = errors.ConstError("unit already exists")
)

// GuardError is returned to the operator when a guard halted the refresh.
// It names the guard and the action parameter that bypasses it.
type GuardError struct {
	Guard   refresh.Guard
	Ordinal int
	Reason  string
	Timeout bool

	// Rollback is the command recommended to revert refreshed units, if
	// any unit was refreshed before the failure.
	Rollback string

	err error
}

// NewGuardError returns the error reported for the given plan failure.
func NewGuardError(failure refresh.Failure, rollback string) *GuardError {
	e := &GuardError{
		Guard:    failure.Kind.Guard(),
		Ordinal:  failure.Ordinal,
		Reason:   failure.Reason,
		Timeout:  failure.Timeout,
		Rollback: rollback,
	}
	switch failure.Kind {
	case refresh.FailureCompatibility:
		e.err = CompatibilityFailed
	case refresh.FailurePreflight:
		e.err = PreflightFailed
	case refresh.FailureWorkloadContainer:
		e.err = WorkloadContainerMismatch
	case refresh.FailureHealthCheck:
		e.err = HealthCheckFailed
	default:
		e.err = errors.Errorf("refresh failed")
	}
	return e
}

// Error implements error.
func (e *GuardError) Error() string {
	msg := e.err.Error()
	if e.Ordinal != refresh.NoOrdinal {
		msg = fmt.Sprintf("%s on unit %d", msg, e.Ordinal)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if flag := e.Guard.BypassFlag(); flag != "" {
		msg = fmt.Sprintf("%s (bypass with %s)", msg, flag)
	}
	if e.Rollback != "" {
		msg = fmt.Sprintf("%s; rollback with: %s", msg, e.Rollback)
	}
	return msg
}

// Unwrap returns the sentinel errors for the guard. A health check that
// ran out of time is also a HealthCheckTimeout.
func (e *GuardError) Unwrap() []error {
	if e.Timeout {
		return []error{e.err, HealthCheckTimeout}
	}
	return []error{e.err}
}
