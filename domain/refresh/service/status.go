// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/rollingrefresh/core/refresh"
	corestatus "github.com/juju/rollingrefresh/core/status"
	"github.com/juju/rollingrefresh/internal/refresh/rollback"
)

// UnitStatus is the status of a single unit.
type UnitStatus struct {
	Name             string
	Ordinal          int
	Revision         string
	WorkloadVersion  string
	Health           refresh.Health
	Refreshed        bool
	AllowedToRefresh bool
	Status           corestatus.StatusInfo
}

// Status is the refresh status of the deployment as shown to the
// operator.
type Status struct {
	Phase  refresh.Phase
	Leader string
	Plan   *refresh.RefreshPlan

	Application corestatus.StatusInfo
	Units       []UnitStatus

	// NextCommand is the command the operator is expected to run, if
	// any.
	NextCommand string

	// Rollback is set when the plan failed after a unit refreshed.
	Rollback *rollback.Recommendation
}

// Status returns the refresh status of the deployment.
func (s *Service) Status(ctx context.Context) (Status, error) {
	cs, err := s.st.ClusterState(ctx)
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	leader, err := s.st.Leader(ctx)
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	status := DeriveStatus(cs)
	status.Leader = leader
	return status, nil
}

// DeriveStatus computes the status of the deployment from the cluster
// state. Units are listed in refresh order.
func DeriveStatus(cs refresh.ClusterState) Status {
	status := Status{
		Phase: cs.Phase(),
		Plan:  cs.Plan,
	}
	if cs.Plan != nil && cs.Plan.Phase == refresh.PhaseFailed {
		if rec, err := rollback.Advise(cs); err == nil {
			status.Rollback = &rec
		}
	}
	status.Application, status.NextCommand = applicationStatus(cs, status.Rollback)

	for _, ordinal := range cs.Ordinals() {
		u, _ := cs.Unit(ordinal)
		status.Units = append(status.Units, UnitStatus{
			Name:             u.Name,
			Ordinal:          u.Ordinal,
			Revision:         u.Revision,
			WorkloadVersion:  u.WorkloadVersion,
			Health:           u.Health,
			Refreshed:        u.Refreshed,
			AllowedToRefresh: u.AllowedToRefresh,
			Status:           unitStatus(cs.Plan, u),
		})
	}
	return status
}

func applicationStatus(cs refresh.ClusterState, rec *rollback.Recommendation) (corestatus.StatusInfo, string) {
	plan := cs.Plan
	if plan == nil {
		return corestatus.StatusInfo{Status: corestatus.Active}, ""
	}
	info := corestatus.StatusInfo{Since: &plan.StartedAt}

	var next string
	switch plan.Phase {
	case refresh.PhaseCompatibilityCheck:
		info.Status = corestatus.Maintenance
		info.Message = fmt.Sprintf("Checking compatibility of revision %s", plan.TargetRevision)
	case refresh.PhasePreflight:
		info.Status = corestatus.Maintenance
		info.Message = "Running pre-refresh checks"
	case refresh.PhaseRefreshingUnit:
		info.Status = corestatus.Maintenance
		info.Message = fmt.Sprintf("Refreshing unit %d", plan.Ordinal)
	case refresh.PhasePostRefreshHealthCheck:
		info.Status = corestatus.Maintenance
		info.Message = fmt.Sprintf("Checking health of unit %d", plan.Ordinal)
	case refresh.PhasePaused:
		info.Status = corestatus.Blocked
		info.Message = "Refresh paused; run resume-refresh"
		next = "refreshctl resume-refresh"
	case refresh.PhaseCompleted:
		info.Status = corestatus.Active
		info.Message = fmt.Sprintf("Refreshed to revision %s", plan.TargetRevision)
	case refresh.PhaseRolledBack:
		info.Status = corestatus.Active
		info.Message = fmt.Sprintf("Rolled back to revision %s", plan.TargetRevision)
	case refresh.PhaseFailed:
		info.Status, info.Message, next = failedStatus(plan.Failure, rec)
	default:
		info.Status = corestatus.Unknown
		info.Message = fmt.Sprintf("Unknown refresh phase %q", plan.Phase)
	}
	return info, next
}

func failedStatus(failure *refresh.Failure, rec *rollback.Recommendation) (corestatus.Status, string, string) {
	if failure == nil {
		return corestatus.Error, "Refresh failed", ""
	}
	bypass := fmt.Sprintf("refreshctl force-refresh-start %s", failure.Kind.Guard().BypassFlag())

	switch failure.Kind {
	case refresh.FailureCompatibility:
		return corestatus.Blocked,
			"Refresh incompatible. Rollback or run force-refresh-start check-compatibility=false",
			bypass
	case refresh.FailurePreflight:
		return corestatus.Blocked,
			fmt.Sprintf("Pre-refresh checks failed: %s. Run force-refresh-start run-pre-refresh-checks=false", failure.Reason),
			bypass
	case refresh.FailureWorkloadContainer:
		return corestatus.Blocked,
			"Workload container mismatch. Run force-refresh-start check-workload-container=false",
			bypass
	case refresh.FailureHealthCheck:
		if rec != nil {
			return corestatus.Error,
				fmt.Sprintf("Refresh failed health check on unit %d. Rollback with: %s, or run resume-refresh %s",
					failure.Ordinal, rec.Command(), refresh.GuardHealth.BypassFlag()),
				rec.Command()
		}
		return corestatus.Error,
			fmt.Sprintf("Refresh failed health check on unit %d. Run resume-refresh check-health-of-refreshed-units=false", failure.Ordinal),
			"refreshctl resume-refresh check-health-of-refreshed-units=false"
	}
	return corestatus.Error, fmt.Sprintf("Refresh failed: %s", failure.Reason), ""
}

func unitStatus(plan *refresh.RefreshPlan, u refresh.UnitState) corestatus.StatusInfo {
	switch {
	case plan != nil && plan.Phase == refresh.PhaseFailed && plan.Failure != nil && plan.Failure.Ordinal == u.Ordinal:
		return corestatus.StatusInfo{
			Status:  corestatus.Error,
			Message: fmt.Sprintf("Refresh failed: %s", plan.Failure.Reason),
		}
	case u.AllowedToRefresh:
		return corestatus.StatusInfo{
			Status:  corestatus.Maintenance,
			Message: fmt.Sprintf("Refreshing to revision %s", plan.TargetRevision),
		}
	case u.Health == refresh.HealthUnhealthy:
		message := "Workload unhealthy"
		if u.HealthReason != "" {
			message = fmt.Sprintf("%s: %s", message, u.HealthReason)
		}
		return corestatus.StatusInfo{Status: corestatus.Blocked, Message: message}
	case plan != nil && plan.Phase.Active() && !u.Refreshed:
		return corestatus.StatusInfo{
			Status:  corestatus.Waiting,
			Message: fmt.Sprintf("Waiting to refresh to revision %s", plan.TargetRevision),
		}
	}
	return corestatus.StatusInfo{
		Status:  corestatus.Active,
		Message: fmt.Sprintf("Revision %s", u.Revision),
	}
}
