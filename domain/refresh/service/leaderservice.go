// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/internal/refresh/compatibility"
	"github.com/juju/rollingrefresh/internal/refresh/config"
	"github.com/juju/rollingrefresh/internal/refresh/controller"
	"github.com/juju/rollingrefresh/internal/refresh/prober"
	"github.com/juju/rollingrefresh/internal/refresh/rollback"
)

const (
	writeConflictDelay    = 10 * time.Millisecond
	writeConflictMaxDelay = time.Second
)

// LeadershipService provides the API for driving a refresh. Every action
// claims the leadership lease for the calling unit first; a unit that
// does not hold the lease gets an error satisfying
// [refresherrors.NotLeader].
type LeadershipService struct {
	*Service

	config  config.Source
	checker controller.CompatibilityChecker
	prober  controller.HealthProber
	newUUID func() string
}

// NewLeadershipService returns a new leadership service reference
// wrapping the input state. The health prober reads what units reported
// about themselves through the state.
func NewLeadershipService(
	st State,
	source config.Source,
	clock clock.Clock,
	logger logger.Logger,
) *LeadershipService {
	return &LeadershipService{
		Service: NewService(st, clock, logger),
		config:  source,
		checker: compatibility.NewChecker(logger),
		prober:  prober.NewProber(stateTopology{st: st}, stateWorkload{st: st}, clock, logger),
		newUUID: uuid.NewString,
	}
}

// Outcome is the result of an action.
type Outcome struct {
	Phase    refresh.Phase
	PlanUUID string

	// AllowRefresh is the unit the platform may replace now, or
	// NoOrdinal.
	AllowRefresh int

	// Changed reports whether the action wrote the cluster state.
	Changed bool

	Events   []refresh.Event
	Warnings []string

	// WriteConflicts counts the writes rejected because another writer
	// moved the refresh phase token first.
	WriteConflicts int
}

// TriggerArgs names the target of a refresh.
type TriggerArgs struct {
	Revision        string
	WorkloadVersion string

	// ContainerImage is the workload container the target deploys. It
	// defaults to the configured workload container.
	ContainerImage string
}

// Trigger starts a refresh to the given target with every guard
// enabled. The pause policy is read from the configuration now and kept
// for the lifetime of the plan.
func (s *LeadershipService) Trigger(ctx context.Context, unit string, args TriggerArgs) (Outcome, error) {
	return s.ForceRefreshStart(ctx, unit, ForceStartArgs{
		TriggerArgs:            args,
		CheckCompatibility:     true,
		RunPreRefreshChecks:    true,
		CheckWorkloadContainer: true,
	})
}

// ForceStartArgs are the arguments of force-refresh-start. Each guard is
// enabled when its flag is set.
type ForceStartArgs struct {
	// TriggerArgs is the target. If the revision is empty the target of
	// the last failed plan is used.
	TriggerArgs

	CheckCompatibility     bool
	RunPreRefreshChecks    bool
	CheckWorkloadContainer bool
}

// ForceRefreshStart creates and runs a refresh plan with the given guards.
// Bypassed guards are recorded in the event log. If a plan is already
// running an error satisfying [refresherrors.ConcurrentPlan] is returned
// and nothing changes.
func (s *LeadershipService) ForceRefreshStart(ctx context.Context, unit string, args ForceStartArgs) (Outcome, error) {
	cfg, err := s.config.Config(ctx)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "reading refresh configuration")
	}

	target := args.TriggerArgs
	if target.Revision == "" {
		if target, err = s.failedTarget(ctx); err != nil {
			return Outcome{}, errors.Trace(err)
		}
	}

	in := controller.StartPlan{
		TargetRevision:        target.Revision,
		TargetWorkloadVersion: target.WorkloadVersion,
		TargetContainerImage:  target.ContainerImage,
		PinnedContainerImage:  cfg.WorkloadContainer,
		Overrides: refresh.GuardOverrides{
			SkipCompatibility:  !args.CheckCompatibility,
			SkipPreflight:      !args.RunPreRefreshChecks,
			SkipContainerCheck: !args.CheckWorkloadContainer,
		},
		PausePolicy: cfg.PausePolicy,
	}
	return s.advance(ctx, unit, cfg, in)
}

// failedTarget returns the target of the last plan if it failed.
func (s *LeadershipService) failedTarget(ctx context.Context) (TriggerArgs, error) {
	cs, err := s.st.ClusterState(ctx)
	if err != nil {
		return TriggerArgs{}, errors.Trace(err)
	}
	if cs.Plan == nil || cs.Plan.Phase != refresh.PhaseFailed {
		return TriggerArgs{}, errors.Annotate(refresherrors.NoRefreshTarget, "no revision given and no failed refresh to retry")
	}
	return TriggerArgs{
		Revision:        cs.Plan.TargetRevision,
		WorkloadVersion: cs.Plan.TargetWorkloadVersion,
		ContainerImage:  cs.Plan.TargetContainerImage,
	}, nil
}

// ResumeRefresh leaves the paused phase. With checkHealth set every
// refreshed unit is probed again before the next unit starts. Outside the
// paused phase the outcome carries a warning and nothing changes.
func (s *LeadershipService) ResumeRefresh(ctx context.Context, unit string, checkHealth bool) (Outcome, error) {
	cfg, err := s.config.Config(ctx)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "reading refresh configuration")
	}
	return s.advance(ctx, unit, cfg, controller.Resume{CheckHealthOfRefreshedUnits: checkHealth})
}

// RollbackArgs confirm the rollback recommendation the operator acts on.
// An Ordinal of NoOrdinal or an empty Revision accepts whatever is
// recommended.
type RollbackArgs struct {
	Ordinal  int
	Revision string
}

// Rollback starts a reverse plan restoring the revision recommended by
// the rollback advisor. The reverse plan runs through the same ordered
// state machine and ends in the rolled back phase.
func (s *LeadershipService) Rollback(ctx context.Context, unit string, args RollbackArgs) (Outcome, error) {
	cfg, err := s.config.Config(ctx)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "reading refresh configuration")
	}
	cs, err := s.st.ClusterState(ctx)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}
	rec, err := rollback.Advise(cs)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}
	if args.Ordinal != refresh.NoOrdinal && args.Ordinal != rec.Ordinal {
		return Outcome{}, errors.NotValidf("rollback of unit %d, recommended unit is %d", args.Ordinal, rec.Ordinal)
	}
	if args.Revision != "" && args.Revision != rec.Revision {
		return Outcome{}, errors.NotValidf("rollback to revision %s, recommended revision is %s", args.Revision, rec.Revision)
	}
	s.logger.Infof("rolling back: %s", rec.Reason)

	in := controller.StartPlan{
		TargetRevision:        rec.Revision,
		TargetWorkloadVersion: rec.WorkloadVersion,
		PinnedContainerImage:  cfg.WorkloadContainer,
		// The deployment is already degraded and the previous revision
		// ran in the pinned container before.
		Overrides: refresh.GuardOverrides{
			SkipPreflight:      true,
			SkipContainerCheck: true,
		},
		PausePolicy: cfg.PausePolicy,
		Rollback:    true,
	}
	return s.advance(ctx, unit, cfg, in)
}

// Tick re-evaluates the current plan. It is called by the refresher
// worker and after units report.
func (s *LeadershipService) Tick(ctx context.Context, unit string) (Outcome, error) {
	cfg, err := s.config.Config(ctx)
	if err != nil {
		return Outcome{}, errors.Annotate(err, "reading refresh configuration")
	}
	return s.advance(ctx, unit, cfg, controller.Tick{})
}

// PreRefreshCheck probes the deployment without creating a plan. It
// reads the leadership lease but never claims it: the unit may run the
// check if it holds the lease or nobody does.
func (s *LeadershipService) PreRefreshCheck(ctx context.Context, unit string) (prober.Result, error) {
	cfg, err := s.config.Config(ctx)
	if err != nil {
		return prober.Result{}, errors.Annotate(err, "reading refresh configuration")
	}
	ctrl, err := s.newController(cfg)
	if err != nil {
		return prober.Result{}, errors.Trace(err)
	}
	holder, err := s.st.Leader(ctx)
	if err != nil {
		return prober.Result{}, errors.Annotate(err, "reading leadership")
	}
	role := controller.Role{Unit: unit, Leader: holder == "" || holder == unit}
	cs, err := s.st.ClusterState(ctx)
	if err != nil {
		return prober.Result{}, errors.Trace(err)
	}
	result, err := ctrl.PreRefreshCheck(ctx, role, cs)
	if err != nil {
		return prober.Result{}, errors.Trace(err)
	}
	if !result.Healthy() {
		s.logger.Warningf("pre-refresh check failed: %s", result.Reason)
	}
	return result, nil
}

func (s *LeadershipService) newController(cfg config.Config) (*controller.Controller, error) {
	return controller.New(controller.Config{
		Checker:      s.checker,
		Prober:       s.prober,
		ProbeOptions: cfg.ProbeOptions(),
		Clock:        s.clock,
		Logger:       s.logger,
		NewUUID:      s.newUUID,
	})
}

func (s *LeadershipService) role(ctx context.Context, unit string, cfg config.Config) (controller.Role, error) {
	leader, err := s.st.ClaimLeadership(ctx, unit, cfg.LeadershipDuration)
	if err != nil {
		return controller.Role{}, errors.Annotatef(err, "claiming leadership for %q", unit)
	}
	return controller.Role{Unit: unit, Leader: leader}, nil
}

// advance runs the controller and writes the result. A write rejected
// because the refresh phase token moved is retried on a fresh read; any
// other error is returned as is.
func (s *LeadershipService) advance(ctx context.Context, unit string, cfg config.Config, in controller.Input) (Outcome, error) {
	ctrl, err := s.newController(cfg)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}
	role, err := s.role(ctx, unit, cfg)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}

	var (
		next      refresh.ClusterState
		out       controller.Output
		conflicts int
	)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			cs, err := s.st.ClusterState(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			next, out, err = ctrl.Advance(ctx, role, cs, in)
			if err != nil {
				return errors.Trace(err)
			}
			if !out.Changed {
				return nil
			}
			return errors.Trace(s.st.WriteClusterState(ctx, cs.Token, next, out.Events))
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, refresherrors.OptimisticWriteConflict)
		},
		NotifyFunc: func(err error, attempt int) {
			conflicts++
			s.logger.Debugf("refresh state write conflict (attempt %d): %v", attempt, err)
		},
		Attempts:    cfg.WriteConflictAttempts,
		Delay:       writeConflictDelay,
		MaxDelay:    writeConflictMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case retry.IsAttemptsExceeded(err):
		return Outcome{WriteConflicts: conflicts}, errors.Annotatef(refresherrors.CoordinationFailed,
			"%d writes rejected: %v", conflicts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		return Outcome{WriteConflicts: conflicts}, errors.Trace(ctx.Err())
	case err != nil:
		return Outcome{WriteConflicts: conflicts}, errors.Trace(err)
	}

	outcome := Outcome{
		Phase:          next.Phase(),
		AllowRefresh:   out.AllowRefresh,
		Changed:        out.Changed,
		Events:         out.Events,
		Warnings:       out.Warnings,
		WriteConflicts: conflicts,
	}
	if next.Plan != nil {
		outcome.PlanUUID = next.Plan.UUID
	}
	for _, w := range out.Warnings {
		s.logger.Warningf("%s", w)
	}

	// Only the transition into the failed phase is reported as an error;
	// ticking a failed plan is not.
	if out.Changed && next.Phase() == refresh.PhaseFailed && next.Plan.Failure != nil {
		return outcome, guardError(next)
	}
	return outcome, nil
}

// guardError returns the error reported to the operator for a failed
// plan, including the rollback command if any unit was refreshed.
func guardError(cs refresh.ClusterState) error {
	var command string
	if rec, err := rollback.Advise(cs); err == nil {
		command = rec.Command()
	}
	return refresherrors.NewGuardError(*cs.Plan.Failure, command)
}
