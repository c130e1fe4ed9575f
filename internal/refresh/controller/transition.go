// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/internal/refresh/compatibility"
	"github.com/juju/rollingrefresh/internal/refresh/prober"
)

// transition holds the working copy of the cluster state for a single
// Advance call.
type transition struct {
	ctx    context.Context
	config Config
	cs     *refresh.ClusterState
	now    time.Time
	out    Output

	// pinned is the container image the deployment is pinned to. It is
	// only known while starting a plan.
	pinned string
}

func (t *transition) unit(ordinal int) *refresh.UnitState {
	for i := range t.cs.Units {
		if t.cs.Units[i].Ordinal == ordinal {
			return &t.cs.Units[i]
		}
	}
	return nil
}

func (t *transition) record(kind refresh.EventKind, ordinal int, guard refresh.Guard, format string, args ...interface{}) {
	plan := t.cs.Plan
	t.out.Changed = true
	t.out.Events = append(t.out.Events, refresh.Event{
		PlanUUID:  plan.UUID,
		Kind:      kind,
		Phase:     plan.Phase,
		Ordinal:   ordinal,
		Verdict:   plan.Verdict,
		Guard:     guard,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: t.now,
	})
}

func (t *transition) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	t.config.Logger.Warningf("%s", msg)
	t.out.Warnings = append(t.out.Warnings, msg)
}

func (t *transition) startPlan(in StartPlan) error {
	if len(t.cs.Units) == 0 {
		return errors.NotValidf("refresh of a deployment with no units")
	}
	if _, err := refresh.ParseRevision(in.TargetRevision); err != nil {
		return errors.Trace(err)
	}
	policy, err := refresh.ParsePausePolicy(string(in.PausePolicy))
	if err != nil {
		return errors.Trace(err)
	}

	abandoning := false
	if t.cs.HasActivePlan() {
		current := t.cs.Plan
		if current.Phase != refresh.PhasePaused || !t.abandons(in) {
			return errors.Annotatef(refresherrors.ConcurrentPlan,
				"refresh to %s is %s", current.TargetRevision, current.Phase)
		}
		abandoning = true
	}
	retry := t.retries(in)

	pending := 0
	var atTarget []int
	for _, u := range t.cs.Units {
		if u.Revision == in.TargetRevision {
			atTarget = append(atTarget, u.Ordinal)
		}
		onTarget := u.Revision == in.TargetRevision &&
			(in.TargetWorkloadVersion == "" || u.WorkloadVersion == in.TargetWorkloadVersion)
		switch {
		case !onTarget:
			pending++
		case retry && !u.Refreshed && u.PreviousRevision != "" && u.PreviousRevision != in.TargetRevision:
			// Still to pass its health check.
			pending++
		}
	}
	if pending == 0 {
		return errors.Annotatef(refresherrors.NothingToRefresh, "all units are at revision %s", in.TargetRevision)
	}
	// Only a rollback, the retry of a failed plan or a return to the
	// revision a paused plan started from may find units at the target.
	if len(atTarget) > 0 && !in.Rollback && !retry && !abandoning {
		return errors.NewNotValid(nil, fmt.Sprintf("unit %d already runs revision %s", atTarget[0], in.TargetRevision))
	}
	if abandoning {
		current := t.cs.Plan
		t.record(refresh.EventPlanAbandoned, current.Ordinal, refresh.GuardNone,
			"refresh to %s abandoned for a refresh to %s", current.TargetRevision, in.TargetRevision)
	}

	plan := &refresh.RefreshPlan{
		UUID:                        t.config.NewUUID(),
		TargetRevision:              in.TargetRevision,
		TargetWorkloadVersion:       in.TargetWorkloadVersion,
		TargetContainerImage:        in.TargetContainerImage,
		Verdict:                     refresh.VerdictPending,
		PausePolicy:                 policy,
		Overrides:                   in.Overrides,
		CheckHealthOfRefreshedUnits: true,
		Rollback:                    in.Rollback || (retry && t.cs.Plan.Rollback),
		Phase:                       refresh.PhaseCompatibilityCheck,
		Ordinal:                     refresh.NoOrdinal,
		StartedAt:                   t.now,
	}
	if plan.TargetContainerImage == "" {
		plan.TargetContainerImage = in.PinnedContainerImage
	}
	t.pinned = in.PinnedContainerImage
	t.cs.Plan = plan

	for i := range t.cs.Units {
		u := &t.cs.Units[i]
		u.AllowedToRefresh = false
		// A retry carries over the units the failed plan moved to the
		// target, along with the revision they ran before it.
		if retry && u.AtTarget(plan) && u.PreviousRevision != "" {
			continue
		}
		u.Refreshed = false
		u.PreviousRevision = u.Revision
		u.PreviousWorkloadVersion = u.WorkloadVersion
	}

	kind := "refresh"
	if plan.Rollback {
		kind = "rollback"
	}
	t.record(refresh.EventPlanCreated, refresh.NoOrdinal, refresh.GuardNone,
		"%s to revision %s of %d units, pausing after %s", kind, plan.TargetRevision, pending, plan.PausePolicy)
	for _, guard := range plan.Overrides.Skipped() {
		t.record(refresh.EventGuardSkipped, refresh.NoOrdinal, guard, "%s check bypassed with %s", guard, guard.BypassFlag())
	}
	return nil
}

// retries reports whether the new plan retries the target of the last
// plan, which failed.
func (t *transition) retries(in StartPlan) bool {
	last := t.cs.Plan
	return last != nil && last.Phase == refresh.PhaseFailed &&
		last.TargetRevision == in.TargetRevision &&
		last.TargetWorkloadVersion == in.TargetWorkloadVersion
}

// abandons reports whether the new plan may replace the paused one: a
// rollback, or a refresh back to the revision units ran before.
func (t *transition) abandons(in StartPlan) bool {
	if in.Rollback {
		return true
	}
	for _, u := range t.cs.Units {
		if u.PreviousRevision != "" && u.PreviousRevision == in.TargetRevision {
			return true
		}
	}
	return false
}

// run advances the plan until it has to wait.
func (t *transition) run() error {
	for {
		if err := t.ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		plan := t.cs.Plan
		if plan == nil {
			return nil
		}
		switch plan.Phase {
		case refresh.PhaseCompatibilityCheck:
			t.checkCompatibility()
		case refresh.PhasePreflight:
			t.preflight()
		case refresh.PhaseRefreshingUnit:
			if !t.awaitUnit() {
				return nil
			}
		case refresh.PhasePostRefreshHealthCheck:
			t.postRefreshCheck()
		default:
			return nil
		}
	}
}

func (t *transition) checkCompatibility() {
	plan := t.cs.Plan
	verdict := refresh.VerdictCompatible
	var reason string

	seen := set.NewStrings()
	for _, u := range t.cs.Units {
		if u.AtTarget(plan) {
			continue
		}
		key := u.Revision + "|" + u.WorkloadVersion
		if seen.Contains(key) {
			continue
		}
		seen.Add(key)

		result := t.config.Checker.Check(compatibility.Request{
			CurrentRevision:        u.Revision,
			CurrentWorkloadVersion: u.WorkloadVersion,
			TargetRevision:         plan.TargetRevision,
			TargetWorkloadVersion:  plan.TargetWorkloadVersion,
			Rollback:               plan.Rollback,
		}, plan.Overrides.SkipCompatibility)
		if result.Verdict == refresh.VerdictCompatible {
			continue
		}
		verdict, reason = result.Verdict, result.Reason
		if verdict == refresh.VerdictIncompatible {
			break
		}
	}

	plan.Verdict = verdict
	switch verdict {
	case refresh.VerdictIncompatible:
		t.fail(refresh.FailureCompatibility, refresh.NoOrdinal, reason, false)
		return
	case refresh.VerdictForcedIncompatible:
		t.record(refresh.EventCompatibilityCheck, refresh.NoOrdinal, refresh.GuardCompatibility,
			"incompatible refresh forced: %s", reason)
	default:
		t.record(refresh.EventCompatibilityCheck, refresh.NoOrdinal, refresh.GuardNone,
			"revision %s is compatible", plan.TargetRevision)
	}
	plan.Phase = refresh.PhasePreflight
}

func (t *transition) preflight() {
	plan := t.cs.Plan
	if len(t.cs.Units) == 1 {
		t.warn("refreshing a single unit deployment is not recommended")
	}

	if !plan.Overrides.SkipPreflight {
		opts := t.config.ProbeOptions
		opts.ExpectedImage = ""
		result := t.config.Prober.ProbeCluster(t.ctx, t.cs.Ordinals(), opts)
		if !result.Healthy() {
			t.fail(refresh.FailurePreflight, result.Ordinal, result.Reason, result.Outcome == prober.Timeout)
			return
		}
	}

	if !plan.Overrides.SkipContainerCheck && t.pinned != "" && plan.TargetContainerImage != t.pinned {
		t.fail(refresh.FailureWorkloadContainer, refresh.NoOrdinal,
			fmt.Sprintf("target workload container %q does not match the pinned container %q",
				plan.TargetContainerImage, t.pinned), false)
		return
	}

	t.record(refresh.EventPreflightPassed, refresh.NoOrdinal, refresh.GuardNone, "pre-refresh checks passed")
	t.nextUnit()
}

// highestPending returns the highest ordinal unit not yet refreshed.
func (t *transition) highestPending() *refresh.UnitState {
	var next *refresh.UnitState
	for i := range t.cs.Units {
		u := &t.cs.Units[i]
		if u.Refreshed {
			continue
		}
		if next == nil || u.Ordinal > next.Ordinal {
			next = u
		}
	}
	return next
}

// nextUnit allows the next unit to refresh, or completes the plan.
func (t *transition) nextUnit() {
	plan := t.cs.Plan
	for {
		u := t.highestPending()
		if u == nil {
			t.complete()
			return
		}
		atTarget := u.AtTarget(plan)
		if plan.Ordinal != refresh.NoOrdinal && u.Ordinal > plan.Ordinal && !atTarget {
			t.fail(refresh.FailurePreflight, u.Ordinal,
				fmt.Sprintf("unit %d joined during the refresh at revision %s", u.Ordinal, u.Revision), false)
			return
		}
		if atTarget && u.PreviousRevision != plan.TargetRevision {
			// The unit moved to the target under an earlier plan without
			// passing its health check.
			plan.Phase = refresh.PhasePostRefreshHealthCheck
			plan.Ordinal = u.Ordinal
			t.record(refresh.EventUnitRefreshObserved, u.Ordinal, refresh.GuardNone,
				"unit %d already reports revision %s", u.Ordinal, u.Revision)
			return
		}
		if atTarget {
			u.Refreshed = true
			t.record(refresh.EventUnitAlreadyAtTarget, u.Ordinal, refresh.GuardNone,
				"unit %d is already at revision %s", u.Ordinal, plan.TargetRevision)
			continue
		}

		plan.Phase = refresh.PhaseRefreshingUnit
		plan.Ordinal = u.Ordinal
		u.AllowedToRefresh = true
		t.out.AllowRefresh = u.Ordinal
		t.record(refresh.EventUnitRefreshStarted, u.Ordinal, refresh.GuardNone,
			"unit %d allowed to refresh from %s to %s", u.Ordinal, u.Revision, plan.TargetRevision)
		return
	}
}

// awaitUnit reports whether the unit being refreshed now runs the target.
func (t *transition) awaitUnit() bool {
	plan := t.cs.Plan
	u := t.unit(plan.Ordinal)
	if u == nil {
		t.fail(refresh.FailurePreflight, plan.Ordinal,
			fmt.Sprintf("unit %d left the deployment during its refresh", plan.Ordinal), false)
		return true
	}
	if !u.AtTarget(plan) {
		t.out.AllowRefresh = u.Ordinal
		return false
	}
	u.AllowedToRefresh = false
	plan.Phase = refresh.PhasePostRefreshHealthCheck
	t.record(refresh.EventUnitRefreshObserved, u.Ordinal, refresh.GuardNone,
		"unit %d reports revision %s", u.Ordinal, u.Revision)
	return true
}

func (t *transition) unitProbeOptions() prober.Options {
	plan := t.cs.Plan
	opts := t.config.ProbeOptions
	opts.ExpectedImage = plan.TargetContainerImage
	opts.SkipContainer = plan.Overrides.SkipContainerCheck
	return opts
}

// probeFailed fails the plan for an unhealthy unit unless the health of
// refreshed units is not being checked. It reports whether the plan
// failed.
func (t *transition) probeFailed(result prober.Result) bool {
	plan := t.cs.Plan
	if result.Check == prober.CheckContainer {
		t.fail(refresh.FailureWorkloadContainer, result.Ordinal, result.Reason, false)
		return true
	}
	if plan.CheckHealthOfRefreshedUnits {
		t.fail(refresh.FailureHealthCheck, result.Ordinal, result.Reason, result.Outcome == prober.Timeout)
		return true
	}
	t.record(refresh.EventHealthCheckIgnored, result.Ordinal, refresh.GuardHealth,
		"unit %d is %s: %s", result.Ordinal, result.Outcome, result.Reason)
	return false
}

func (t *transition) postRefreshCheck() {
	plan := t.cs.Plan
	ordinal := plan.Ordinal

	result := t.config.Prober.ProbeUnit(t.ctx, ordinal, t.unitProbeOptions())
	if result.Healthy() {
		t.record(refresh.EventHealthCheckPassed, ordinal, refresh.GuardNone, "unit %d is healthy", ordinal)
	} else {
		if result.Ordinal == refresh.NoOrdinal {
			result.Ordinal = ordinal
		}
		if t.probeFailed(result) {
			return
		}
	}

	t.markRefreshed(ordinal)
	if t.shouldPause() {
		plan.PausedOnce = true
		plan.Phase = refresh.PhasePaused
		t.record(refresh.EventPaused, ordinal, refresh.GuardNone,
			"refresh paused after unit %d; run resume-refresh to continue", ordinal)
		return
	}
	t.nextUnit()
}

func (t *transition) markRefreshed(ordinal int) {
	plan := t.cs.Plan
	if u := t.unit(ordinal); u != nil {
		u.Refreshed = true
		u.AllowedToRefresh = false
	}
	t.record(refresh.EventUnitRefreshed, ordinal, refresh.GuardNone,
		"unit %d refreshed to revision %s", ordinal, plan.TargetRevision)
}

func (t *transition) shouldPause() bool {
	plan := t.cs.Plan
	switch plan.PausePolicy {
	case refresh.PauseAll:
		return true
	case refresh.PauseFirst:
		return !plan.PausedOnce
	}
	return false
}

func (t *transition) fail(kind refresh.FailureKind, ordinal int, reason string, timeout bool) {
	plan := t.cs.Plan
	plan.Phase = refresh.PhaseFailed
	plan.Failure = &refresh.Failure{
		Kind:    kind,
		Ordinal: ordinal,
		Reason:  reason,
		Timeout: timeout,
	}
	for i := range t.cs.Units {
		t.cs.Units[i].AllowedToRefresh = false
	}
	t.record(refresh.EventFailed, ordinal, kind.Guard(), "%s: %s", kind, reason)
	t.config.Logger.Errorf("refresh to %s failed: %s: %s", plan.TargetRevision, kind, reason)
}

func (t *transition) complete() {
	plan := t.cs.Plan
	for _, u := range t.cs.Units {
		if !u.AtTarget(plan) {
			t.fail(refresh.FailureHealthCheck, u.Ordinal,
				fmt.Sprintf("unit %d reports revision %s after its refresh", u.Ordinal, u.Revision), false)
			return
		}
	}
	plan.Ordinal = refresh.NoOrdinal
	if plan.Rollback {
		plan.Phase = refresh.PhaseRolledBack
		t.record(refresh.EventRolledBack, refresh.NoOrdinal, refresh.GuardNone,
			"rolled back to revision %s", plan.TargetRevision)
		return
	}
	plan.Phase = refresh.PhaseCompleted
	t.record(refresh.EventCompleted, refresh.NoOrdinal, refresh.GuardNone,
		"refresh to revision %s completed", plan.TargetRevision)
}

func (t *transition) resume(in Resume) error {
	plan := t.cs.Plan
	switch {
	case plan != nil && plan.Phase == refresh.PhasePaused:
	case plan != nil && plan.Phase == refresh.PhaseFailed && !in.CheckHealthOfRefreshedUnits &&
		plan.Failure != nil && plan.Failure.Kind == refresh.FailureHealthCheck:
		return t.forceAdvance()
	default:
		t.warn("resume-refresh ignored: refresh is %s, not paused", t.cs.Phase())
		return nil
	}

	plan.CheckHealthOfRefreshedUnits = in.CheckHealthOfRefreshedUnits
	plan.Phase = refresh.PhasePostRefreshHealthCheck
	t.record(refresh.EventResumed, plan.Ordinal, refresh.GuardNone, "refresh resumed")

	if !in.CheckHealthOfRefreshedUnits {
		t.record(refresh.EventGuardSkipped, refresh.NoOrdinal, refresh.GuardHealth,
			"%s check bypassed with %s", refresh.GuardHealth, refresh.GuardHealth.BypassFlag())
	} else {
		opts := t.unitProbeOptions()
		for _, ordinal := range t.cs.Ordinals() {
			if u := t.unit(ordinal); !u.Refreshed {
				continue
			}
			result := t.config.Prober.ProbeUnit(t.ctx, ordinal, opts)
			if result.Healthy() {
				continue
			}
			if result.Ordinal == refresh.NoOrdinal {
				result.Ordinal = ordinal
			}
			t.probeFailed(result)
			return nil
		}
	}
	t.nextUnit()
	return nil
}

// forceAdvance moves past a unit that failed its post refresh health
// check, once the operator asked not to check refreshed units.
func (t *transition) forceAdvance() error {
	plan := t.cs.Plan
	ordinal := plan.Failure.Ordinal
	u := t.unit(ordinal)
	if u == nil || !u.AtTarget(plan) {
		t.warn("resume-refresh ignored: unit %d has not refreshed to revision %s", ordinal, plan.TargetRevision)
		return nil
	}

	plan.Failure = nil
	plan.CheckHealthOfRefreshedUnits = false
	plan.Phase = refresh.PhasePostRefreshHealthCheck
	plan.Ordinal = ordinal
	t.record(refresh.EventResumed, ordinal, refresh.GuardHealth,
		"refresh resumed past unit %d with %s", ordinal, refresh.GuardHealth.BypassFlag())
	if !u.Refreshed {
		t.markRefreshed(ordinal)
	}
	t.nextUnit()
	return nil
}
