// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/internal/refresh/compatibility"
	"github.com/juju/rollingrefresh/internal/refresh/prober"
	"github.com/juju/rollingrefresh/internal/refresh/rollback"
)

type controllerSuite struct {
	prober *fakeProber
	clock  *testclock.Clock
}

var _ = gc.Suite(&controllerSuite{})

var leader = Role{Unit: "db/0", Leader: true}

// fakeProber reports every unit healthy unless told otherwise.
type fakeProber struct {
	units        map[int]prober.Result
	unitCalls    []int
	clusterCalls int
}

func (p *fakeProber) ProbeUnit(_ context.Context, ordinal int, _ prober.Options) prober.Result {
	p.unitCalls = append(p.unitCalls, ordinal)
	if result, ok := p.units[ordinal]; ok {
		return result
	}
	return prober.Result{Outcome: prober.Healthy, Ordinal: refresh.NoOrdinal}
}

func (p *fakeProber) ProbeCluster(_ context.Context, _ []int, _ prober.Options) prober.Result {
	p.clusterCalls++
	return prober.Result{Outcome: prober.Healthy, Ordinal: refresh.NoOrdinal}
}

func (s *controllerSuite) SetUpTest(c *gc.C) {
	s.prober = &fakeProber{units: make(map[int]prober.Result)}
	s.clock = testclock.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
}

func (s *controllerSuite) newController(c *gc.C, p HealthProber) *Controller {
	ctrl, err := New(Config{
		Checker:      compatibility.NewChecker(loggo.GetLogger("test")),
		Prober:       p,
		ProbeOptions: prober.Options{Timeout: time.Minute},
		Clock:        s.clock,
		Logger:       loggo.GetLogger("test"),
		NewUUID:      func() string { return "plan-uuid" },
	})
	c.Assert(err, jc.ErrorIsNil)
	return ctrl
}

func newCluster(units int, revision string) refresh.ClusterState {
	cs := refresh.ClusterState{Token: 1, PlannedUnits: units}
	for i := 0; i < units; i++ {
		cs.Units = append(cs.Units, refresh.UnitState{
			Ordinal:         i,
			Name:            fmt.Sprintf("db/%d", i),
			Revision:        revision,
			WorkloadVersion: "14.1",
			Health:          refresh.HealthHealthy,
		})
	}
	return cs
}

func setRevision(cs *refresh.ClusterState, ordinal int, revision string) {
	for i := range cs.Units {
		if cs.Units[i].Ordinal == ordinal {
			cs.Units[i].Revision = revision
		}
	}
}

func (s *controllerSuite) advance(c *gc.C, ctrl *Controller, cs refresh.ClusterState, in Input) (refresh.ClusterState, Output) {
	next, out, err := ctrl.Advance(context.Background(), leader, cs, in)
	c.Assert(err, jc.ErrorIsNil)
	return next, out
}

func (s *controllerSuite) start(c *gc.C, ctrl *Controller, cs refresh.ClusterState, policy refresh.PausePolicy) (refresh.ClusterState, Output) {
	return s.advance(c, ctrl, cs, StartPlan{
		TargetRevision: "3/104",
		PausePolicy:    policy,
	})
}

func assertSingleAllowed(c *gc.C, cs refresh.ClusterState) {
	allowed := 0
	for _, u := range cs.Units {
		if u.AllowedToRefresh {
			allowed++
			c.Check(u.Ordinal, gc.Equals, cs.Plan.Ordinal)
		}
	}
	c.Check(allowed, gc.Equals, 1)
}

// refreshAll drives a started plan to the end, refreshing each allowed
// unit and resuming every pause. It returns the order units were allowed
// to refresh in and the number of pauses.
func (s *controllerSuite) refreshAll(c *gc.C, ctrl *Controller, cs refresh.ClusterState, out Output) (refresh.ClusterState, []int, int) {
	var order []int
	pauses := 0
	for i := 0; i < 100; i++ {
		switch cs.Phase() {
		case refresh.PhaseRefreshingUnit:
			c.Assert(out.AllowRefresh, gc.Equals, cs.Plan.Ordinal)
			assertSingleAllowed(c, cs)
			order = append(order, out.AllowRefresh)
			setRevision(&cs, out.AllowRefresh, cs.Plan.TargetRevision)
			cs, out = s.advance(c, ctrl, cs, Tick{})
		case refresh.PhasePaused:
			pauses++
			cs, out = s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: true})
		default:
			return cs, order, pauses
		}
	}
	c.Fatalf("refresh did not finish")
	return cs, nil, 0
}

func eventKinds(events []refresh.Event) []refresh.EventKind {
	kinds := make([]refresh.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (s *controllerSuite) TestValidateConfig(c *gc.C) {
	_, err := New(Config{})
	c.Check(err, gc.ErrorMatches, "nil Checker not valid")

	_, err = New(Config{Checker: compatibility.NewChecker(loggo.GetLogger("test"))})
	c.Check(err, gc.ErrorMatches, "nil Prober not valid")
}

func (s *controllerSuite) TestRefreshOrderIsDescending(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, out := s.start(c, ctrl, newCluster(5, "3/103"), refresh.PauseNone)
	cs, order, pauses := s.refreshAll(c, ctrl, cs, out)

	c.Check(order, jc.DeepEquals, []int{4, 3, 2, 1, 0})
	c.Check(pauses, gc.Equals, 0)
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseCompleted)
	for _, u := range cs.Units {
		c.Check(u.Refreshed, jc.IsTrue)
		c.Check(u.AllowedToRefresh, jc.IsFalse)
		c.Check(u.Revision, gc.Equals, "3/104")
		c.Check(u.PreviousRevision, gc.Equals, "3/103")
	}
}

func (s *controllerSuite) TestPauseFirstPausesOnce(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	for _, units := range []int{1, 3, 5} {
		c.Logf("units: %d", units)
		cs, out := s.start(c, ctrl, newCluster(units, "3/103"), refresh.PauseFirst)
		cs, order, pauses := s.refreshAll(c, ctrl, cs, out)
		c.Check(pauses, gc.Equals, 1)
		c.Check(order, gc.HasLen, units)
		c.Check(cs.Phase(), gc.Equals, refresh.PhaseCompleted)
	}
}

func (s *controllerSuite) TestPauseAllPausesAfterEveryUnit(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, out := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseAll)
	cs, _, pauses := s.refreshAll(c, ctrl, cs, out)
	c.Check(pauses, gc.Equals, 3)
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseCompleted)
}

func (s *controllerSuite) TestDefaultPausePolicyIsFirst(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, _ := s.start(c, ctrl, newCluster(2, "3/103"), "")
	c.Check(cs.Plan.PausePolicy, gc.Equals, refresh.PauseFirst)
}

func (s *controllerSuite) TestThreeUnitRefreshTrace(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs := newCluster(3, "3/103")

	cs, out := s.start(c, ctrl, cs, refresh.PauseFirst)
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Ordinal, gc.Equals, 2)
	c.Check(cs.Plan.Verdict, gc.Equals, refresh.VerdictCompatible)
	c.Check(out.AllowRefresh, gc.Equals, 2)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventPlanCreated,
		refresh.EventCompatibilityCheck,
		refresh.EventPreflightPassed,
		refresh.EventUnitRefreshStarted,
	})
	c.Check(out.Events[0].PlanUUID, gc.Equals, "plan-uuid")
	c.Check(out.Events[0].Timestamp, gc.Equals, s.clock.Now())

	// Nothing happens until the unit reports the target.
	next, out := s.advance(c, ctrl, cs, Tick{})
	c.Check(out.Changed, jc.IsFalse)
	c.Check(out.AllowRefresh, gc.Equals, 2)
	c.Check(next, jc.DeepEquals, cs)

	setRevision(&cs, 2, "3/104")
	cs, out = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Phase(), gc.Equals, refresh.PhasePaused)
	c.Check(cs.Plan.Ordinal, gc.Equals, 2)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventUnitRefreshObserved,
		refresh.EventHealthCheckPassed,
		refresh.EventUnitRefreshed,
		refresh.EventPaused,
	})

	cs, out = s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: true})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Ordinal, gc.Equals, 1)
	c.Check(out.AllowRefresh, gc.Equals, 1)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventResumed,
		refresh.EventUnitRefreshStarted,
	})

	setRevision(&cs, 1, "3/104")
	cs, out = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Ordinal, gc.Equals, 0)
	c.Check(out.AllowRefresh, gc.Equals, 0)

	setRevision(&cs, 0, "3/104")
	cs, out = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseCompleted)
	c.Check(out.AllowRefresh, gc.Equals, refresh.NoOrdinal)
	c.Check(out.Events[len(out.Events)-1].Kind, gc.Equals, refresh.EventCompleted)

	c.Check(s.prober.clusterCalls, gc.Equals, 1)
	c.Check(s.prober.unitCalls, jc.DeepEquals, []int{2, 2, 1, 0})
}

func (s *controllerSuite) TestHealthCheckTimeout(c *gc.C) {
	s.prober.units[1] = prober.Result{
		Outcome: prober.Timeout,
		Check:   prober.CheckWorkload,
		Ordinal: 1,
		Reason:  "timed out after 1m0s: unit is not ready",
	}
	ctrl := s.newController(c, s.prober)

	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	cs, _ = s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: true})
	setRevision(&cs, 1, "3/104")
	cs, out := s.advance(c, ctrl, cs, Tick{})

	c.Assert(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(*cs.Plan.Failure, jc.DeepEquals, refresh.Failure{
		Kind:    refresh.FailureHealthCheck,
		Ordinal: 1,
		Reason:  "timed out after 1m0s: unit is not ready",
		Timeout: true,
	})
	last := out.Events[len(out.Events)-1]
	c.Check(last.Kind, gc.Equals, refresh.EventFailed)
	c.Check(last.Guard, gc.Equals, refresh.GuardHealth)
	c.Check(out.AllowRefresh, gc.Equals, refresh.NoOrdinal)

	rec, err := rollback.Advise(cs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rec.Ordinal, gc.Equals, 2)
	c.Check(rec.Revision, gc.Equals, "3/103")

	guardErr := refresherrors.NewGuardError(*cs.Plan.Failure, rec.Command())
	c.Check(guardErr, jc.ErrorIs, refresherrors.HealthCheckFailed)
	c.Check(guardErr, jc.ErrorIs, refresherrors.HealthCheckTimeout)
}

func (s *controllerSuite) TestStartWhileRefreshingIsConcurrentPlan(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	c.Assert(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)

	for _, in := range []StartPlan{
		{TargetRevision: "3/105"},
		{TargetRevision: "3/103", Rollback: true},
	} {
		next, out, err := ctrl.Advance(context.Background(), leader, cs, in)
		c.Check(err, jc.ErrorIs, refresherrors.ConcurrentPlan)
		c.Check(next, jc.DeepEquals, cs)
		c.Check(out.Events, gc.HasLen, 0)
	}
}

func (s *controllerSuite) TestRollbackAbandonsPausedPlan(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Assert(cs.Phase(), gc.Equals, refresh.PhasePaused)

	cs, out := s.advance(c, ctrl, cs, StartPlan{
		TargetRevision: "3/103",
		PausePolicy:    refresh.PauseNone,
		Rollback:       true,
	})
	c.Check(out.Events[0].Kind, gc.Equals, refresh.EventPlanAbandoned)
	c.Check(cs.Plan.Rollback, jc.IsTrue)
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Ordinal, gc.Equals, 2)

	// Units still on the old revision need no rollback.
	setRevision(&cs, 2, "3/103")
	cs, out = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRolledBack)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventUnitRefreshObserved,
		refresh.EventHealthCheckPassed,
		refresh.EventUnitRefreshed,
		refresh.EventUnitAlreadyAtTarget,
		refresh.EventUnitAlreadyAtTarget,
		refresh.EventRolledBack,
	})
}

func (s *controllerSuite) TestNonLeaderRejected(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs := newCluster(3, "3/103")

	next, _, err := ctrl.Advance(context.Background(), Role{Unit: "db/1"}, cs, StartPlan{TargetRevision: "3/104"})
	c.Check(err, jc.ErrorIs, refresherrors.NotLeader)
	c.Check(next, jc.DeepEquals, cs)
	c.Check(s.prober.clusterCalls, gc.Equals, 0)
}

func (s *controllerSuite) TestResumeWhenNotPausedIsNoop(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)

	next, out := s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: true})
	c.Check(out.Changed, jc.IsFalse)
	c.Check(out.Warnings, jc.DeepEquals, []string{
		"resume-refresh ignored: refresh is refreshing-unit, not paused",
	})
	c.Check(next, jc.DeepEquals, cs)

	_, out = s.advance(c, ctrl, newCluster(1, "3/103"), Resume{})
	c.Check(out.Changed, jc.IsFalse)
	c.Check(out.Warnings, gc.HasLen, 1)
}

func (s *controllerSuite) TestResumeWithoutHealthCheck(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Assert(cs.Phase(), gc.Equals, refresh.PhasePaused)

	// The refreshed unit turns unhealthy while paused.
	s.prober.units[2] = prober.Result{Outcome: prober.Unhealthy, Check: prober.CheckWorkload, Ordinal: 2, Reason: "replication lag"}

	cs, out := s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: false})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Ordinal, gc.Equals, 1)
	c.Check(cs.Plan.CheckHealthOfRefreshedUnits, jc.IsFalse)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventResumed,
		refresh.EventGuardSkipped,
		refresh.EventUnitRefreshStarted,
	})
	c.Check(out.Events[1].Guard, gc.Equals, refresh.GuardHealth)

	// Later unhealthy units are recorded and ignored.
	s.prober.units[1] = prober.Result{Outcome: prober.Unhealthy, Check: prober.CheckWorkload, Ordinal: 1, Reason: "replication lag"}
	setRevision(&cs, 1, "3/104")
	cs, out = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Plan.Ordinal, gc.Equals, 0)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventUnitRefreshObserved,
		refresh.EventHealthCheckIgnored,
		refresh.EventUnitRefreshed,
		refresh.EventUnitRefreshStarted,
	})
}

func (s *controllerSuite) TestResumeRechecksRefreshedUnits(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})

	s.prober.units[2] = prober.Result{Outcome: prober.Unhealthy, Check: prober.CheckWorkload, Ordinal: 2, Reason: "replication lag"}

	cs, _ = s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: true})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Failure.Kind, gc.Equals, refresh.FailureHealthCheck)
	c.Check(cs.Plan.Failure.Ordinal, gc.Equals, 2)
	c.Check(cs.Plan.Failure.Timeout, jc.IsFalse)
}

func (s *controllerSuite) TestResumeForcesPastFailedUnit(c *gc.C) {
	s.prober.units[1] = prober.Result{Outcome: prober.Unhealthy, Check: prober.CheckWorkload, Ordinal: 1, Reason: "replication lag"}
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(2, "3/103"), refresh.PauseNone)
	setRevision(&cs, 1, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Assert(cs.Phase(), gc.Equals, refresh.PhaseFailed)

	cs, out := s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: false})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Ordinal, gc.Equals, 0)
	c.Check(cs.Plan.Failure, gc.IsNil)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventResumed,
		refresh.EventUnitRefreshed,
		refresh.EventUnitRefreshStarted,
	})
}

func (s *controllerSuite) TestIncompatibleTargetFails(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, out := s.advance(c, ctrl, newCluster(3, "3/103"), StartPlan{
		TargetRevision:        "3/104",
		TargetWorkloadVersion: "15.0",
	})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Verdict, gc.Equals, refresh.VerdictIncompatible)
	c.Check(cs.Plan.Failure.Kind, gc.Equals, refresh.FailureCompatibility)
	c.Check(cs.Plan.Failure.Reason, gc.Equals, "refreshing to a different major workload is not supported, got 14 to 15")
	c.Check(out.AllowRefresh, gc.Equals, refresh.NoOrdinal)
	c.Check(s.prober.clusterCalls, gc.Equals, 0)

	// A failed plan may be replaced.
	cs, _ = s.start(c, ctrl, cs, refresh.PauseNone)
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
}

func (s *controllerSuite) TestForcedIncompatibleIsRecorded(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, out := s.advance(c, ctrl, newCluster(3, "3/103"), StartPlan{
		TargetRevision:        "3/104",
		TargetWorkloadVersion: "15.0",
		Overrides:             refresh.GuardOverrides{SkipCompatibility: true},
	})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(cs.Plan.Verdict, gc.Equals, refresh.VerdictForcedIncompatible)
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventPlanCreated,
		refresh.EventGuardSkipped,
		refresh.EventCompatibilityCheck,
		refresh.EventPreflightPassed,
		refresh.EventUnitRefreshStarted,
	})
	c.Check(out.Events[1].Guard, gc.Equals, refresh.GuardCompatibility)
	c.Check(out.Events[2].Verdict, gc.Equals, refresh.VerdictForcedIncompatible)
	c.Check(out.Events[2].Guard, gc.Equals, refresh.GuardCompatibility)
}

func (s *controllerSuite) TestSkippedCompatibleTargetStaysCompatible(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, _ := s.advance(c, ctrl, newCluster(3, "3/103"), StartPlan{
		TargetRevision: "3/104",
		Overrides:      refresh.GuardOverrides{SkipCompatibility: true},
	})
	c.Check(cs.Plan.Verdict, gc.Equals, refresh.VerdictCompatible)
}

func (s *controllerSuite) TestContainerMismatchFails(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	cs, _ := s.advance(c, ctrl, newCluster(3, "3/103"), StartPlan{
		TargetRevision:       "3/104",
		TargetContainerImage: "postgresql:15",
		PinnedContainerImage: "postgresql:14",
	})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Failure.Kind, gc.Equals, refresh.FailureWorkloadContainer)
	c.Check(cs.Plan.Failure.Reason, gc.Equals, `target workload container "postgresql:15" does not match the pinned container "postgresql:14"`)

	cs, out := s.advance(c, ctrl, newCluster(3, "3/103"), StartPlan{
		TargetRevision:       "3/104",
		TargetContainerImage: "postgresql:15",
		PinnedContainerImage: "postgresql:14",
		Overrides:            refresh.GuardOverrides{SkipContainerCheck: true},
	})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(out.Events[1].Guard, gc.Equals, refresh.GuardContainer)
}

func (s *controllerSuite) TestRefreshedContainerMismatchFails(c *gc.C) {
	s.prober.units[2] = prober.Result{
		Outcome: prober.Unhealthy,
		Check:   prober.CheckContainer,
		Ordinal: 2,
		Reason:  `unit 2 runs container "postgresql:14", expected "postgresql:15"`,
	}
	ctrl := s.newController(c, s.prober)

	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Failure.Kind, gc.Equals, refresh.FailureWorkloadContainer)
	c.Check(cs.Plan.Failure.Ordinal, gc.Equals, 2)
}

func (s *controllerSuite) TestPreflightTimeout(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	mockProber := NewMockHealthProber(ctrl)
	mockProber.EXPECT().ProbeCluster(gomock.Any(), []int{2, 1, 0}, gomock.Any()).Return(prober.Result{
		Outcome: prober.Timeout,
		Check:   prober.CheckWorkload,
		Ordinal: 1,
		Reason:  "timed out after 1m0s: unit is not ready",
	})

	cs, out := s.start(c, s.newController(c, mockProber), newCluster(3, "3/103"), refresh.PauseFirst)
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(*cs.Plan.Failure, jc.DeepEquals, refresh.Failure{
		Kind:    refresh.FailurePreflight,
		Ordinal: 1,
		Reason:  "timed out after 1m0s: unit is not ready",
		Timeout: true,
	})
	for _, u := range cs.Units {
		c.Check(u.AllowedToRefresh, jc.IsFalse)
	}
	c.Check(out.AllowRefresh, gc.Equals, refresh.NoOrdinal)
}

func (s *controllerSuite) TestSkipPreflight(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	// No probe is expected before the first unit refreshes.
	mockProber := NewMockHealthProber(ctrl)

	cs, out := s.advance(c, s.newController(c, mockProber), newCluster(1, "3/103"), StartPlan{
		TargetRevision: "3/104",
		Overrides:      refresh.GuardOverrides{SkipPreflight: true},
	})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseRefreshingUnit)
	c.Check(out.Events[1].Guard, gc.Equals, refresh.GuardPreflight)
	c.Check(out.Warnings, jc.DeepEquals, []string{"refreshing a single unit deployment is not recommended"})
}

func (s *controllerSuite) TestNothingToRefresh(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs := newCluster(3, "3/104")

	_, _, err := ctrl.Advance(context.Background(), leader, cs, StartPlan{TargetRevision: "3/104"})
	c.Check(err, jc.ErrorIs, refresherrors.NothingToRefresh)
}

func (s *controllerSuite) TestUnitAtTargetRejected(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs := newCluster(3, "3/103")
	setRevision(&cs, 2, "3/104")

	next, out, err := ctrl.Advance(context.Background(), leader, cs, StartPlan{
		TargetRevision: "3/104",
		PausePolicy:    refresh.PauseFirst,
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, "unit 2 already runs revision 3/104")
	c.Check(next, jc.DeepEquals, cs)
	c.Check(out.Events, gc.HasLen, 0)
	c.Check(s.prober.clusterCalls, gc.Equals, 0)
}

func (s *controllerSuite) TestRetryChecksFailedUnit(c *gc.C) {
	s.prober.units[1] = prober.Result{Outcome: prober.Unhealthy, Check: prober.CheckWorkload, Ordinal: 1, Reason: "replication lag"}
	ctrl := s.newController(c, s.prober)

	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseNone)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	setRevision(&cs, 1, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Assert(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Assert(cs.Plan.Failure.Ordinal, gc.Equals, 1)

	// The unit recovers and the failed target is retried without the
	// pre-refresh checks.
	delete(s.prober.units, 1)
	s.prober.unitCalls = nil
	cs, out := s.advance(c, ctrl, cs, StartPlan{
		TargetRevision: "3/104",
		PausePolicy:    refresh.PauseNone,
		Overrides:      refresh.GuardOverrides{SkipPreflight: true},
	})
	c.Check(eventKinds(out.Events), jc.DeepEquals, []refresh.EventKind{
		refresh.EventPlanCreated,
		refresh.EventGuardSkipped,
		refresh.EventCompatibilityCheck,
		refresh.EventPreflightPassed,
		refresh.EventUnitRefreshObserved,
		refresh.EventHealthCheckPassed,
		refresh.EventUnitRefreshed,
		refresh.EventUnitRefreshStarted,
	})
	c.Check(s.prober.unitCalls, jc.DeepEquals, []int{1})
	c.Check(cs.Plan.Ordinal, gc.Equals, 0)
	c.Check(out.AllowRefresh, gc.Equals, 0)

	for _, u := range cs.Units {
		c.Check(u.PreviousRevision, gc.Equals, "3/103", gc.Commentf("unit %d", u.Ordinal))
	}
	rec, err := rollback.Advise(cs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(rec.Ordinal, gc.Equals, 2)
	c.Check(rec.Revision, gc.Equals, "3/103")
}

func (s *controllerSuite) TestRetryFailedUnitStillUnhealthy(c *gc.C) {
	s.prober.units[1] = prober.Result{Outcome: prober.Unhealthy, Check: prober.CheckWorkload, Ordinal: 1, Reason: "replication lag"}
	ctrl := s.newController(c, s.prober)

	cs, _ := s.start(c, ctrl, newCluster(2, "3/103"), refresh.PauseNone)
	setRevision(&cs, 1, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Assert(cs.Phase(), gc.Equals, refresh.PhaseFailed)

	cs, out := s.advance(c, ctrl, cs, StartPlan{
		TargetRevision: "3/104",
		PausePolicy:    refresh.PauseNone,
		Overrides:      refresh.GuardOverrides{SkipPreflight: true},
	})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Failure.Kind, gc.Equals, refresh.FailureHealthCheck)
	c.Check(cs.Plan.Failure.Ordinal, gc.Equals, 1)
	c.Check(out.AllowRefresh, gc.Equals, refresh.NoOrdinal)
}

func (s *controllerSuite) TestLateUnitFailsRefresh(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	setRevision(&cs, 2, "3/104")
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Assert(cs.Phase(), gc.Equals, refresh.PhasePaused)

	cs.Units = append(cs.Units, refresh.UnitState{
		Ordinal:  3,
		Name:     "db/3",
		Revision: "3/103",
		Health:   refresh.HealthHealthy,
	})
	cs, _ = s.advance(c, ctrl, cs, Resume{CheckHealthOfRefreshedUnits: true})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Failure.Kind, gc.Equals, refresh.FailurePreflight)
	c.Check(cs.Plan.Failure.Ordinal, gc.Equals, 3)
}

func (s *controllerSuite) TestUnitLeavingDuringRefreshFails(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)

	cs.Units = cs.Units[:2]
	cs, _ = s.advance(c, ctrl, cs, Tick{})
	c.Check(cs.Phase(), gc.Equals, refresh.PhaseFailed)
	c.Check(cs.Plan.Failure.Ordinal, gc.Equals, 2)
	c.Check(cs.Plan.Failure.Reason, gc.Equals, "unit 2 left the deployment during its refresh")
}

func (s *controllerSuite) TestInputStateUnchanged(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	cs := newCluster(3, "3/103")
	before := cs.Clone()

	_, _ = s.start(c, ctrl, cs, refresh.PauseFirst)
	c.Check(cs, jc.DeepEquals, before)
}

func (s *controllerSuite) TestCancelledContextWritesNothing(c *gc.C) {
	ctrl := s.newController(c, s.prober)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cs := newCluster(3, "3/103")
	next, out, err := ctrl.Advance(ctx, leader, cs, StartPlan{TargetRevision: "3/104"})
	c.Check(err, jc.ErrorIs, context.Canceled)
	c.Check(next, jc.DeepEquals, cs)
	c.Check(out.Events, gc.HasLen, 0)
}

func (s *controllerSuite) TestPreRefreshCheck(c *gc.C) {
	ctrl := s.newController(c, s.prober)

	result, err := ctrl.PreRefreshCheck(context.Background(), leader, newCluster(3, "3/103"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Healthy(), jc.IsTrue)

	cs, _ := s.start(c, ctrl, newCluster(3, "3/103"), refresh.PauseFirst)
	_, err = ctrl.PreRefreshCheck(context.Background(), leader, cs)
	c.Check(err, jc.ErrorIs, refresherrors.ConcurrentPlan)

	_, err = ctrl.PreRefreshCheck(context.Background(), Role{Unit: "db/2"}, newCluster(3, "3/103"))
	c.Check(err, jc.ErrorIs, refresherrors.NotLeader)
}
