// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prober

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/rollingrefresh/core/refresh"
)

type proberSuite struct {
	topology *MockTopology
	workload *MockWorkload
}

var _ = gc.Suite(&proberSuite{})

var fastOptions = Options{
	Timeout:      time.Minute,
	MaxRetries:   3,
	InitialDelay: time.Millisecond,
}

func (s *proberSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.topology = NewMockTopology(ctrl)
	s.workload = NewMockWorkload(ctrl)
	return ctrl
}

func (s *proberSuite) newProber() *Prober {
	return NewProber(s.topology, s.workload, clock.WallClock, loggo.GetLogger("test"))
}

func (s *proberSuite) stableTopology(units int) {
	s.topology.EXPECT().Topology(gomock.Any()).Return(TopologyStatus{
		PlannedUnits: units,
		ActualUnits:  units,
	}, nil)
}

func (s *proberSuite) TestProbeClusterHealthy(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(3)
	for _, ordinal := range []int{2, 1, 0} {
		s.workload.EXPECT().UnitWorkload(gomock.Any(), ordinal).Return(WorkloadStatus{Health: refresh.HealthHealthy}, nil)
	}

	result := s.newProber().ProbeCluster(context.Background(), []int{2, 1, 0}, fastOptions)
	c.Check(result.Healthy(), jc.IsTrue)
	c.Check(result.Ordinal, gc.Equals, refresh.NoOrdinal)
}

func (s *proberSuite) TestUnitAdditionInProgress(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.topology.EXPECT().Topology(gomock.Any()).Return(TopologyStatus{PlannedUnits: 4, ActualUnits: 3}, nil)

	result := s.newProber().ProbeCluster(context.Background(), []int{2, 1, 0}, fastOptions)
	c.Check(result.Outcome, gc.Equals, Unhealthy)
	c.Check(result.Check, gc.Equals, CheckTopology)
	c.Check(result.Reason, gc.Equals, "cluster is unstable; unit addition/removal ongoing (planned 4, actual 3)")
}

func (s *proberSuite) TestTopologyChangePending(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.topology.EXPECT().Topology(gomock.Any()).Return(TopologyStatus{PlannedUnits: 3, ActualUnits: 3, ChangePending: true}, nil)

	result := s.newProber().ProbeUnit(context.Background(), 1, fastOptions)
	c.Check(result.Outcome, gc.Equals, Unhealthy)
	c.Check(result.Check, gc.Equals, CheckTopology)
}

func (s *proberSuite) TestSkipTopology(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.workload.EXPECT().UnitWorkload(gomock.Any(), 1).Return(WorkloadStatus{Health: refresh.HealthHealthy}, nil)

	opts := fastOptions
	opts.SkipTopology = true
	result := s.newProber().ProbeUnit(context.Background(), 1, opts)
	c.Check(result.Healthy(), jc.IsTrue)
}

func (s *proberSuite) TestRetriesUntilHealthy(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(1)
	gomock.InOrder(
		s.workload.EXPECT().UnitWorkload(gomock.Any(), 0).Return(WorkloadStatus{Health: refresh.HealthUnknown}, nil),
		s.workload.EXPECT().UnitWorkload(gomock.Any(), 0).Return(WorkloadStatus{}, errors.New("boom")),
		s.workload.EXPECT().UnitWorkload(gomock.Any(), 0).Return(WorkloadStatus{Health: refresh.HealthHealthy}, nil),
	)

	result := s.newProber().ProbeUnit(context.Background(), 0, fastOptions)
	c.Check(result.Healthy(), jc.IsTrue)
}

func (s *proberSuite) TestAttemptsExhausted(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(2)
	s.workload.EXPECT().UnitWorkload(gomock.Any(), 1).Return(WorkloadStatus{
		Health: refresh.HealthUnhealthy,
		Reason: "server not responding",
	}, nil).Times(3)

	result := s.newProber().ProbeUnit(context.Background(), 1, fastOptions)
	c.Check(result.Outcome, gc.Equals, Unhealthy)
	c.Check(result.Check, gc.Equals, CheckWorkload)
	c.Check(result.Ordinal, gc.Equals, 1)
	c.Check(result.Reason, gc.Equals, "server not responding")
}

func (s *proberSuite) TestTimeoutReportedDistinctly(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(2)
	s.workload.EXPECT().UnitWorkload(gomock.Any(), 1).Return(WorkloadStatus{Health: refresh.HealthUnknown}, nil)

	// The first backoff already exceeds the timeout.
	opts := Options{Timeout: 5 * time.Millisecond, MaxRetries: 10, InitialDelay: time.Second}
	result := s.newProber().ProbeUnit(context.Background(), 1, opts)
	c.Check(result.Outcome, gc.Equals, Timeout)
	c.Check(result.Healthy(), jc.IsFalse)
	c.Check(result.Ordinal, gc.Equals, 1)
	c.Check(result.Reason, gc.Matches, `timed out after 5ms: workload is unknown`)
}

func (s *proberSuite) TestCancelledContext(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(1)
	s.workload.EXPECT().UnitWorkload(gomock.Any(), 0).Return(WorkloadStatus{Health: refresh.HealthUnhealthy}, nil).MaxTimes(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := Options{Timeout: time.Minute, MaxRetries: 10, InitialDelay: time.Second}
	result := s.newProber().ProbeUnit(ctx, 0, opts)
	c.Check(result.Outcome, gc.Equals, Timeout)
	c.Check(result.Reason, gc.Equals, "probe cancelled")
}

func (s *proberSuite) TestContainerMismatchIsNotRetried(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(1)
	s.workload.EXPECT().UnitWorkload(gomock.Any(), 0).Return(WorkloadStatus{
		Health:         refresh.HealthHealthy,
		ContainerImage: "kyuubi@sha256:custom",
	}, nil).Times(1)

	opts := fastOptions
	opts.ExpectedImage = "kyuubi@sha256:pinned"
	result := s.newProber().ProbeUnit(context.Background(), 0, opts)
	c.Check(result.Outcome, gc.Equals, Unhealthy)
	c.Check(result.Check, gc.Equals, CheckContainer)
	c.Check(result.Reason, gc.Equals, `workload container "kyuubi@sha256:custom" does not match expected "kyuubi@sha256:pinned"`)
}

func (s *proberSuite) TestContainerCheckSkipped(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.stableTopology(1)
	s.workload.EXPECT().UnitWorkload(gomock.Any(), 0).Return(WorkloadStatus{
		Health:         refresh.HealthHealthy,
		ContainerImage: "kyuubi@sha256:custom",
	}, nil)

	opts := fastOptions
	opts.ExpectedImage = "kyuubi@sha256:pinned"
	opts.SkipContainer = true
	result := s.newProber().ProbeUnit(context.Background(), 0, opts)
	c.Check(result.Healthy(), jc.IsTrue)
}

func (s *proberSuite) TestSkipWorkloadWithoutContainerCheckMakesNoCalls(c *gc.C) {
	defer s.setupMocks(c).Finish()

	opts := fastOptions
	opts.SkipTopology = true
	opts.SkipWorkload = true
	result := s.newProber().ProbeCluster(context.Background(), []int{1, 0}, opts)
	c.Check(result.Healthy(), jc.IsTrue)
}
