// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"

	"github.com/juju/errors"

	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/internal/refresh/prober"
)

// stateTopology reads the structural state of the deployment from what
// the platform recorded.
type stateTopology struct {
	st State
}

// Topology is part of the prober.Topology interface.
func (t stateTopology) Topology(ctx context.Context) (prober.TopologyStatus, error) {
	cs, err := t.st.ClusterState(ctx)
	if err != nil {
		return prober.TopologyStatus{}, errors.Trace(err)
	}
	planned := cs.PlannedUnits
	if planned == 0 {
		// The platform never recorded a plan for the unit count.
		planned = len(cs.Units)
	}
	return prober.TopologyStatus{
		PlannedUnits:  planned,
		ActualUnits:   len(cs.Units),
		ChangePending: cs.TopologyChangePending,
	}, nil
}

// stateWorkload reads the workload status units reported about
// themselves.
type stateWorkload struct {
	st State
}

// UnitWorkload is part of the prober.Workload interface.
func (w stateWorkload) UnitWorkload(ctx context.Context, ordinal int) (prober.WorkloadStatus, error) {
	cs, err := w.st.ClusterState(ctx)
	if err != nil {
		return prober.WorkloadStatus{}, errors.Trace(err)
	}
	unit, ok := cs.Unit(ordinal)
	if !ok {
		return prober.WorkloadStatus{}, errors.Annotatef(refresherrors.UnitNotFound, "unit %d", ordinal)
	}
	return prober.WorkloadStatus{
		Health:         unit.Health,
		Reason:         unit.HealthReason,
		ContainerImage: unit.ContainerImage,
	}, nil
}
