// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controller

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/internal/refresh/compatibility"
	"github.com/juju/rollingrefresh/internal/refresh/prober"
)

// CompatibilityChecker decides whether a target may follow the current
// revision of a unit.
type CompatibilityChecker interface {
	Check(req compatibility.Request, skip bool) compatibility.Result
}

// HealthProber probes units before and after they refresh.
type HealthProber interface {
	ProbeUnit(ctx context.Context, ordinal int, opts prober.Options) prober.Result
	ProbeCluster(ctx context.Context, ordinals []int, opts prober.Options) prober.Result
}

// Config holds the dependencies of a Controller.
type Config struct {
	Checker CompatibilityChecker
	Prober  HealthProber

	// ProbeOptions bound every probe the controller runs.
	ProbeOptions prober.Options

	Clock  clock.Clock
	Logger logger.Logger

	// NewUUID returns plan UUIDs. It defaults to random UUIDs.
	NewUUID func() string
}

// Validate ensures that the configuration is correctly populated.
func (config Config) Validate() error {
	if config.Checker == nil {
		return errors.NotValidf("nil Checker")
	}
	if config.Prober == nil {
		return errors.NotValidf("nil Prober")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Controller drives refresh plans.
type Controller struct {
	config Config
}

// New returns a Controller for the given configuration.
func New(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.NewUUID == nil {
		config.NewUUID = uuid.NewString
	}
	return &Controller{config: config}, nil
}

// Advance applies the input to the cluster state and runs the plan until
// it has to wait: for a unit to refresh, for the operator, or because it
// reached a terminal phase.
//
// The input state is never modified. On error the caller must not write
// anything.
func (c *Controller) Advance(
	ctx context.Context, role Role, cs refresh.ClusterState, in Input,
) (refresh.ClusterState, Output, error) {
	if !role.Leader {
		return cs, Output{AllowRefresh: refresh.NoOrdinal}, errors.Annotatef(refresherrors.NotLeader, "unit %q", role.Unit)
	}

	next := cs.Clone()
	t := &transition{
		ctx:    ctx,
		config: c.config,
		cs:     &next,
		now:    c.config.Clock.Now().UTC(),
		out:    Output{AllowRefresh: refresh.NoOrdinal},
	}

	var err error
	switch in := in.(type) {
	case StartPlan:
		err = t.startPlan(in)
	case Resume:
		err = t.resume(in)
	case Tick:
	default:
		err = errors.NotSupportedf("controller input %T", in)
	}
	if err == nil {
		err = t.run()
	}
	if err != nil {
		return cs, Output{AllowRefresh: refresh.NoOrdinal}, errors.Trace(err)
	}
	return next, t.out, nil
}

// PreRefreshCheck runs the preflight probe without creating a plan.
func (c *Controller) PreRefreshCheck(ctx context.Context, role Role, cs refresh.ClusterState) (prober.Result, error) {
	if !role.Leader {
		return prober.Result{}, errors.Annotatef(refresherrors.NotLeader, "unit %q", role.Unit)
	}
	if cs.HasActivePlan() {
		return prober.Result{}, errors.Annotatef(refresherrors.ConcurrentPlan, "refresh is %s", cs.Phase())
	}
	if len(cs.Units) == 1 {
		c.config.Logger.Warningf("refreshing a single unit deployment is not recommended")
	}
	return c.config.Prober.ProbeCluster(ctx, cs.Ordinals(), c.config.ProbeOptions), nil
}
