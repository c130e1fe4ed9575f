// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package prober confirms that a unit, or the whole cluster, is fit to
// take part in a refresh.
//
// A probe runs three checks in order:
//   - no structural change is in progress: the number of units matches the
//     planned number and no topology altering operation is pending;
//   - the workload reports a healthy state;
//   - the workload container matches the expected image, unless the
//     check is disabled.
//
// The workload check is retried with bounded exponential backoff. A
// probe never blocks longer than its timeout.
package prober

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
)

// TopologyStatus describes structural changes to the cluster.
type TopologyStatus struct {
	PlannedUnits  int
	ActualUnits   int
	ChangePending bool
}

// Topology supplies the structural state of the cluster.
type Topology interface {
	Topology(ctx context.Context) (TopologyStatus, error)
}

// WorkloadStatus is what a unit reports about its workload.
type WorkloadStatus struct {
	Health         refresh.Health
	Reason         string
	ContainerImage string
}

// Workload supplies the workload status of individual units.
type Workload interface {
	UnitWorkload(ctx context.Context, ordinal int) (WorkloadStatus, error)
}

// Outcome is the result of a probe.
type Outcome string

const (
	Healthy   Outcome = "healthy"
	Unhealthy Outcome = "unhealthy"

	// Timeout counts as unhealthy but is reported on its own for
	// diagnostics.
	Timeout Outcome = "timeout"
)

// Check names the check that produced an unhealthy result.
type Check string

const (
	CheckNone      Check = ""
	CheckTopology  Check = "topology"
	CheckWorkload  Check = "workload"
	CheckContainer Check = "container"
)

// Result is the outcome of a probe.
type Result struct {
	Outcome Outcome
	Check   Check

	// Ordinal is the unit that failed the probe, NoOrdinal for cluster
	// wide failures or healthy results.
	Ordinal int
	Reason  string
}

// Healthy reports whether the probe passed.
func (r Result) Healthy() bool {
	return r.Outcome == Healthy
}

// Options bound a probe and select its checks.
type Options struct {
	// Timeout bounds the whole probe.
	Timeout time.Duration

	// MaxRetries bounds the number of workload status attempts.
	MaxRetries int

	// InitialDelay is the delay before the first retry. It doubles on
	// each attempt.
	InitialDelay time.Duration

	SkipTopology bool
	SkipWorkload bool

	// ExpectedImage is the container image units must run. The check is
	// skipped when it is empty or SkipContainer is set.
	ExpectedImage string
	SkipContainer bool
}

const (
	defaultTimeout      = 5 * time.Minute
	defaultMaxRetries   = 10
	defaultInitialDelay = time.Second
	maxDelay            = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	return o
}

// Prober runs health probes against the cluster.
type Prober struct {
	topology Topology
	workload Workload
	clock    clock.Clock
	logger   logger.Logger
}

// NewProber returns a Prober reading from the given sources.
func NewProber(topology Topology, workload Workload, clock clock.Clock, logger logger.Logger) *Prober {
	return &Prober{
		topology: topology,
		workload: workload,
		clock:    clock,
		logger:   logger,
	}
}

// ProbeUnit probes a single unit.
func (p *Prober) ProbeUnit(ctx context.Context, ordinal int, opts Options) Result {
	return p.probe(ctx, []int{ordinal}, opts)
}

// ProbeCluster probes every given unit. The first unhealthy unit, in the
// order given, decides the result.
func (p *Prober) ProbeCluster(ctx context.Context, ordinals []int, opts Options) Result {
	return p.probe(ctx, ordinals, opts)
}

func (p *Prober) probe(ctx context.Context, ordinals []int, opts Options) Result {
	opts = opts.withDefaults()

	if !opts.SkipTopology {
		if result, ok := p.checkTopology(ctx); !ok {
			return result
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, ordinal := range ordinals {
		if result := p.probeWorkload(ctx, ordinal, opts); !result.Healthy() {
			return result
		}
	}
	return Result{Outcome: Healthy, Ordinal: refresh.NoOrdinal}
}

func (p *Prober) checkTopology(ctx context.Context) (Result, bool) {
	topology, err := p.topology.Topology(ctx)
	if err != nil {
		return Result{
			Outcome: Unhealthy,
			Check:   CheckTopology,
			Ordinal: refresh.NoOrdinal,
			Reason:  fmt.Sprintf("reading topology: %v", err),
		}, false
	}

	// Structural changes are a guard, not a transient condition, so
	// they are never retried.
	if topology.PlannedUnits != topology.ActualUnits {
		return Result{
			Outcome: Unhealthy,
			Check:   CheckTopology,
			Ordinal: refresh.NoOrdinal,
			Reason: fmt.Sprintf("cluster is unstable; unit addition/removal ongoing (planned %d, actual %d)",
				topology.PlannedUnits, topology.ActualUnits),
		}, false
	}
	if topology.ChangePending {
		return Result{
			Outcome: Unhealthy,
			Check:   CheckTopology,
			Ordinal: refresh.NoOrdinal,
			Reason:  "cluster is unstable; topology change in progress",
		}, false
	}
	return Result{}, true
}

// containerError is fatal to the retry loop.
type containerError struct {
	reason string
}

func (e *containerError) Error() string {
	return e.reason
}

func (p *Prober) probeWorkload(ctx context.Context, ordinal int, opts Options) Result {
	checkContainer := !opts.SkipContainer && opts.ExpectedImage != ""
	if opts.SkipWorkload && !checkContainer {
		return Result{Outcome: Healthy, Ordinal: refresh.NoOrdinal}
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			status, err := p.workload.UnitWorkload(ctx, ordinal)
			if err != nil {
				return errors.Trace(err)
			}
			if !opts.SkipWorkload && status.Health != refresh.HealthHealthy {
				reason := status.Reason
				if reason == "" {
					reason = fmt.Sprintf("workload is %s", status.Health)
				}
				return errors.New(reason)
			}
			if checkContainer && status.ContainerImage != opts.ExpectedImage {
				return &containerError{
					reason: fmt.Sprintf("workload container %q does not match expected %q",
						status.ContainerImage, opts.ExpectedImage),
				}
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			var cerr *containerError
			return errors.As(err, &cerr)
		},
		NotifyFunc: func(err error, attempt int) {
			p.logger.Debugf("unit %d not healthy (attempt %d): %v", ordinal, attempt, err)
		},
		Attempts:    opts.MaxRetries,
		Delay:       opts.InitialDelay,
		MaxDelay:    maxDelay,
		MaxDuration: opts.Timeout,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return Result{Outcome: Healthy, Ordinal: refresh.NoOrdinal}
	}

	var cerr *containerError
	switch {
	case errors.As(err, &cerr):
		return Result{Outcome: Unhealthy, Check: CheckContainer, Ordinal: ordinal, Reason: cerr.reason}
	case retry.IsDurationExceeded(err):
		return Result{
			Outcome: Timeout,
			Check:   CheckWorkload,
			Ordinal: ordinal,
			Reason:  fmt.Sprintf("timed out after %s: %v", opts.Timeout, retry.LastError(err)),
		}
	case retry.IsRetryStopped(err):
		return Result{
			Outcome: Timeout,
			Check:   CheckWorkload,
			Ordinal: ordinal,
			Reason:  "probe cancelled",
		}
	default:
		return Result{
			Outcome: Unhealthy,
			Check:   CheckWorkload,
			Ordinal: ordinal,
			Reason:  retry.LastError(err).Error(),
		}
	}
}
