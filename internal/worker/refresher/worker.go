// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package refresher runs the refresh controller on a timer for a unit.
// Only the unit holding the refresh leadership moves the plan; every
// other unit keeps trying so that it takes over when the leader goes
// away.
package refresher

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/domain/refresh/service"
)

// RefreshService is the refresh domain logic driven by the worker.
type RefreshService interface {
	// Tick re-evaluates the current refresh plan as unit.
	Tick(ctx context.Context, unit string) (service.Outcome, error)

	// Status returns the refresh status of the deployment.
	Status(ctx context.Context) (service.Status, error)
}

// Config holds configuration required to run the refresher worker.
type Config struct {
	// RefreshService supplies the refresh domain logic to the worker.
	RefreshService RefreshService

	// Unit is the name of the unit the worker runs for.
	Unit string

	// Interval is the time between ticks.
	Interval time.Duration

	// Metrics records what the worker observed.
	Metrics *Collector

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate ensures that the configuration is
// correctly populated for worker operation.
func (config Config) Validate() error {
	if config.RefreshService == nil {
		return errors.NotValidf("nil RefreshService")
	}
	if config.Unit == "" {
		return errors.NotValidf("empty Unit")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

type refreshWorker struct {
	catacomb catacomb.Catacomb

	cfg Config
}

// NewWorker starts a new refresher worker based
// on the input configuration and returns it.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &refreshWorker{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *refreshWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	if err := w.tick(ctx); err != nil {
		return w.dyingOr(err)
	}

	timer := w.cfg.Clock.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.tick(ctx); err != nil {
				return w.dyingOr(err)
			}
			timer.Reset(w.cfg.Interval)
		}
	}
}

// dyingOr returns ErrDying if the worker is being killed.
func (w *refreshWorker) dyingOr(err error) error {
	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	default:
		return errors.Trace(err)
	}
}

func (w *refreshWorker) tick(ctx context.Context) error {
	logger := w.cfg.Logger

	outcome, err := w.cfg.RefreshService.Tick(ctx, w.cfg.Unit)
	w.cfg.Metrics.observeOutcome(outcome)

	var guardErr *refresherrors.GuardError
	switch {
	case errors.Is(err, refresherrors.NotLeader):
		logger.Tracef("unit %q is not the refresh leader", w.cfg.Unit)
	case errors.As(err, &guardErr):
		// The plan is halted until the operator acts; the status says
		// how.
		logger.Errorf("refresh halted: %v", err)
	case errors.Is(err, refresherrors.CoordinationFailed):
		logger.Warningf("refresh not advanced: %v", err)
	case err != nil:
		return errors.Annotate(err, "advancing refresh")
	case outcome.Changed && outcome.AllowRefresh != refresh.NoOrdinal:
		logger.Infof("unit %d may refresh now", outcome.AllowRefresh)
	case outcome.Changed:
		logger.Infof("refresh is %s", outcome.Phase)
	}

	status, err := w.cfg.RefreshService.Status(ctx)
	if err != nil {
		return errors.Annotate(err, "reading refresh status")
	}
	w.cfg.Metrics.observeStatus(status)
	return nil
}

// Kill (worker.Worker) tells the worker to stop and return from its loop.
func (w *refreshWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait (worker.Worker) waits for the worker to stop,
// and returns the error with which it exited.
func (w *refreshWorker) Wait() error {
	return w.catacomb.Wait()
}
