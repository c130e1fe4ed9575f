// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
)

// State describes retrieval and persistence methods for the refresh of a
// deployment.
type State interface {
	// ClusterState returns a consistent snapshot of the deployment.
	ClusterState(ctx context.Context) (refresh.ClusterState, error)

	// WriteClusterState writes the controller owned parts of the cluster
	// state and appends the events. If the refresh phase token is no
	// longer expectedToken, an error satisfying
	// [refresherrors.OptimisticWriteConflict] is returned.
	WriteClusterState(ctx context.Context, expectedToken int64, cs refresh.ClusterState, events []refresh.Event) error

	// AppendEvents appends events to the event log.
	AppendEvents(ctx context.Context, events []refresh.Event) error

	// AddUnit adds a unit to the deployment. If the ordinal is in use an
	// error satisfying [refresherrors.UnitAlreadyExists] is returned.
	AddUnit(ctx context.Context, unit refresh.UnitState) error

	// RemoveUnit removes a unit from the deployment. If the unit does not
	// exist an error satisfying [refresherrors.UnitNotFound] is returned.
	RemoveUnit(ctx context.Context, ordinal int) error

	// SetUnitHealth records the workload health reported by a unit.
	SetUnitHealth(ctx context.Context, ordinal int, health refresh.Health, reason string) error

	// SetUnitRevision records the revision a unit runs.
	SetUnitRevision(ctx context.Context, ordinal int, revision, workloadVersion, containerImage string) error

	// SetTopology records the planned number of units and whether a
	// topology altering operation is in flight.
	SetTopology(ctx context.Context, plannedUnits int, changePending bool) error

	// Events returns the event log, optionally for a single plan.
	Events(ctx context.Context, planUUID string, limit int) ([]refresh.Event, error)

	// ClaimLeadership claims or extends the leadership lease for unit.
	ClaimLeadership(ctx context.Context, unit string, duration time.Duration) (bool, error)

	// Leader returns the unit holding the leadership lease.
	Leader(ctx context.Context) (string, error)
}

// Service provides the API for units taking part in a refresh. None of
// its methods require leadership.
type Service struct {
	st     State
	clock  clock.Clock
	logger logger.Logger
}

// NewService returns a new service reference wrapping the input state.
func NewService(st State, clock clock.Clock, logger logger.Logger) *Service {
	return &Service{
		st:     st,
		clock:  clock,
		logger: logger,
	}
}

// UnitArgs describes a unit joining the deployment.
type UnitArgs struct {
	Name            string
	Revision        string
	WorkloadVersion string
	ContainerImage  string
}

// JoinUnit adds a unit to the deployment. The ordinal is taken from the
// unit name. A joining unit's health is unknown until it reports.
func (s *Service) JoinUnit(ctx context.Context, args UnitArgs) error {
	ordinal, err := refresh.OrdinalFromUnitName(args.Name)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := refresh.ParseRevision(args.Revision); err != nil {
		return errors.Trace(err)
	}
	unit := refresh.UnitState{
		Ordinal:         ordinal,
		Name:            args.Name,
		Revision:        args.Revision,
		WorkloadVersion: args.WorkloadVersion,
		ContainerImage:  args.ContainerImage,
		Health:          refresh.HealthUnknown,
	}
	if err := s.st.AddUnit(ctx, unit); err != nil {
		return errors.Annotatef(err, "adding unit %q", args.Name)
	}
	return nil
}

// LeaveUnit removes a unit from the deployment.
func (s *Service) LeaveUnit(ctx context.Context, name string) error {
	ordinal, err := refresh.OrdinalFromUnitName(name)
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.st.RemoveUnit(ctx, ordinal); err != nil {
		return errors.Annotatef(err, "removing unit %q", name)
	}
	return nil
}

// ReportHealth records the workload health of a unit. A change of health
// is recorded in the event log.
func (s *Service) ReportHealth(ctx context.Context, name string, health refresh.Health, reason string) error {
	ordinal, err := refresh.OrdinalFromUnitName(name)
	if err != nil {
		return errors.Trace(err)
	}
	cs, err := s.st.ClusterState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	previous, _ := cs.Unit(ordinal)

	if err := s.st.SetUnitHealth(ctx, ordinal, health, reason); err != nil {
		return errors.Annotatef(err, "setting health of unit %q", name)
	}
	if previous.Health == health {
		return nil
	}

	message := fmt.Sprintf("unit %d is %s", ordinal, health)
	if reason != "" {
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	event := refresh.Event{
		Kind:      refresh.EventUnitHealthChanged,
		Phase:     cs.Phase(),
		Ordinal:   ordinal,
		Message:   message,
		Timestamp: s.clock.Now().UTC(),
	}
	if cs.Plan != nil {
		event.PlanUUID = cs.Plan.UUID
		event.Verdict = cs.Plan.Verdict
	}
	if err := s.st.AppendEvents(ctx, []refresh.Event{event}); err != nil {
		// The health itself is recorded; the audit record is best
		// effort.
		s.logger.Warningf("recording health change of unit %q: %v", name, err)
	}
	return nil
}

// ReportRevision records the revision a unit runs after the platform
// replaced it.
func (s *Service) ReportRevision(ctx context.Context, name, revision, workloadVersion, containerImage string) error {
	ordinal, err := refresh.OrdinalFromUnitName(name)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := refresh.ParseRevision(revision); err != nil {
		return errors.Trace(err)
	}
	if err := s.st.SetUnitRevision(ctx, ordinal, revision, workloadVersion, containerImage); err != nil {
		return errors.Annotatef(err, "setting revision of unit %q", name)
	}
	return nil
}

// SetTopology records the number of units the platform intends to run
// and whether a topology altering operation is in flight.
func (s *Service) SetTopology(ctx context.Context, plannedUnits int, changePending bool) error {
	if plannedUnits < 0 {
		return errors.NotValidf("planned units %d", plannedUnits)
	}
	return errors.Trace(s.st.SetTopology(ctx, plannedUnits, changePending))
}

// AllowedToRefresh reports whether the platform may replace the named
// unit now.
func (s *Service) AllowedToRefresh(ctx context.Context, name string) (bool, error) {
	cs, err := s.st.ClusterState(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	unit, ok := cs.UnitByName(name)
	if !ok {
		return false, errors.Annotatef(refresherrors.UnitNotFound, "unit %q", name)
	}
	return unit.AllowedToRefresh, nil
}

// ClusterState returns the current cluster state.
func (s *Service) ClusterState(ctx context.Context) (refresh.ClusterState, error) {
	cs, err := s.st.ClusterState(ctx)
	return cs, errors.Trace(err)
}

// Events returns the event log. An empty planUUID returns the events of
// every plan. A positive limit returns only the most recent events.
func (s *Service) Events(ctx context.Context, planUUID string, limit int) ([]refresh.Event, error) {
	events, err := s.st.Events(ctx, planUUID, limit)
	return events, errors.Trace(err)
}
