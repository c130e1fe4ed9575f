// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"

	coredatabase "github.com/juju/rollingrefresh/core/database"
	"github.com/juju/rollingrefresh/core/logger"
	"github.com/juju/rollingrefresh/core/refresh"
	"github.com/juju/rollingrefresh/domain"
	refresherrors "github.com/juju/rollingrefresh/domain/refresh/errors"
	"github.com/juju/rollingrefresh/internal/database"
)

const eventSequence = "refresh_event"

// State describes retrieval and persistence methods for the refresh of
// a deployment.
type State struct {
	*domain.StateBase
	clock  clock.Clock
	logger logger.Logger
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, clock clock.Clock, logger logger.Logger) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
		clock:     clock,
		logger:    logger,
	}
}

// ClusterState returns a consistent snapshot of the deployment, its units
// and the current refresh plan.
func (s *State) ClusterState(ctx context.Context) (refresh.ClusterState, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return refresh.ClusterState{}, errors.Trace(err)
	}

	clusterStmt, err := s.Prepare(`SELECT &clusterRow.* FROM refresh_cluster WHERE id = 0`, clusterRow{})
	if err != nil {
		return refresh.ClusterState{}, errors.Annotate(err, "preparing select cluster statement")
	}
	unitsStmt, err := s.Prepare(`SELECT &unitRow.* FROM refresh_unit ORDER BY ordinal`, unitRow{})
	if err != nil {
		return refresh.ClusterState{}, errors.Annotate(err, "preparing select units statement")
	}
	planStmt, err := s.Prepare(`SELECT &planRow.* FROM refresh_plan WHERE id = 0`, planRow{})
	if err != nil {
		return refresh.ClusterState{}, errors.Annotate(err, "preparing select plan statement")
	}

	var cs refresh.ClusterState
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var cluster clusterRow
		if err := tx.Query(ctx, clusterStmt).Get(&cluster); err != nil {
			return errors.Annotate(err, "reading cluster")
		}

		var units []unitRow
		if err := tx.Query(ctx, unitsStmt).GetAll(&units); err != nil && !database.IsErrNotFound(err) {
			return errors.Annotate(err, "reading units")
		}

		var plan planRow
		err := tx.Query(ctx, planStmt).Get(&plan)
		if err != nil && !database.IsErrNotFound(err) {
			return errors.Annotate(err, "reading plan")
		}

		cs = refresh.ClusterState{
			Token:                 cluster.Token,
			PlannedUnits:          cluster.PlannedUnits,
			TopologyChangePending: cluster.TopologyChangePending,
		}
		for _, u := range units {
			cs.Units = append(cs.Units, u.toUnit())
		}
		if err == nil {
			cs.Plan = plan.toPlan()
		}
		return nil
	})
	return cs, errors.Trace(err)
}

// WriteClusterState writes the plan and the controller owned unit fields,
// and appends the events, if the refresh phase token still equals
// expectedToken. Otherwise OptimisticWriteConflict is returned and
// nothing is written.
//
// Units in cs that have left the deployment are ignored.
func (s *State) WriteClusterState(ctx context.Context, expectedToken int64, cs refresh.ClusterState, events []refresh.Event) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	tokenStmt, err := s.Prepare(`
UPDATE refresh_cluster
SET    refresh_phase = refresh_phase + 1
WHERE  id = 0
AND    refresh_phase = $clusterRow.refresh_phase`, clusterRow{})
	if err != nil {
		return errors.Annotate(err, "preparing update token statement")
	}
	unitStmt, err := s.Prepare(`
UPDATE refresh_unit
SET    refreshed = $unitRow.refreshed,
       previous_revision = $unitRow.previous_revision,
       previous_workload_version = $unitRow.previous_workload_version,
       allowed_to_refresh = $unitRow.allowed_to_refresh
WHERE  ordinal = $unitRow.ordinal`, unitRow{})
	if err != nil {
		return errors.Annotate(err, "preparing update unit statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, tokenStmt, clusterRow{Token: expectedToken}).Get(&outcome); err != nil {
			return errors.Annotate(err, "updating refresh phase token")
		}
		if affected, err := outcome.Result().RowsAffected(); err != nil {
			return errors.Trace(err)
		} else if affected == 0 {
			return errors.Annotatef(refresherrors.OptimisticWriteConflict, "refresh phase token %d", expectedToken)
		}

		if err := s.writePlan(ctx, tx, cs.Plan); err != nil {
			return errors.Trace(err)
		}
		for _, u := range cs.Units {
			if err := tx.Query(ctx, unitStmt, fromUnit(u)).Run(); err != nil {
				return errors.Annotatef(err, "updating unit %d", u.Ordinal)
			}
		}
		return errors.Trace(s.insertEvents(ctx, tx, events))
	})
	return errors.Trace(err)
}

func (s *State) writePlan(ctx context.Context, tx *sqlair.TX, plan *refresh.RefreshPlan) error {
	if plan == nil {
		deleteStmt, err := s.Prepare(`DELETE FROM refresh_plan`)
		if err != nil {
			return errors.Annotate(err, "preparing delete plan statement")
		}
		return errors.Annotate(tx.Query(ctx, deleteStmt).Run(), "deleting plan")
	}

	upsertStmt, err := s.Prepare(`
INSERT INTO refresh_plan (
    id, uuid, target_revision, target_workload_version, target_container_image,
    verdict, pause_policy, skip_compatibility, skip_preflight, skip_container_check,
    check_health_of_refreshed_units, rollback, phase, ordinal, paused_once,
    failure_kind, failure_ordinal, failure_reason, failure_timeout, started_at
) VALUES (
    0, $planRow.uuid, $planRow.target_revision, $planRow.target_workload_version, $planRow.target_container_image,
    $planRow.verdict, $planRow.pause_policy, $planRow.skip_compatibility, $planRow.skip_preflight, $planRow.skip_container_check,
    $planRow.check_health_of_refreshed_units, $planRow.rollback, $planRow.phase, $planRow.ordinal, $planRow.paused_once,
    $planRow.failure_kind, $planRow.failure_ordinal, $planRow.failure_reason, $planRow.failure_timeout, $planRow.started_at
)
ON CONFLICT (id) DO UPDATE SET
    uuid = excluded.uuid,
    target_revision = excluded.target_revision,
    target_workload_version = excluded.target_workload_version,
    target_container_image = excluded.target_container_image,
    verdict = excluded.verdict,
    pause_policy = excluded.pause_policy,
    skip_compatibility = excluded.skip_compatibility,
    skip_preflight = excluded.skip_preflight,
    skip_container_check = excluded.skip_container_check,
    check_health_of_refreshed_units = excluded.check_health_of_refreshed_units,
    rollback = excluded.rollback,
    phase = excluded.phase,
    ordinal = excluded.ordinal,
    paused_once = excluded.paused_once,
    failure_kind = excluded.failure_kind,
    failure_ordinal = excluded.failure_ordinal,
    failure_reason = excluded.failure_reason,
    failure_timeout = excluded.failure_timeout,
    started_at = excluded.started_at`, planRow{})
	if err != nil {
		return errors.Annotate(err, "preparing upsert plan statement")
	}
	return errors.Annotate(tx.Query(ctx, upsertStmt, fromPlan(plan)).Run(), "writing plan")
}

func (s *State) insertEvents(ctx context.Context, tx *sqlair.TX, events []refresh.Event) error {
	if len(events) == 0 {
		return nil
	}
	insertStmt, err := s.Prepare(`
INSERT INTO refresh_event (seq, plan_uuid, kind, phase, ordinal, verdict, guard, message, created_at)
VALUES ($eventRow.seq, $eventRow.plan_uuid, $eventRow.kind, $eventRow.phase, $eventRow.ordinal,
        $eventRow.verdict, $eventRow.guard, $eventRow.message, $eventRow.created_at)`, eventRow{})
	if err != nil {
		return errors.Annotate(err, "preparing insert event statement")
	}
	for _, e := range events {
		seq, err := domain.NextSequenceValue(ctx, s, tx, eventSequence)
		if err != nil {
			return errors.Trace(err)
		}
		row := fromEvent(e)
		row.Seq = int64(seq) + 1
		if err := tx.Query(ctx, insertStmt, row).Run(); err != nil {
			return errors.Annotatef(err, "inserting %s event", e.Kind)
		}
	}
	return nil
}

// AppendEvents appends events to the event log without touching the
// cluster state. Any unit may append.
func (s *State) AppendEvents(ctx context.Context, events []refresh.Event) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(s.insertEvents(ctx, tx, events))
	})
	return errors.Trace(err)
}

// bumpToken increments the refresh phase token, so that a controller
// write based on the previous membership fails.
func (s *State) bumpToken(ctx context.Context, tx *sqlair.TX) error {
	stmt, err := s.Prepare(`UPDATE refresh_cluster SET refresh_phase = refresh_phase + 1 WHERE id = 0`)
	if err != nil {
		return errors.Annotate(err, "preparing bump token statement")
	}
	return errors.Annotate(tx.Query(ctx, stmt).Run(), "updating refresh phase token")
}

// membershipEvent returns an event recorded against the current plan,
// if there is one.
func (s *State) membershipEvent(ctx context.Context, tx *sqlair.TX, kind refresh.EventKind, ordinal int, message string) (refresh.Event, error) {
	planStmt, err := s.Prepare(`SELECT &planRow.* FROM refresh_plan WHERE id = 0`, planRow{})
	if err != nil {
		return refresh.Event{}, errors.Annotate(err, "preparing select plan statement")
	}

	event := refresh.Event{
		Kind:      kind,
		Phase:     refresh.PhaseIdle,
		Ordinal:   ordinal,
		Message:   message,
		Timestamp: s.clock.Now().UTC(),
	}
	var plan planRow
	err = tx.Query(ctx, planStmt).Get(&plan)
	if database.IsErrNotFound(err) {
		return event, nil
	} else if err != nil {
		return refresh.Event{}, errors.Annotate(err, "reading plan")
	}
	event.PlanUUID = plan.UUID
	event.Phase = refresh.Phase(plan.Phase)
	event.Verdict = refresh.Verdict(plan.Verdict)
	return event, nil
}

// AddUnit adds a unit to the deployment.
func (s *State) AddUnit(ctx context.Context, unit refresh.UnitState) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	insertStmt, err := s.Prepare(`
INSERT INTO refresh_unit (
    ordinal, name, revision, workload_version, container_image, health, health_reason,
    refreshed, previous_revision, previous_workload_version, allowed_to_refresh
) VALUES (
    $unitRow.ordinal, $unitRow.name, $unitRow.revision, $unitRow.workload_version,
    $unitRow.container_image, $unitRow.health, $unitRow.health_reason, $unitRow.refreshed,
    $unitRow.previous_revision, $unitRow.previous_workload_version, $unitRow.allowed_to_refresh
)`, unitRow{})
	if err != nil {
		return errors.Annotate(err, "preparing insert unit statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, insertStmt, fromUnit(unit)).Run()
		if database.IsErrConstraintUnique(err) {
			return errors.Annotatef(refresherrors.UnitAlreadyExists, "unit %q (ordinal %d)", unit.Name, unit.Ordinal)
		} else if err != nil {
			return errors.Annotatef(err, "inserting unit %q", unit.Name)
		}
		if err := s.bumpToken(ctx, tx); err != nil {
			return errors.Trace(err)
		}
		event, err := s.membershipEvent(ctx, tx, refresh.EventUnitJoined, unit.Ordinal,
			fmt.Sprintf("unit %s joined at revision %s", unit.Name, unit.Revision))
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(s.insertEvents(ctx, tx, []refresh.Event{event}))
	})
	return errors.Trace(err)
}

// RemoveUnit removes a unit from the deployment.
func (s *State) RemoveUnit(ctx context.Context, ordinal int) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	deleteStmt, err := s.Prepare(`DELETE FROM refresh_unit WHERE ordinal = $unitRow.ordinal`, unitRow{})
	if err != nil {
		return errors.Annotate(err, "preparing delete unit statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, deleteStmt, unitRow{Ordinal: ordinal}).Get(&outcome); err != nil {
			return errors.Annotatef(err, "deleting unit %d", ordinal)
		}
		if affected, err := outcome.Result().RowsAffected(); err != nil {
			return errors.Trace(err)
		} else if affected == 0 {
			return errors.Annotatef(refresherrors.UnitNotFound, "ordinal %d", ordinal)
		}
		if err := s.bumpToken(ctx, tx); err != nil {
			return errors.Trace(err)
		}
		event, err := s.membershipEvent(ctx, tx, refresh.EventUnitLeft, ordinal, fmt.Sprintf("unit %d left", ordinal))
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(s.insertEvents(ctx, tx, []refresh.Event{event}))
	})
	return errors.Trace(err)
}

// SetUnitHealth records the workload health a unit reports.
func (s *State) SetUnitHealth(ctx context.Context, ordinal int, health refresh.Health, reason string) error {
	stmt, err := s.Prepare(`
UPDATE refresh_unit
SET    health = $unitRow.health,
       health_reason = $unitRow.health_reason
WHERE  ordinal = $unitRow.ordinal`, unitRow{})
	if err != nil {
		return errors.Annotate(err, "preparing update health statement")
	}
	return errors.Trace(s.updateUnit(ctx, stmt, unitRow{
		Ordinal:      ordinal,
		Health:       string(health),
		HealthReason: reason,
	}))
}

// SetUnitRevision records the revision, workload version and container
// image a unit runs. A unit running a different revision or workload
// version is a new workload, so its health goes back to unknown until it
// reports again.
func (s *State) SetUnitRevision(ctx context.Context, ordinal int, revision, workloadVersion, containerImage string) error {
	stmt, err := s.Prepare(`
UPDATE refresh_unit
SET    health = CASE
           WHEN revision != $unitRow.revision OR workload_version != $unitRow.workload_version
           THEN $unitRow.health ELSE health END,
       health_reason = CASE
           WHEN revision != $unitRow.revision OR workload_version != $unitRow.workload_version
           THEN '' ELSE health_reason END,
       revision = $unitRow.revision,
       workload_version = $unitRow.workload_version,
       container_image = $unitRow.container_image
WHERE  ordinal = $unitRow.ordinal`, unitRow{})
	if err != nil {
		return errors.Annotate(err, "preparing update revision statement")
	}
	return errors.Trace(s.updateUnit(ctx, stmt, unitRow{
		Ordinal:         ordinal,
		Revision:        revision,
		WorkloadVersion: workloadVersion,
		ContainerImage:  containerImage,
		Health:          string(refresh.HealthUnknown),
	}))
}

func (s *State) updateUnit(ctx context.Context, stmt *sqlair.Statement, row unitRow) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Annotatef(err, "updating unit %d", row.Ordinal)
		}
		if affected, err := outcome.Result().RowsAffected(); err != nil {
			return errors.Trace(err)
		} else if affected == 0 {
			return errors.Annotatef(refresherrors.UnitNotFound, "ordinal %d", row.Ordinal)
		}
		return nil
	})
	return errors.Trace(err)
}

// SetTopology records the number of units the platform intends to run
// and whether a topology altering operation is in flight.
func (s *State) SetTopology(ctx context.Context, plannedUnits int, changePending bool) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	stmt, err := s.Prepare(`
UPDATE refresh_cluster
SET    planned_units = $clusterRow.planned_units,
       topology_change_pending = $clusterRow.topology_change_pending
WHERE  id = 0`, clusterRow{})
	if err != nil {
		return errors.Annotate(err, "preparing update topology statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		row := clusterRow{
			PlannedUnits:          plannedUnits,
			TopologyChangePending: changePending,
		}
		if err := tx.Query(ctx, stmt, row).Run(); err != nil {
			return errors.Annotate(err, "updating topology")
		}
		return errors.Trace(s.bumpToken(ctx, tx))
	})
	return errors.Trace(err)
}

// Events returns the recorded events in order. If planUUID is not empty
// only the events of that plan are returned. A positive limit returns
// only the most recent events.
func (s *State) Events(ctx context.Context, planUUID string, limit int) ([]refresh.Event, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	stmt, err := s.Prepare(`
SELECT &eventRow.*
FROM   refresh_event
WHERE  $eventFilter.plan_uuid = '' OR plan_uuid = $eventFilter.plan_uuid
ORDER BY seq`, eventRow{}, eventFilter{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select events statement")
	}

	var rows []eventRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, eventFilter{PlanUUID: planUUID}).GetAll(&rows)
		if database.IsErrNotFound(err) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	events := make([]refresh.Event, len(rows))
	for i, row := range rows {
		events[i] = row.toEvent()
	}
	return events, nil
}

// ClaimLeadership makes unit the leader for the given duration if there
// is no leader, the lease expired, or unit already holds it. It reports
// whether unit is the leader.
func (s *State) ClaimLeadership(ctx context.Context, unit string, duration time.Duration) (bool, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}

	selectStmt, err := s.Prepare(`SELECT &leadershipRow.* FROM refresh_leadership WHERE id = 0`, leadershipRow{})
	if err != nil {
		return false, errors.Annotate(err, "preparing select leadership statement")
	}
	upsertStmt, err := s.Prepare(`
INSERT INTO refresh_leadership (id, holder, expiry)
VALUES (0, $leadershipRow.holder, $leadershipRow.expiry)
ON CONFLICT (id) DO UPDATE SET
    holder = excluded.holder,
    expiry = excluded.expiry`, leadershipRow{})
	if err != nil {
		return false, errors.Annotate(err, "preparing upsert leadership statement")
	}

	var leader bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		now := s.clock.Now().UTC()

		var current leadershipRow
		err := tx.Query(ctx, selectStmt).Get(&current)
		if err != nil && !database.IsErrNotFound(err) {
			return errors.Annotate(err, "reading leadership")
		}
		if err == nil && current.Holder != unit && current.Expiry.After(now) {
			leader = false
			return nil
		}

		row := leadershipRow{Holder: unit, Expiry: now.Add(duration)}
		if err := tx.Query(ctx, upsertStmt, row).Run(); err != nil {
			return errors.Annotate(err, "claiming leadership")
		}
		leader = true
		return nil
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if leader {
		s.logger.Debugf("unit %q holds refresh leadership", unit)
	}
	return leader, nil
}

// Leader returns the unit holding an unexpired leadership lease, or an
// empty string.
func (s *State) Leader(ctx context.Context) (string, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}

	stmt, err := s.Prepare(`SELECT &leadershipRow.* FROM refresh_leadership WHERE id = 0`, leadershipRow{})
	if err != nil {
		return "", errors.Annotate(err, "preparing select leadership statement")
	}

	var current leadershipRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).Get(&current)
		if database.IsErrNotFound(err) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	if current.Holder == "" || !current.Expiry.After(s.clock.Now()) {
		return "", nil
	}
	return current.Holder, nil
}
