// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/rollingrefresh/core/refresh"
)

type clusterRow struct {
	Token                 int64 `db:"refresh_phase"`
	PlannedUnits          int   `db:"planned_units"`
	TopologyChangePending bool  `db:"topology_change_pending"`
}

type unitRow struct {
	Ordinal                 int    `db:"ordinal"`
	Name                    string `db:"name"`
	Revision                string `db:"revision"`
	WorkloadVersion         string `db:"workload_version"`
	ContainerImage          string `db:"container_image"`
	Health                  string `db:"health"`
	HealthReason            string `db:"health_reason"`
	Refreshed               bool   `db:"refreshed"`
	PreviousRevision        string `db:"previous_revision"`
	PreviousWorkloadVersion string `db:"previous_workload_version"`
	AllowedToRefresh        bool   `db:"allowed_to_refresh"`
}

type planRow struct {
	UUID                        string    `db:"uuid"`
	TargetRevision              string    `db:"target_revision"`
	TargetWorkloadVersion       string    `db:"target_workload_version"`
	TargetContainerImage        string    `db:"target_container_image"`
	Verdict                     string    `db:"verdict"`
	PausePolicy                 string    `db:"pause_policy"`
	SkipCompatibility           bool      `db:"skip_compatibility"`
	SkipPreflight               bool      `db:"skip_preflight"`
	SkipContainerCheck          bool      `db:"skip_container_check"`
	CheckHealthOfRefreshedUnits bool      `db:"check_health_of_refreshed_units"`
	Rollback                    bool      `db:"rollback"`
	Phase                       string    `db:"phase"`
	Ordinal                     int       `db:"ordinal"`
	PausedOnce                  bool      `db:"paused_once"`
	FailureKind                 string    `db:"failure_kind"`
	FailureOrdinal              int       `db:"failure_ordinal"`
	FailureReason               string    `db:"failure_reason"`
	FailureTimeout              bool      `db:"failure_timeout"`
	StartedAt                   time.Time `db:"started_at"`
}

type eventRow struct {
	Seq       int64     `db:"seq"`
	PlanUUID  string    `db:"plan_uuid"`
	Kind      string    `db:"kind"`
	Phase     string    `db:"phase"`
	Ordinal   int       `db:"ordinal"`
	Verdict   string    `db:"verdict"`
	Guard     string    `db:"guard"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

type eventFilter struct {
	PlanUUID string `db:"plan_uuid"`
}

type leadershipRow struct {
	Holder string    `db:"holder"`
	Expiry time.Time `db:"expiry"`
}

func (r unitRow) toUnit() refresh.UnitState {
	health := refresh.Health(r.Health)
	if health == "" {
		health = refresh.HealthUnknown
	}
	return refresh.UnitState{
		Ordinal:                 r.Ordinal,
		Name:                    r.Name,
		Revision:                r.Revision,
		WorkloadVersion:         r.WorkloadVersion,
		ContainerImage:          r.ContainerImage,
		Health:                  health,
		HealthReason:            r.HealthReason,
		Refreshed:               r.Refreshed,
		PreviousRevision:        r.PreviousRevision,
		PreviousWorkloadVersion: r.PreviousWorkloadVersion,
		AllowedToRefresh:        r.AllowedToRefresh,
	}
}

func fromUnit(u refresh.UnitState) unitRow {
	health := u.Health
	if health == "" {
		health = refresh.HealthUnknown
	}
	return unitRow{
		Ordinal:                 u.Ordinal,
		Name:                    u.Name,
		Revision:                u.Revision,
		WorkloadVersion:         u.WorkloadVersion,
		ContainerImage:          u.ContainerImage,
		Health:                  string(health),
		HealthReason:            u.HealthReason,
		Refreshed:               u.Refreshed,
		PreviousRevision:        u.PreviousRevision,
		PreviousWorkloadVersion: u.PreviousWorkloadVersion,
		AllowedToRefresh:        u.AllowedToRefresh,
	}
}

func (r planRow) toPlan() *refresh.RefreshPlan {
	plan := &refresh.RefreshPlan{
		UUID:                  r.UUID,
		TargetRevision:        r.TargetRevision,
		TargetWorkloadVersion: r.TargetWorkloadVersion,
		TargetContainerImage:  r.TargetContainerImage,
		Verdict:               refresh.Verdict(r.Verdict),
		PausePolicy:           refresh.PausePolicy(r.PausePolicy),
		Overrides: refresh.GuardOverrides{
			SkipCompatibility:  r.SkipCompatibility,
			SkipPreflight:      r.SkipPreflight,
			SkipContainerCheck: r.SkipContainerCheck,
		},
		CheckHealthOfRefreshedUnits: r.CheckHealthOfRefreshedUnits,
		Rollback:                    r.Rollback,
		Phase:                       refresh.Phase(r.Phase),
		Ordinal:                     r.Ordinal,
		PausedOnce:                  r.PausedOnce,
		StartedAt:                   r.StartedAt.UTC(),
	}
	if r.FailureKind != "" {
		plan.Failure = &refresh.Failure{
			Kind:    refresh.FailureKind(r.FailureKind),
			Ordinal: r.FailureOrdinal,
			Reason:  r.FailureReason,
			Timeout: r.FailureTimeout,
		}
	}
	return plan
}

func fromPlan(p *refresh.RefreshPlan) planRow {
	row := planRow{
		UUID:                        p.UUID,
		TargetRevision:              p.TargetRevision,
		TargetWorkloadVersion:       p.TargetWorkloadVersion,
		TargetContainerImage:        p.TargetContainerImage,
		Verdict:                     string(p.Verdict),
		PausePolicy:                 string(p.PausePolicy),
		SkipCompatibility:           p.Overrides.SkipCompatibility,
		SkipPreflight:               p.Overrides.SkipPreflight,
		SkipContainerCheck:          p.Overrides.SkipContainerCheck,
		CheckHealthOfRefreshedUnits: p.CheckHealthOfRefreshedUnits,
		Rollback:                    p.Rollback,
		Phase:                       string(p.Phase),
		Ordinal:                     p.Ordinal,
		PausedOnce:                  p.PausedOnce,
		FailureOrdinal:              refresh.NoOrdinal,
		StartedAt:                   p.StartedAt.UTC(),
	}
	if f := p.Failure; f != nil {
		row.FailureKind = string(f.Kind)
		row.FailureOrdinal = f.Ordinal
		row.FailureReason = f.Reason
		row.FailureTimeout = f.Timeout
	}
	return row
}

func (r eventRow) toEvent() refresh.Event {
	return refresh.Event{
		Seq:       r.Seq,
		PlanUUID:  r.PlanUUID,
		Kind:      refresh.EventKind(r.Kind),
		Phase:     refresh.Phase(r.Phase),
		Ordinal:   r.Ordinal,
		Verdict:   refresh.Verdict(r.Verdict),
		Guard:     refresh.Guard(r.Guard),
		Message:   r.Message,
		Timestamp: r.CreatedAt.UTC(),
	}
}

func fromEvent(e refresh.Event) eventRow {
	return eventRow{
		Seq:       e.Seq,
		PlanUUID:  e.PlanUUID,
		Kind:      string(e.Kind),
		Phase:     string(e.Phase),
		Ordinal:   e.Ordinal,
		Verdict:   string(e.Verdict),
		Guard:     string(e.Guard),
		Message:   e.Message,
		CreatedAt: e.Timestamp.UTC(),
	}
}
