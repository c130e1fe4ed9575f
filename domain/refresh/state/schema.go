// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	coredatabase "github.com/juju/rollingrefresh/core/database"
	"github.com/juju/rollingrefresh/domain"
)

// refresh_cluster.refresh_phase is the optimistic concurrency token.
// Every controller write and every membership change increments it.
var schema = []string{
	domain.SequenceDDL,
	`
CREATE TABLE IF NOT EXISTS refresh_cluster (
    id                      INT NOT NULL PRIMARY KEY CHECK (id = 0),
    refresh_phase           INT NOT NULL DEFAULT 0,
    planned_units           INT NOT NULL DEFAULT 0,
    topology_change_pending BOOLEAN NOT NULL DEFAULT FALSE
);`,
	`INSERT OR IGNORE INTO refresh_cluster (id) VALUES (0);`,
	`
CREATE TABLE IF NOT EXISTS refresh_unit (
    ordinal                   INT NOT NULL PRIMARY KEY,
    name                      TEXT NOT NULL UNIQUE,
    revision                  TEXT NOT NULL,
    workload_version          TEXT NOT NULL DEFAULT '',
    container_image           TEXT NOT NULL DEFAULT '',
    health                    TEXT NOT NULL DEFAULT 'unknown',
    health_reason             TEXT NOT NULL DEFAULT '',
    refreshed                 BOOLEAN NOT NULL DEFAULT FALSE,
    previous_revision         TEXT NOT NULL DEFAULT '',
    previous_workload_version TEXT NOT NULL DEFAULT '',
    allowed_to_refresh        BOOLEAN NOT NULL DEFAULT FALSE
);`,
	`
CREATE TABLE IF NOT EXISTS refresh_plan (
    id                              INT NOT NULL PRIMARY KEY CHECK (id = 0),
    uuid                            TEXT NOT NULL,
    target_revision                 TEXT NOT NULL,
    target_workload_version         TEXT NOT NULL,
    target_container_image          TEXT NOT NULL,
    verdict                         TEXT NOT NULL,
    pause_policy                    TEXT NOT NULL,
    skip_compatibility              BOOLEAN NOT NULL,
    skip_preflight                  BOOLEAN NOT NULL,
    skip_container_check            BOOLEAN NOT NULL,
    check_health_of_refreshed_units BOOLEAN NOT NULL,
    rollback                        BOOLEAN NOT NULL,
    phase                           TEXT NOT NULL,
    ordinal                         INT NOT NULL,
    paused_once                     BOOLEAN NOT NULL,
    failure_kind                    TEXT NOT NULL,
    failure_ordinal                 INT NOT NULL,
    failure_reason                  TEXT NOT NULL,
    failure_timeout                 BOOLEAN NOT NULL,
    started_at                      DATETIME NOT NULL
);`,
	`
CREATE TABLE IF NOT EXISTS refresh_event (
    seq        INT NOT NULL PRIMARY KEY,
    plan_uuid  TEXT NOT NULL,
    kind       TEXT NOT NULL,
    phase      TEXT NOT NULL,
    ordinal    INT NOT NULL,
    verdict    TEXT NOT NULL,
    guard      TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_event_plan ON refresh_event (plan_uuid);`,
	`
CREATE TABLE IF NOT EXISTS refresh_leadership (
    id     INT NOT NULL PRIMARY KEY CHECK (id = 0),
    holder TEXT NOT NULL,
    expiry DATETIME NOT NULL
);`,
}

// EnsureSchema creates the refresh tables if they do not exist.
func EnsureSchema(ctx context.Context, runner coredatabase.TxnRunner) error {
	err := runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	return errors.Annotate(err, "applying refresh schema")
}
