// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juju/rollingrefresh/internal/database/txn"
)

// DB is a sqlite database shared by every process driving a deployment.
// It implements core/database.TxnRunner.
type DB struct {
	sqlDB  *sql.DB
	db     *sqlair.DB
	runner *txn.RetryingTxnRunner
}

// Open opens, or creates, the sqlite database at path.
func Open(ctx context.Context, path string, opts ...txn.Option) (*DB, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")

	sqlDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, params.Encode()))
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", path)
	}
	// One connection per process. Sqlite serialises writers.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotatef(err, "opening database %q", path)
	}
	return &DB{
		sqlDB:  sqlDB,
		db:     sqlair.NewDB(sqlDB),
		runner: txn.NewRetryingTxnRunner(opts...),
	}, nil
}

// Txn implements core/database.TxnRunner.
func (d *DB) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return d.runner.Txn(ctx, d.db, fn)
}

// StdTxn implements core/database.TxnRunner.
func (d *DB) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return d.runner.StdTxn(ctx, d.sqlDB, fn)
}

// Close closes the database.
func (d *DB) Close() error {
	return errors.Trace(d.sqlDB.Close())
}
