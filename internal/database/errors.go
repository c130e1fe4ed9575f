// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrConstraintUnique returns true if the input error was returned by
// SQLite due to violation of a unique or primary key constraint.
func IsErrConstraintUnique(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsErrNotFound returns true if the input error was returned because a
// query returned no rows.
func IsErrNotFound(err error) bool {
	return errors.Is(err, sqlair.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
