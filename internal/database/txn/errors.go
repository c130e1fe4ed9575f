// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn

import (
	"strings"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrRetryable returns true if the error is transient and the
// transaction can be retried.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	var errNo sqlite3.ErrNo
	if errors.As(err, &errNo) && (errNo == sqlite3.ErrBusy || errNo == sqlite3.ErrLocked) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return true
	}

	// Errors that are not typed by the driver.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "checkpoint in progress")
}
