// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package domain

import (
	"context"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/juju/rollingrefresh/core/database"
)

// Preparer prepares SQLair statements.
type Preparer interface {
	Prepare(query string, typeSamples ...any) (*sqlair.Statement, error)
}

// StateBase defines a base struct for requesting a database and caching
// the statements prepared against it.
type StateBase struct {
	getDB coredatabase.TxnRunnerFactory

	stmtMutex  sync.RWMutex
	statements map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase.
func NewStateBase(getDB coredatabase.TxnRunnerFactory) *StateBase {
	return &StateBase{
		getDB:      getDB,
		statements: make(map[string]*sqlair.Statement),
	}
}

// DB returns the database for the given state.
func (st *StateBase) DB(ctx context.Context) (coredatabase.TxnRunner, error) {
	if st.getDB == nil {
		return nil, errors.New("nil getDB")
	}
	db, err := st.getDB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return db, nil
}

// Prepare prepares a SQLair query. If the query has been prepared
// previously it is retrieved from the statement cache.
//
// The type samples must be the same for every call of a given query.
func (st *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	st.stmtMutex.RLock()
	if stmt, ok := st.statements[query]; ok {
		st.stmtMutex.RUnlock()
		return stmt, nil
	}
	st.stmtMutex.RUnlock()

	st.stmtMutex.Lock()
	defer st.stmtMutex.Unlock()

	if stmt, ok := st.statements[query]; ok {
		return stmt, nil
	}
	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st.statements[query] = stmt
	return stmt, nil
}
