// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/rollingrefresh/core/logger"
)

const (
	defaultRetryAttempts = 250
	defaultRetryDelay    = time.Millisecond
	defaultMaxRetryDelay = 100 * time.Millisecond
)

// RetryStrategy runs fn until it succeeds, fails with an error that is
// not retryable, or the strategy gives up.
type RetryStrategy func(context.Context, func() error) error

// DefaultRetryStrategy retries transient sqlite errors with a doubling
// delay.
func DefaultRetryStrategy(clock clock.Clock, logger logger.Logger) RetryStrategy {
	return func(ctx context.Context, fn func() error) error {
		err := retry.Call(retry.CallArgs{
			Func: fn,
			IsFatalError: func(err error) bool {
				return !IsErrRetryable(err)
			},
			NotifyFunc: func(lastError error, attempt int) {
				if logger.IsTraceEnabled() {
					logger.Tracef("retrying transaction, attempt %d: %v", attempt, lastError)
				}
			},
			Attempts:    defaultRetryAttempts,
			Delay:       defaultRetryDelay,
			MaxDelay:    defaultMaxRetryDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       clock,
			Stop:        ctx.Done(),
		})
		if retry.IsRetryStopped(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return retry.LastError(err)
		}
		return err
	}
}

// Option configures a RetryingTxnRunner.
type Option func(*option)

type option struct {
	logger        logger.Logger
	retryStrategy RetryStrategy
}

// WithLogger sets the logger of the runner.
func WithLogger(logger logger.Logger) Option {
	return func(o *option) {
		o.logger = logger
	}
}

// WithRetryStrategy sets the retry strategy of the runner.
func WithRetryStrategy(retryStrategy RetryStrategy) Option {
	return func(o *option) {
		o.retryStrategy = retryStrategy
	}
}

func newOptions() *option {
	l := logger.GetLogger("database.txn")
	return &option{
		logger:        l,
		retryStrategy: DefaultRetryStrategy(clock.WallClock, l),
	}
}

// RetryingTxnRunner runs transactions, retrying them on transient errors.
type RetryingTxnRunner struct {
	logger        logger.Logger
	retryStrategy RetryStrategy
}

// NewRetryingTxnRunner returns a new RetryingTxnRunner.
func NewRetryingTxnRunner(opts ...Option) *RetryingTxnRunner {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &RetryingTxnRunner{
		logger:        o.logger,
		retryStrategy: o.retryStrategy,
	}
}

// Txn executes the input function within a SQLair transaction. The
// transaction is rolled back if fn returns an error and committed
// otherwise. Transient errors retry the whole transaction.
func (t *RetryingTxnRunner) Txn(ctx context.Context, db *sqlair.DB, fn func(context.Context, *sqlair.TX) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	return t.Retry(ctx, func() error {
		tx, err := db.Begin(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				t.logger.Warningf("failed to roll back transaction: %v", rErr)
			}
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// StdTxn executes the input function within a standard library
// transaction.
func (t *RetryingTxnRunner) StdTxn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	return t.Retry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				t.logger.Warningf("failed to roll back transaction: %v", rErr)
			}
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// Retry runs fn with the retry strategy of the runner.
func (t *RetryingTxnRunner) Retry(ctx context.Context, fn func() error) error {
	return t.retryStrategy(ctx, fn)
}
