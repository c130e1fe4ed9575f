// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package domain

import (
	"context"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// SequenceDDL creates the table backing NextSequenceValue.
const SequenceDDL = `
CREATE TABLE IF NOT EXISTS sequence (
    namespace TEXT NOT NULL PRIMARY KEY,
    value     INT NOT NULL
);`

type sequence struct {
	Namespace string `db:"namespace"`
	Value     uint   `db:"value"`
}

// NextSequenceValue returns a monotonically incrementing value for the
// namespace, starting at 0. It must be called within a transaction.
func NextSequenceValue(ctx context.Context, preparer Preparer, tx *sqlair.TX, namespace string) (uint, error) {
	seq := sequence{Namespace: namespace}

	updateStmt, err := preparer.Prepare(`
INSERT INTO sequence (namespace, value) VALUES ($sequence.namespace, 0)
ON CONFLICT (namespace) DO UPDATE SET value = value + 1`, seq)
	if err != nil {
		return 0, errors.Trace(err)
	}
	nextStmt, err := preparer.Prepare(`
SELECT &sequence.*
FROM   sequence
WHERE  namespace = $sequence.namespace`, seq)
	if err != nil {
		return 0, errors.Trace(err)
	}

	if err := tx.Query(ctx, updateStmt, seq).Run(); err != nil {
		return 0, errors.Annotatef(err, "updating sequence %q", namespace)
	}
	if err := tx.Query(ctx, nextStmt, seq).Get(&seq); err != nil {
		return 0, errors.Annotatef(err, "reading sequence %q", namespace)
	}
	return seq.Value, nil
}
