// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/juju/rollingrefresh/core/database"
	"github.com/juju/rollingrefresh/internal/database"
)

// SQLiteSuite provides a fresh sqlite database file for each test.
type SQLiteSuite struct {
	jujutesting.IsolationSuite

	db *database.DB
}

// SetUpTest opens a new database in a temporary directory.
func (s *SQLiteSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := database.Open(context.Background(), filepath.Join(c.MkDir(), "refresh.db"))
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.AddCleanup(func(c *gc.C) {
		c.Check(db.Close(), jc.ErrorIsNil)
	})
}

// DB returns the database of the current test.
func (s *SQLiteSuite) DB() *database.DB {
	return s.db
}

// TxnRunner returns the database as a TxnRunner.
func (s *SQLiteSuite) TxnRunner() coredatabase.TxnRunner {
	return s.db
}

// TxnRunnerFactory returns a factory for the database of the current
// test.
func (s *SQLiteSuite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return func(context.Context) (coredatabase.TxnRunner, error) {
		return s.db, nil
	}
}

// ApplyDDL runs the given statements in a single transaction.
func (s *SQLiteSuite) ApplyDDL(c *gc.C, stmts ...string) {
	err := s.db.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

// DumpTable dumps the contents of the given table to stdout.
// This is useful for debugging tests. It is not intended for use
// in production code.
func DumpTable(c *gc.C, runner coredatabase.TxnRunner, table string, extraTables ...string) {
	err := runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		for _, t := range append([]string{table}, extraTables...) {
			if err := dumpTable(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func dumpTable(ctx context.Context, tx *sql.Tx, table string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	buffer := new(bytes.Buffer)
	writer := tabwriter.NewWriter(buffer, 0, 8, 4, ' ', 0)
	for _, col := range cols {
		fmt.Fprintf(writer, "%s\t", col)
	}
	fmt.Fprintln(writer)

	vals := make([]any, len(cols))
	for i := range vals {
		vals[i] = new(any)
	}
	for rows.Next() {
		if err := rows.Scan(vals...); err != nil {
			return err
		}
		for _, val := range vals {
			fmt.Fprintf(writer, "%v\t", *val.(*any))
		}
		fmt.Fprintln(writer)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	writer.Flush()

	fmt.Fprintf(os.Stdout, "Table - %s:\n", table)

	var width int
	scanner := bufio.NewScanner(bytes.NewBuffer(buffer.Bytes()))
	for scanner.Scan() {
		if num := len(scanner.Text()); num > width {
			width = num
		}
	}
	if width < 4 {
		width = 4
	}

	fmt.Fprintln(os.Stdout, strings.Repeat("-", width-4))
	fmt.Fprintln(os.Stdout, buffer.String())
	fmt.Fprintln(os.Stdout, strings.Repeat("-", width-4))
	fmt.Fprintln(os.Stdout)
	return nil
}
