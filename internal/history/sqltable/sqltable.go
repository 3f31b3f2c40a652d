// Package sqltable stores history events in a workload_history table through
// database/sql. Drivers differ only in their Dialect.
package sqltable

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loykin/syncbench/internal/history"
)

// Dialect describes what varies between SQL engines.
type Dialect struct {
	Driver    string
	Timestamp string // column type and default for occurred_at
	Integer   string // column type for duration_ms
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

func Question(int) string { return "?" }

func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

var columns = []string{
	"occurred_at", "session", "event", "experiment", "workload",
	"identity", "run_id", "status", "exit_code", "duration_ms",
}

type Table struct {
	db     *sql.DB
	insert string
}

// Open connects with the dialect's driver and creates the table if needed.
// The configure hook runs before the schema is applied.
func Open(d Dialect, dsn string, configure func(*sql.DB)) (*Table, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if configure != nil {
		configure(db)
	}
	t := &Table{db: db, insert: insertStatement(d)}
	if err := t.migrate(context.Background(), d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s history schema: %w", d.Driver, err)
	}
	return t, nil
}

func insertStatement(d Dialect) string {
	marks := make([]string, len(columns))
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO workload_history(%s) VALUES(%s)",
		strings.Join(columns, ", "), strings.Join(marks, ", "))
}

func (t *Table) migrate(ctx context.Context, d Dialect) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workload_history(
			occurred_at ` + d.Timestamp + `,
			session TEXT NOT NULL,
			event TEXT NOT NULL,
			experiment INTEGER NOT NULL,
			workload INTEGER NOT NULL,
			identity TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			duration_ms ` + d.Integer + ` NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workload_history_key ON workload_history(experiment, workload)`,
	}
	for _, q := range stmts {
		if _, err := t.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) Send(ctx context.Context, e history.Event) error {
	_, err := t.db.ExecContext(ctx, t.insert,
		e.OccurredAt.UTC(), e.Session, string(e.Type), e.Experiment, e.Workload,
		e.Identity, e.RunID, e.Status, e.ExitCode, e.DurationMS)
	return err
}

// DB exposes the connection for queries over the stored history.
func (t *Table) DB() *sql.DB { return t.db }

func (t *Table) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}
