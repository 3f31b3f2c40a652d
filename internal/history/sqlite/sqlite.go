package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/syncbench/internal/history/sqltable"
)

var dialect = sqltable.Dialect{
	Driver:      "sqlite",
	Timestamp:   "TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)",
	Integer:     "INTEGER",
	Placeholder: sqltable.Question,
}

// Sink keeps history in a local SQLite file.
type Sink struct {
	*sqltable.Table
}

// New accepts "sqlite:///path/to/file.db", "sqlite://:memory:", a bare path
// or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	// a single connection keeps :memory: databases alive across statements
	t, err := sqltable.Open(dialect, dsn, func(db *sql.DB) { db.SetMaxOpenConns(1) })
	if err != nil {
		return nil, err
	}
	return &Sink{Table: t}, nil
}
