// Package db opens the persistence backend for the control plane.
//
// Two drivers are supported: sqlite3 (file-backed, the default) and pgx
// (PostgreSQL). SQLite gets a split pool — one writer connection plus a
// read-only pool — so design executions logging concurrently never trip
// SQLITE_BUSY. Postgres uses a single pool for both roles.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ensembleai/ensemble/internal/db/dialect"
)

// Options selects and configures the database backend.
type Options struct {
	Driver   string // dialect.SQLite3 or dialect.PGX
	Path     string // sqlite file path
	DSN      string // postgres connection string
	MaxConns int
	MinConns int
}

// Open connects to the configured backend and returns a Pool ready for
// the store layer. The caller owns the Pool and must Close it.
func Open(opts Options) (*Pool, error) {
	switch opts.Driver {
	case dialect.SQLite3, "":
		writerDB, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		readerDB, err := OpenSQLiteReader(opts.Path)
		if err != nil {
			_ = writerDB.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		return NewPool(
			sqlx.NewDb(writerDB, dialect.SQLite3),
			sqlx.NewDb(readerDB, dialect.SQLite3),
		), nil

	case dialect.PGX:
		pgDB, err := OpenPostgres(opts.DSN, opts.MaxConns, opts.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		wrapped := sqlx.NewDb(pgDB, dialect.PGX)
		return NewPool(wrapped, wrapped), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
