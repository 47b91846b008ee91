package dialect_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/ensembleai/ensemble/internal/db"
	"github.com/ensembleai/ensemble/internal/db/dialect"
)

func TestIsPostgres(t *testing.T) {
	if !dialect.IsPostgres(dialect.PGX) {
		t.Error("expected pgx to be postgres")
	}
	if dialect.IsPostgres(dialect.SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if dialect.BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if dialect.BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestJSONExtract(t *testing.T) {
	got := dialect.JSONExtract(dialect.SQLite3, "schedule", "type")
	if got != "json_extract(schedule, '$.type')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.JSONExtract(dialect.PGX, "schedule", "type")
	if got != "schedule::jsonb->>'type'" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestJSONExtractIsNotNull(t *testing.T) {
	got := dialect.JSONExtractIsNotNull(dialect.SQLite3, "schedule", "type")
	if got != "json_extract(schedule, '$.type') IS NOT NULL" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.JSONExtractIsNotNull(dialect.PGX, "schedule", "type")
	if got != "schedule::jsonb->>'type' IS NOT NULL" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestDurationMs(t *testing.T) {
	got := dialect.DurationMs(dialect.SQLite3, "completed_at", "started_at")
	if got != "(julianday(completed_at) - julianday(started_at)) * 86400000" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.DurationMs(dialect.PGX, "completed_at", "started_at")
	if got != "EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNow(t *testing.T) {
	if dialect.Now(dialect.SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", dialect.Now(dialect.SQLite3))
	}
	if dialect.Now(dialect.PGX) != "NOW()" {
		t.Errorf("pgx: got %q", dialect.Now(dialect.PGX))
	}
}

func TestLike(t *testing.T) {
	if dialect.Like(dialect.SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", dialect.Like(dialect.SQLite3))
	}
	if dialect.Like(dialect.PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", dialect.Like(dialect.PGX))
	}
}

func TestInsertReturningID_SQLite(t *testing.T) {
	tmpDir := t.TempDir()
	rawDB, err := db.OpenSQLite(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	_, err = sqlxDB.Exec(`CREATE TABLE log_lines (id INTEGER PRIMARY KEY AUTOINCREMENT, content TEXT)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	id, err := dialect.InsertReturningID(context.Background(), sqlxDB, `INSERT INTO log_lines (content) VALUES (?)`, "first")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Errorf("expected id 1, got %d", id)
	}

	id, err = dialect.InsertReturningID(context.Background(), sqlxDB, `INSERT INTO log_lines (content) VALUES (?)`, "second")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 2 {
		t.Errorf("expected id 2, got %d", id)
	}
}
