package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ensembleai/ensemble/internal/db"
	"github.com/ensembleai/ensemble/internal/db/dialect"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// InstanceLogRepository is the append-only record of observed instance events.
type InstanceLogRepository interface {
	Append(ctx context.Context, log *v1.InstanceLog) error
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]*v1.InstanceLog, error)
	SumDeltas(ctx context.Context, instanceID string) (tokens int64, costUSD float64, err error)
}

// InstanceLogStore appends one row per parsed CLI event. The metrics
// round-trip law holds against this table: an instance's aggregated
// tokens and cost equal the sums of the deltas recorded here.
type InstanceLogStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ InstanceLogRepository = (*InstanceLogStore)(nil)

// NewInstanceLogStore creates an InstanceLogStore over the pool.
func NewInstanceLogStore(pool *db.Pool) *InstanceLogStore {
	return &InstanceLogStore{db: pool.Writer(), ro: pool.Reader()}
}

func (s *InstanceLogStore) initSchema() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.db.DriverName()) {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instance_logs (
			id             ` + idCol + `,
			instance_id    TEXT NOT NULL,
			timestamp      TIMESTAMP NOT NULL,
			kind           TEXT NOT NULL,
			payload        TEXT NOT NULL DEFAULT '',
			tool_name      TEXT NOT NULL DEFAULT '',
			tokens_delta   INTEGER NOT NULL DEFAULT 0,
			cost_delta_usd REAL NOT NULL DEFAULT 0
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_logs_instance_ts ON instance_logs(instance_id, timestamp ASC)`)
	return err
}

// Append records one observed event.
func (s *InstanceLogStore) Append(ctx context.Context, log *v1.InstanceLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO instance_logs (instance_id, timestamp, kind, payload, tool_name, tokens_delta, cost_delta_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, log.InstanceID, log.Timestamp, string(log.Kind), log.Payload, log.ToolName,
		log.TokensDelta, log.CostDeltaUSD)
	if err != nil {
		return err
	}
	log.ID = id
	return nil
}

// ListByInstance returns an instance's events in arrival order.
func (s *InstanceLogStore) ListByInstance(ctx context.Context, instanceID string, limit int) ([]*v1.InstanceLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, instance_id, timestamp, kind, payload, tool_name, tokens_delta, cost_delta_usd
		FROM instance_logs WHERE instance_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?
	`), instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*v1.InstanceLog
	for rows.Next() {
		log := &v1.InstanceLog{}
		var kind string
		if err := rows.Scan(&log.ID, &log.InstanceID, &log.Timestamp, &kind, &log.Payload,
			&log.ToolName, &log.TokensDelta, &log.CostDeltaUSD); err != nil {
			return nil, err
		}
		log.Kind = v1.InstanceLogKind(kind)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// SumDeltas aggregates the recorded token and cost deltas for an instance.
func (s *InstanceLogStore) SumDeltas(ctx context.Context, instanceID string) (int64, float64, error) {
	var tokens int64
	var cost float64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COALESCE(SUM(tokens_delta), 0), COALESCE(SUM(cost_delta_usd), 0)
		FROM instance_logs WHERE instance_id = ?
	`), instanceID).Scan(&tokens, &cost)
	return tokens, cost, err
}
