package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/db"
	"github.com/ensembleai/ensemble/internal/db/dialect"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// ExecutionLogRepository records deployment runs.
type ExecutionLogRepository interface {
	Create(ctx context.Context, log *v1.ExecutionLog) error
	Complete(ctx context.Context, id string, status v1.ExecutionLogStatus, result, errMsg string) error
	Get(ctx context.Context, id string) (*v1.ExecutionLog, error)
	ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]*v1.ExecutionLog, error)
	Stats(ctx context.Context, deploymentID string) (*v1.DeploymentStats, error)
}

// ExecutionLogStore persists one row per deployment run.
type ExecutionLogStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ ExecutionLogRepository = (*ExecutionLogStore)(nil)

// NewExecutionLogStore creates an ExecutionLogStore over the pool.
func NewExecutionLogStore(pool *db.Pool) *ExecutionLogStore {
	return &ExecutionLogStore{db: pool.Writer(), ro: pool.Reader()}
}

func (s *ExecutionLogStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_logs (
			id            TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			execution_id  TEXT NOT NULL,
			trigger_kind  TEXT NOT NULL,
			status        TEXT NOT NULL,
			input         TEXT NOT NULL DEFAULT '',
			result        TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			started_at    TIMESTAMP NOT NULL,
			completed_at  TIMESTAMP,
			duration_ms   INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_execution_logs_deployment_started ON execution_logs(deployment_id, started_at DESC)`)
	return err
}

// Create records the start of a run with status running.
func (s *ExecutionLogStore) Create(ctx context.Context, log *v1.ExecutionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	if log.Status == "" {
		log.Status = v1.ExecutionLogRunning
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO execution_logs (id, deployment_id, execution_id, trigger_kind, status, input, result, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), log.ID, log.DeploymentID, log.ExecutionID, string(log.Trigger), string(log.Status),
		log.Input, log.Result, log.Error, log.StartedAt)
	return err
}

// Complete finalizes a run: terminal status, result or error, and the
// measured duration.
func (s *ExecutionLogStore) Complete(ctx context.Context, id string, status v1.ExecutionLogStatus, result, errMsg string) error {
	now := time.Now().UTC()
	durationExpr := dialect.DurationMs(s.db.DriverName(), "?", "started_at")
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_logs
		SET status = ?, result = ?, error = ?, completed_at = ?,
		    duration_ms = CAST(`+durationExpr+` AS INTEGER)
		WHERE id = ?
	`), string(status), result, errMsg, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("execution log", id)
	}
	return nil
}

// Get retrieves one recorded run.
func (s *ExecutionLogStore) Get(ctx context.Context, id string) (*v1.ExecutionLog, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectExecutionLog+` WHERE id = ?`), id)
	log, err := scanExecutionLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("execution log", id)
	}
	return log, err
}

// ListByDeployment returns a deployment's runs, newest first.
func (s *ExecutionLogStore) ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]*v1.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		selectExecutionLog+` WHERE deployment_id = ? ORDER BY started_at DESC LIMIT ?`),
		deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*v1.ExecutionLog
	for rows.Next() {
		log, scanErr := scanExecutionLog(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Stats aggregates recorded runs for one deployment.
func (s *ExecutionLogStore) Stats(ctx context.Context, deploymentID string) (*v1.DeploymentStats, error) {
	stats := &v1.DeploymentStats{DeploymentID: deploymentID}
	var avg sql.NullFloat64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       AVG(CASE WHEN completed_at IS NOT NULL THEN duration_ms END)
		FROM execution_logs WHERE deployment_id = ?
	`), deploymentID).Scan(&stats.TotalRuns, &stats.FailedRuns, &avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

const selectExecutionLog = `
	SELECT id, deployment_id, execution_id, trigger_kind, status, input, result, error, started_at, completed_at, duration_ms
	FROM execution_logs`

func scanExecutionLog(row rowScanner) (*v1.ExecutionLog, error) {
	log := &v1.ExecutionLog{}
	var trigger, status string
	var completed sql.NullTime
	err := row.Scan(&log.ID, &log.DeploymentID, &log.ExecutionID, &trigger, &status,
		&log.Input, &log.Result, &log.Error, &log.StartedAt, &completed, &log.DurationMS)
	if err != nil {
		return nil, err
	}
	log.Trigger = v1.TriggerKind(trigger)
	log.Status = v1.ExecutionLogStatus(status)
	if completed.Valid {
		log.CompletedAt = &completed.Time
	}
	return log, nil
}
