package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/db"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// InstanceRepository is the persistence surface for CLI sessions.
type InstanceRepository interface {
	Create(ctx context.Context, inst *v1.Instance) error
	Get(ctx context.Context, id string) (*v1.Instance, error)
	List(ctx context.Context) ([]*v1.Instance, error)
	ListByWorkflow(ctx context.Context, workflowID string, status v1.InstanceStatus) ([]*v1.Instance, error)
	UpdateStatus(ctx context.Context, id string, status v1.InstanceStatus, errMsg string) error
	UpdateMetrics(ctx context.Context, id string, metrics v1.InstanceMetrics) error
	Delete(ctx context.Context, id string) error
}

// InstanceStore persists session records. The live subprocess is owned by
// the instance manager; rows here are its durable view.
type InstanceStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ InstanceRepository = (*InstanceStore)(nil)

// NewInstanceStore creates an InstanceStore over the pool.
func NewInstanceStore(pool *db.Pool) *InstanceStore {
	return &InstanceStore{db: pool.Writer(), ro: pool.Reader()}
}

func (s *InstanceStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id             TEXT PRIMARY KEY,
			workflow_id    TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			status         TEXT NOT NULL,
			workspace_path TEXT NOT NULL DEFAULT '',
			git_repo       TEXT NOT NULL DEFAULT '',
			metrics        TEXT NOT NULL DEFAULT '{}',
			error          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL,
			stopped_at     TIMESTAMP
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_instances_workflow_status ON instances(workflow_id, status)`)
	return err
}

// Create persists a new instance record.
func (s *InstanceStore) Create(ctx context.Context, inst *v1.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if inst.Status == "" {
		inst.Status = v1.InstanceStatusStarting
	}

	metrics, err := json.Marshal(inst.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO instances (id, workflow_id, user_id, status, workspace_path, git_repo, metrics, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), inst.ID, inst.WorkflowID, inst.UserID, string(inst.Status), inst.WorkspacePath,
		inst.GitRepo, string(metrics), inst.Error, inst.CreatedAt, inst.UpdatedAt)
	return err
}

// Get retrieves an instance by id.
func (s *InstanceStore) Get(ctx context.Context, id string) (*v1.Instance, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectInstance+` WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("instance", id)
	}
	return inst, err
}

// List returns all instances, newest first.
func (s *InstanceStore) List(ctx context.Context) ([]*v1.Instance, error) {
	return s.list(ctx, selectInstance+` ORDER BY created_at DESC`)
}

// ListByWorkflow returns a workflow's instances, optionally filtered by status.
func (s *InstanceStore) ListByWorkflow(ctx context.Context, workflowID string, status v1.InstanceStatus) ([]*v1.Instance, error) {
	if status == "" {
		return s.list(ctx, selectInstance+` WHERE workflow_id = ? ORDER BY created_at DESC`, workflowID)
	}
	return s.list(ctx, selectInstance+` WHERE workflow_id = ? AND status = ? ORDER BY created_at DESC`,
		workflowID, string(status))
}

func (s *InstanceStore) list(ctx context.Context, query string, args ...any) ([]*v1.Instance, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*v1.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateStatus records a state transition. Terminal states also stamp
// stopped_at.
func (s *InstanceStore) UpdateStatus(ctx context.Context, id string, status v1.InstanceStatus, errMsg string) error {
	now := time.Now().UTC()
	var stopped any
	if status == v1.InstanceStatusStopped || status == v1.InstanceStatusFailed {
		stopped = now
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE instances SET status = ?, error = ?, updated_at = ?, stopped_at = COALESCE(?, stopped_at)
		WHERE id = ?
	`), string(status), errMsg, now, stopped, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("instance", id)
	}
	return nil
}

// UpdateMetrics replaces the aggregated metrics document.
func (s *InstanceStore) UpdateMetrics(ctx context.Context, id string, metrics v1.InstanceMetrics) error {
	doc, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE instances SET metrics = ?, updated_at = ? WHERE id = ?
	`), string(doc), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("instance", id)
	}
	return nil
}

// Delete removes an instance record.
func (s *InstanceStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM instances WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("instance", id)
	}
	return nil
}

const selectInstance = `
	SELECT id, workflow_id, user_id, status, workspace_path, git_repo, metrics, error, created_at, updated_at, stopped_at
	FROM instances`

func scanInstance(row rowScanner) (*v1.Instance, error) {
	inst := &v1.Instance{}
	var status, metrics string
	var stopped sql.NullTime
	err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.UserID, &status, &inst.WorkspacePath,
		&inst.GitRepo, &metrics, &inst.Error, &inst.CreatedAt, &inst.UpdatedAt, &stopped)
	if err != nil {
		return nil, err
	}
	inst.Status = v1.InstanceStatus(status)
	if stopped.Valid {
		inst.StoppedAt = &stopped.Time
	}
	if err := json.Unmarshal([]byte(metrics), &inst.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return inst, nil
}
