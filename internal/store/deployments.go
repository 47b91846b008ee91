package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/db"
	"github.com/ensembleai/ensemble/internal/db/dialect"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// DeploymentRepository is the persistence surface for deployments.
type DeploymentRepository interface {
	Create(ctx context.Context, d *v1.Deployment) error
	Get(ctx context.Context, id string) (*v1.Deployment, error)
	GetByEndpointPath(ctx context.Context, path string) (*v1.Deployment, error)
	List(ctx context.Context) ([]*v1.Deployment, error)
	ListScheduled(ctx context.Context) ([]*v1.Deployment, error)
	Update(ctx context.Context, d *v1.Deployment) error
	Delete(ctx context.Context, id string) error
	IncrementExecution(ctx context.Context, id string, at time.Time) error
}

// DeploymentStore persists deployments. The endpoint path carries a
// unique index: dynamic dispatch resolves paths exactly, so two
// deployments can never share one.
type DeploymentStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ DeploymentRepository = (*DeploymentStore)(nil)

// NewDeploymentStore creates a DeploymentStore over the pool.
func NewDeploymentStore(pool *db.Pool) *DeploymentStore {
	return &DeploymentStore{db: pool.Writer(), ro: pool.Reader()}
}

func (s *DeploymentStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id                TEXT PRIMARY KEY,
			design_id         TEXT NOT NULL,
			name              TEXT NOT NULL,
			endpoint_path     TEXT NOT NULL,
			status            TEXT NOT NULL,
			schedule          TEXT NOT NULL DEFAULT '',
			execution_count   INTEGER NOT NULL DEFAULT 0,
			last_execution_at TIMESTAMP,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_endpoint_path ON deployments(endpoint_path)`)
	return err
}

// Create persists a new deployment. A duplicate endpoint path surfaces as
// EndpointConflict.
func (s *DeploymentStore) Create(ctx context.Context, d *v1.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	schedule, err := marshalSchedule(d.Schedule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO deployments (id, design_id, name, endpoint_path, status, schedule, execution_count, last_execution_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), d.ID, d.DesignID, d.Name, d.EndpointPath, string(d.Status), schedule, d.ExecutionCount, d.LastExecutionAt, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.EndpointConflict(d.EndpointPath)
	}
	return err
}

// Get retrieves a deployment by id.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*v1.Deployment, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectDeployment+` WHERE id = ?`), id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("deployment", id)
	}
	return d, err
}

// GetByEndpointPath resolves a deployment by its exact endpoint path.
func (s *DeploymentStore) GetByEndpointPath(ctx context.Context, path string) (*v1.Deployment, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectDeployment+` WHERE endpoint_path = ?`), path)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.EndpointNotFound(path)
	}
	return d, err
}

// List returns all deployments, newest first.
func (s *DeploymentStore) List(ctx context.Context) ([]*v1.Deployment, error) {
	return s.list(ctx, selectDeployment+` ORDER BY created_at DESC`)
}

// ListScheduled returns active deployments whose schedule document carries
// a kind; the scheduler registers exactly these at startup.
func (s *DeploymentStore) ListScheduled(ctx context.Context) ([]*v1.Deployment, error) {
	query := fmt.Sprintf("%s WHERE status = '%s' AND %s",
		selectDeployment, v1.DeploymentStatusActive,
		dialect.JSONExtractIsNotNull(s.ro.DriverName(), "schedule", "kind"))
	return s.list(ctx, query)
}

func (s *DeploymentStore) list(ctx context.Context, query string, args ...any) ([]*v1.Deployment, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []*v1.Deployment
	for rows.Next() {
		d, scanErr := scanDeployment(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// Update replaces a deployment's mutable fields.
func (s *DeploymentStore) Update(ctx context.Context, d *v1.Deployment) error {
	d.UpdatedAt = time.Now().UTC()

	schedule, err := marshalSchedule(d.Schedule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE deployments
		SET design_id = ?, name = ?, endpoint_path = ?, status = ?, schedule = ?, updated_at = ?
		WHERE id = ?
	`), d.DesignID, d.Name, d.EndpointPath, string(d.Status), schedule, d.UpdatedAt, d.ID)
	if isUniqueViolation(err) {
		return apperrors.EndpointConflict(d.EndpointPath)
	}
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("deployment", d.ID)
	}
	return nil
}

// Delete removes a deployment.
func (s *DeploymentStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM deployments WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("deployment", id)
	}
	return nil
}

// IncrementExecution bumps the execution counter and records when the
// deployment last fired.
func (s *DeploymentStore) IncrementExecution(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE deployments SET execution_count = execution_count + 1, last_execution_at = ? WHERE id = ?
	`), at.UTC(), id)
	return err
}

const selectDeployment = `
	SELECT id, design_id, name, endpoint_path, status, schedule, execution_count, last_execution_at, created_at, updated_at
	FROM deployments`

func scanDeployment(row rowScanner) (*v1.Deployment, error) {
	d := &v1.Deployment{}
	var status, schedule string
	var lastExecution sql.NullTime
	err := row.Scan(&d.ID, &d.DesignID, &d.Name, &d.EndpointPath, &status, &schedule,
		&d.ExecutionCount, &lastExecution, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = v1.DeploymentStatus(status)
	if lastExecution.Valid {
		d.LastExecutionAt = &lastExecution.Time
	}
	if schedule != "" && schedule != "null" {
		var sched v1.Schedule
		if err := json.Unmarshal([]byte(schedule), &sched); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		d.Schedule = &sched
	}
	return d, nil
}

func marshalSchedule(s *v1.Schedule) (string, error) {
	if s == nil {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal schedule: %w", err)
	}
	return string(data), nil
}

// isUniqueViolation detects a unique-index conflict on either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	// pgx surfaces SQLSTATE 23505 in the error text through database/sql.
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
