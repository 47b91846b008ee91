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
	"github.com/ensembleai/ensemble/internal/db/dialect"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// DesignRepository is the persistence surface for composite designs.
type DesignRepository interface {
	Create(ctx context.Context, design *v1.Design) error
	Get(ctx context.Context, id string) (*v1.Design, error)
	List(ctx context.Context, search string) ([]*v1.Design, error)
	Update(ctx context.Context, design *v1.Design) error
	Delete(ctx context.Context, id string) error
}

// DesignStore stores designs as documents: blocks and connections are
// JSON columns, versioned with an optimistic bump on every update.
type DesignStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ DesignRepository = (*DesignStore)(nil)

// NewDesignStore creates a DesignStore over the pool.
func NewDesignStore(pool *db.Pool) *DesignStore {
	return &DesignStore{db: pool.Writer(), ro: pool.Reader()}
}

func (s *DesignStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS designs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL DEFAULT 1,
			blocks      TEXT NOT NULL,
			connections TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`)
	return err
}

// Create persists a new design with version 1.
func (s *DesignStore) Create(ctx context.Context, design *v1.Design) error {
	if design.ID == "" {
		design.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	design.Version = 1
	design.CreatedAt = now
	design.UpdatedAt = now

	blocks, connections, err := marshalDesignDoc(design)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO designs (id, name, description, version, blocks, connections, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), design.ID, design.Name, design.Description, design.Version, blocks, connections, design.CreatedAt, design.UpdatedAt)
	return err
}

// Get retrieves a design by id.
func (s *DesignStore) Get(ctx context.Context, id string) (*v1.Design, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, description, version, blocks, connections, created_at, updated_at
		FROM designs WHERE id = ?
	`), id)
	design, err := scanDesign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("design", id)
	}
	return design, err
}

// List returns designs ordered by most recently updated, optionally
// filtered by a case-insensitive name match.
func (s *DesignStore) List(ctx context.Context, search string) ([]*v1.Design, error) {
	query := `
		SELECT id, name, description, version, blocks, connections, created_at, updated_at
		FROM designs`
	args := []any{}
	if search != "" {
		query += fmt.Sprintf(" WHERE name %s ?", dialect.Like(s.ro.DriverName()))
		args = append(args, "%"+search+"%")
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var designs []*v1.Design
	for rows.Next() {
		design, scanErr := scanDesign(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		designs = append(designs, design)
	}
	return designs, rows.Err()
}

// Update replaces the design document and bumps its version.
func (s *DesignStore) Update(ctx context.Context, design *v1.Design) error {
	design.UpdatedAt = time.Now().UTC()

	blocks, connections, err := marshalDesignDoc(design)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE designs
		SET name = ?, description = ?, version = version + 1, blocks = ?, connections = ?, updated_at = ?
		WHERE id = ?
	`), design.Name, design.Description, blocks, connections, design.UpdatedAt, design.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("design", design.ID)
	}
	design.Version++
	return nil
}

// Delete removes a design.
func (s *DesignStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM designs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("design", id)
	}
	return nil
}

func marshalDesignDoc(design *v1.Design) (blocks, connections string, err error) {
	b, err := json.Marshal(design.Blocks)
	if err != nil {
		return "", "", fmt.Errorf("marshal blocks: %w", err)
	}
	c, err := json.Marshal(design.Connections)
	if err != nil {
		return "", "", fmt.Errorf("marshal connections: %w", err)
	}
	return string(b), string(c), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDesign(row rowScanner) (*v1.Design, error) {
	design := &v1.Design{}
	var blocks, connections string
	err := row.Scan(&design.ID, &design.Name, &design.Description, &design.Version,
		&blocks, &connections, &design.CreatedAt, &design.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blocks), &design.Blocks); err != nil {
		return nil, fmt.Errorf("unmarshal blocks: %w", err)
	}
	if err := json.Unmarshal([]byte(connections), &design.Connections); err != nil {
		return nil, fmt.Errorf("unmarshal connections: %w", err)
	}
	return design, nil
}
