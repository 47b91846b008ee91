package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/credentials"
	"github.com/ensembleai/ensemble/internal/db"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// CredentialStore persists per-user API keys and CLI login profiles.
// Secret material is AES-256-GCM encrypted under the master key; rows
// carry ciphertext plus nonce, and reads decrypt before returning.
//
// It implements credentials.Store for the per-request provider.
type CredentialStore struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	master *credentials.MasterKeyProvider
}

var _ credentials.Store = (*CredentialStore)(nil)

// NewCredentialStore creates a CredentialStore over the pool.
func NewCredentialStore(pool *db.Pool, master *credentials.MasterKeyProvider) *CredentialStore {
	return &CredentialStore{db: pool.Writer(), ro: pool.Reader(), master: master}
}

func (s *CredentialStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			user_id        TEXT PRIMARY KEY,
			key_ciphertext BLOB NOT NULL,
			key_nonce      BLOB NOT NULL,
			active_default INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cli_profiles (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			name            TEXT NOT NULL,
			blob_ciphertext BLOB NOT NULL,
			blob_nonce      BLOB NOT NULL,
			selected        INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cli_profiles_user ON cli_profiles(user_id)`)
	return err
}

// SetAPIKey registers (or replaces) a user's API key.
func (s *CredentialStore) SetAPIKey(ctx context.Context, userID, apiKey string, activeDefault bool) error {
	ciphertext, nonce, err := credentials.Encrypt([]byte(apiKey), s.master.Key())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	active := 0
	if activeDefault {
		active = 1
	}

	// Upsert keyed by user: one API key per user.
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE api_keys SET key_ciphertext = ?, key_nonce = ?, active_default = ?, updated_at = ? WHERE user_id = ?
	`), ciphertext, nonce, active, now, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO api_keys (user_id, key_ciphertext, key_nonce, active_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), userID, ciphertext, nonce, active, now, now)
	return err
}

// DeleteAPIKey removes a user's API key.
func (s *CredentialStore) DeleteAPIKey(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM api_keys WHERE user_id = ?`), userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("api key", userID)
	}
	return nil
}

// ActiveAPIKey returns the user's API key when registered and marked default.
func (s *CredentialStore) ActiveAPIKey(ctx context.Context, userID string) (string, bool, error) {
	var ciphertext, nonce []byte
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT key_ciphertext, key_nonce FROM api_keys WHERE user_id = ? AND active_default = 1
	`), userID).Scan(&ciphertext, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	key, err := credentials.Decrypt(ciphertext, nonce, s.master.Key())
	if err != nil {
		return "", false, err
	}
	return string(key), true, nil
}

// SaveProfile stores a CLI login profile blob for later materialization.
func (s *CredentialStore) SaveProfile(ctx context.Context, userID, name string, blob []byte) (*v1.CredentialProfile, error) {
	ciphertext, nonce, err := credentials.Encrypt(blob, s.master.Key())
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	profile := &v1.CredentialProfile{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cli_profiles (id, user_id, name, blob_ciphertext, blob_nonce, selected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`), profile.ID, userID, name, ciphertext, nonce, now, now)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// SelectProfile marks one stored profile as the user's active one,
// clearing any previous selection.
func (s *CredentialStore) SelectProfile(ctx context.Context, userID, profileID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE cli_profiles SET selected = 0, updated_at = ? WHERE user_id = ?
	`), time.Now().UTC(), userID); err != nil {
		_ = tx.Rollback()
		return err
	}
	result, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE cli_profiles SET selected = 1, updated_at = ? WHERE id = ? AND user_id = ?
	`), time.Now().UTC(), profileID, userID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return apperrors.NotFound("profile", profileID)
	}
	return tx.Commit()
}

// ListProfiles returns a user's stored profile summaries. Blob material
// never leaves the store through this path.
func (s *CredentialStore) ListProfiles(ctx context.Context, userID string) ([]*v1.CredentialProfile, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, name, selected, created_at, updated_at
		FROM cli_profiles WHERE user_id = ? ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*v1.CredentialProfile
	for rows.Next() {
		p := &v1.CredentialProfile{}
		var selected int
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &selected, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Selected = selected == 1
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes a stored profile.
func (s *CredentialStore) DeleteProfile(ctx context.Context, userID, profileID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM cli_profiles WHERE id = ? AND user_id = ?
	`), profileID, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("profile", profileID)
	}
	return nil
}

// SelectedProfileBlob returns the decrypted blob of the user's selected profile.
func (s *CredentialStore) SelectedProfileBlob(ctx context.Context, userID string) ([]byte, bool, error) {
	var ciphertext, nonce []byte
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT blob_ciphertext, blob_nonce FROM cli_profiles WHERE user_id = ? AND selected = 1
	`), userID).Scan(&ciphertext, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	blob, err := credentials.Decrypt(ciphertext, nonce, s.master.Key())
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}
