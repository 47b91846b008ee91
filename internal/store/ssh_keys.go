package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/credentials"
	"github.com/ensembleai/ensemble/internal/db"
	"github.com/ensembleai/ensemble/internal/workspace"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// SSHKeyStore persists per-user deploy keys for git clones. Private keys
// are encrypted at rest; public keys are stored in the clear.
//
// It implements workspace.SSHKeySource for the provisioner.
type SSHKeyStore struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	master *credentials.MasterKeyProvider
}

var _ workspace.SSHKeySource = (*SSHKeyStore)(nil)

// NewSSHKeyStore creates an SSHKeyStore over the pool.
func NewSSHKeyStore(pool *db.Pool, master *credentials.MasterKeyProvider) *SSHKeyStore {
	return &SSHKeyStore{db: pool.Writer(), ro: pool.Reader(), master: master}
}

func (s *SSHKeyStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ssh_keys (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			name               TEXT NOT NULL,
			private_ciphertext BLOB NOT NULL,
			private_nonce      BLOB NOT NULL,
			public_key         TEXT NOT NULL,
			created_at         TIMESTAMP NOT NULL
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_ssh_keys_user ON ssh_keys(user_id)`)
	return err
}

// Add stores a deploy key pair.
func (s *SSHKeyStore) Add(ctx context.Context, userID, name, privateKey, publicKey string) (*v1.SSHKey, error) {
	ciphertext, nonce, err := credentials.Encrypt([]byte(privateKey), s.master.Key())
	if err != nil {
		return nil, err
	}
	key := &v1.SSHKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		PublicKey: publicKey,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO ssh_keys (id, user_id, name, private_ciphertext, private_nonce, public_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), key.ID, userID, name, ciphertext, nonce, publicKey, key.CreatedAt)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// List returns a user's key summaries (no private material).
func (s *SSHKeyStore) List(ctx context.Context, userID string) ([]*v1.SSHKey, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, name, public_key, created_at FROM ssh_keys WHERE user_id = ? ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*v1.SSHKey
	for rows.Next() {
		key := &v1.SSHKey{}
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.PublicKey, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes a stored key.
func (s *SSHKeyStore) Delete(ctx context.Context, userID, keyID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM ssh_keys WHERE id = ? AND user_id = ?
	`), keyID, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("ssh key", keyID)
	}
	return nil
}

// SSHKeysForUser returns the user's decrypted key pairs for clone
// authentication.
func (s *SSHKeyStore) SSHKeysForUser(ctx context.Context, userID string) ([]workspace.SSHKeyPair, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT name, private_ciphertext, private_nonce, public_key
		FROM ssh_keys WHERE user_id = ? ORDER BY created_at ASC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []workspace.SSHKeyPair
	for rows.Next() {
		var name, publicKey string
		var ciphertext, nonce []byte
		if err := rows.Scan(&name, &ciphertext, &nonce, &publicKey); err != nil {
			return nil, err
		}
		private, err := credentials.Decrypt(ciphertext, nonce, s.master.Key())
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, workspace.SSHKeyPair{
			Name:       name,
			PrivateKey: string(private),
			PublicKey:  publicKey,
		})
	}
	return pairs, rows.Err()
}
