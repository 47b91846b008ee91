package v1

import "time"

// CredentialMode says how an agent turn will authenticate to the CLI.
type CredentialMode string

const (
	// CredentialModeAPIKey passes a key through the subprocess environment.
	CredentialModeAPIKey CredentialMode = "api_key"
	// CredentialModeProfile materializes a stored login profile to the
	// CLI's credentials file before the turn.
	CredentialModeProfile CredentialMode = "profile"
	// CredentialModeAmbient relies on a key already present in the
	// service's own environment.
	CredentialModeAmbient CredentialMode = "ambient"
)

// CredentialProfile is the caller-visible summary of a stored login
// profile. The credential blob itself never leaves the server.
type CredentialProfile struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Selected  bool      `json:"selected"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetAPIKeyRequest registers (or replaces) a user's API key.
type SetAPIKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
	// Default marks the key active so it wins over stored profiles.
	Default bool `json:"default"`
}

// SaveProfileRequest stores a CLI login profile blob for later
// materialization. Blob is the raw credentials file content.
type SaveProfileRequest struct {
	Name string `json:"name" binding:"required,max=255"`
	Blob string `json:"blob" binding:"required"`
}

// SelectProfileRequest marks one stored profile as the user's active one.
type SelectProfileRequest struct {
	ProfileID string `json:"profile_id" binding:"required"`
}

// SSHKey is the caller-visible summary of a stored deploy key.
// Private material never leaves the server.
type SSHKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// AddSSHKeyRequest stores a deploy key pair for git clones.
type AddSSHKeyRequest struct {
	Name       string `json:"name" binding:"required,max=255"`
	PrivateKey string `json:"private_key" binding:"required"`
	PublicKey  string `json:"public_key" binding:"required"`
}
