// Package credentials resolves, per request, how the assistant CLI will
// authenticate for a given user, and materializes login profiles to the
// CLI's credentials file when needed. Nothing is cached across requests:
// profile rotation takes effect without a service restart.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// Store is the persistence surface the provider reads from. Values come
// back decrypted.
type Store interface {
	// ActiveAPIKey returns the user's API key when one is registered and
	// marked default.
	ActiveAPIKey(ctx context.Context, userID string) (key string, ok bool, err error)
	// SelectedProfileBlob returns the user's selected CLI login profile.
	SelectedProfileBlob(ctx context.Context, userID string) (blob []byte, ok bool, err error)
}

// Credentials is the resolved authentication for one request.
type Credentials struct {
	Mode v1.CredentialMode
	// APIKey and EnvKey are set in api_key mode: EnvKey is the variable
	// name the CLI reads the key from.
	APIKey string
	EnvKey string
}

// Env returns the environment entries to inject into the CLI subprocess.
func (c *Credentials) Env() []string {
	if c.Mode == v1.CredentialModeAPIKey && c.APIKey != "" {
		return []string{c.EnvKey + "=" + c.APIKey}
	}
	return nil
}

// Config holds provider configuration.
type Config struct {
	// CLIHome is the CLI's home directory (expanded).
	CLIHome string
	// CredentialsFile is the profile-mode credentials filename under CLIHome.
	CredentialsFile string
	// EnvKeys are the variable names checked for an ambient key; the
	// first is also the injection name in api_key mode.
	EnvKeys []string
}

// Provider implements per-request credential resolution.
//
// Profile mode rewrites a file shared by every CLI subprocess of this OS
// user, so profile-dependent work is serialized behind a process-wide
// session: resolve → write file → spawn CLI → release. API-key and
// ambient turns skip the session entirely and run in parallel.
type Provider struct {
	store  Store
	cfg    Config
	logger *logger.Logger

	profileMu sync.Mutex
}

// NewProvider creates a Provider.
func NewProvider(store Store, cfg Config, log *logger.Logger) *Provider {
	return &Provider{
		store:  store,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "credentials")),
	}
}

// CredentialsPath returns the profile-mode credentials file path.
func (p *Provider) CredentialsPath() string {
	return filepath.Join(p.cfg.CLIHome, p.cfg.CredentialsFile)
}

// EnsureCredentials resolves the active credentials for userID and
// prepares the environment for a CLI subprocess. The returned release
// function must be called once the credential-dependent subprocess work
// is finished; it is a no-op outside profile mode.
//
// Resolution order: registered default API key, then selected login
// profile (materialized to disk, mode 0600), then an ambient environment
// key. With none of the three the request is rejected before any agent
// turn starts.
func (p *Provider) EnsureCredentials(ctx context.Context, userID string) (*Credentials, func(), error) {
	noop := func() {}

	key, ok, err := p.store.ActiveAPIKey(ctx, userID)
	if err != nil {
		return nil, noop, apperrors.CredentialUnavailable(userID, err)
	}
	if ok {
		return &Credentials{
			Mode:   v1.CredentialModeAPIKey,
			APIKey: key,
			EnvKey: p.envKeyName(),
		}, noop, nil
	}

	blob, ok, err := p.store.SelectedProfileBlob(ctx, userID)
	if err != nil {
		return nil, noop, apperrors.CredentialUnavailable(userID, err)
	}
	if ok {
		p.profileMu.Lock()
		if err := p.writeProfile(blob); err != nil {
			p.profileMu.Unlock()
			return nil, noop, apperrors.CredentialUnavailable(userID, err)
		}
		p.logger.Debug("materialized login profile",
			zap.String("user_id", userID),
			zap.String("path", p.CredentialsPath()))
		return &Credentials{Mode: v1.CredentialModeProfile}, sync.OnceFunc(p.profileMu.Unlock), nil
	}

	for _, name := range p.cfg.EnvKeys {
		if os.Getenv(name) != "" {
			return &Credentials{Mode: v1.CredentialModeAmbient}, noop, nil
		}
	}

	return nil, noop, apperrors.CredentialUnavailable(userID, nil)
}

func (p *Provider) envKeyName() string {
	if len(p.cfg.EnvKeys) > 0 {
		return p.cfg.EnvKeys[0]
	}
	return "ANTHROPIC_API_KEY"
}

// writeProfile replaces the CLI credentials file with the stored blob.
func (p *Provider) writeProfile(blob []byte) error {
	if err := os.MkdirAll(p.cfg.CLIHome, 0o700); err != nil {
		return fmt.Errorf("create cli home: %w", err)
	}
	if err := os.WriteFile(p.CredentialsPath(), blob, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return nil
}
