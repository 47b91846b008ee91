package credentials

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleai/ensemble/internal/common/logger"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

type fakeStore struct {
	apiKey  string
	profile []byte
}

func (f *fakeStore) ActiveAPIKey(_ context.Context, _ string) (string, bool, error) {
	return f.apiKey, f.apiKey != "", nil
}

func (f *fakeStore) SelectedProfileBlob(_ context.Context, _ string) ([]byte, bool, error) {
	return f.profile, f.profile != nil, nil
}

func newTestProvider(t *testing.T, store Store) *Provider {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewProvider(store, Config{
		CLIHome:         t.TempDir(),
		CredentialsFile: ".credentials.json",
		EnvKeys:         []string{"ENSEMBLE_TEST_API_KEY"},
	}, log)
}

func TestEnsureCredentials_APIKeyMode(t *testing.T) {
	p := newTestProvider(t, &fakeStore{apiKey: "sk-test-123"})

	creds, release, err := p.EnsureCredentials(context.Background(), "user-1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, v1.CredentialModeAPIKey, creds.Mode)
	assert.Equal(t, []string{"ENSEMBLE_TEST_API_KEY=sk-test-123"}, creds.Env())

	// API-key mode never touches the credentials file.
	_, statErr := os.Stat(p.CredentialsPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureCredentials_APIKeyLeavesExistingFileUntouched(t *testing.T) {
	p := newTestProvider(t, &fakeStore{apiKey: "sk-test-123"})

	require.NoError(t, os.WriteFile(p.CredentialsPath(), []byte("old"), 0o600))
	before, err := os.Stat(p.CredentialsPath())
	require.NoError(t, err)

	_, release, err := p.EnsureCredentials(context.Background(), "user-1")
	require.NoError(t, err)
	release()

	after, err := os.Stat(p.CredentialsPath())
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	content, _ := os.ReadFile(p.CredentialsPath())
	assert.Equal(t, "old", string(content))
}

func TestEnsureCredentials_ProfileModeWritesFile(t *testing.T) {
	blob := []byte(`{"session":"abc"}`)
	p := newTestProvider(t, &fakeStore{profile: blob})

	creds, release, err := p.EnsureCredentials(context.Background(), "user-1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, v1.CredentialModeProfile, creds.Mode)
	assert.Nil(t, creds.Env())

	content, err := os.ReadFile(p.CredentialsPath())
	require.NoError(t, err)
	assert.Equal(t, blob, content)

	info, err := os.Stat(p.CredentialsPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureCredentials_ProfileModeSerializes(t *testing.T) {
	p := newTestProvider(t, &fakeStore{profile: []byte("blob")})

	_, release1, err := p.EnsureCredentials(context.Background(), "user-1")
	require.NoError(t, err)

	// A second profile acquisition must block until the first releases.
	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, release2, err2 := p.EnsureCredentials(context.Background(), "user-2")
		assert.NoError(t, err2)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second profile session acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	wg.Wait()

	select {
	case <-acquired:
	default:
		t.Fatal("second profile session never acquired")
	}
}

func TestEnsureCredentials_ReleaseIsIdempotent(t *testing.T) {
	p := newTestProvider(t, &fakeStore{profile: []byte("blob")})

	_, release, err := p.EnsureCredentials(context.Background(), "user-1")
	require.NoError(t, err)
	release()
	release() // second call must not unlock someone else's session

	_, release2, err := p.EnsureCredentials(context.Background(), "user-2")
	require.NoError(t, err)
	release2()
}

func TestEnsureCredentials_AmbientFallback(t *testing.T) {
	t.Setenv("ENSEMBLE_TEST_API_KEY", "ambient-key")
	p := newTestProvider(t, &fakeStore{})

	creds, release, err := p.EnsureCredentials(context.Background(), "user-1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, v1.CredentialModeAmbient, creds.Mode)
	assert.Nil(t, creds.Env())
}

func TestEnsureCredentials_NothingAvailable(t *testing.T) {
	p := newTestProvider(t, &fakeStore{})

	_, release, err := p.EnsureCredentials(context.Background(), "user-1")
	defer release()
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	mk, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	ciphertext, nonce, err := Encrypt([]byte("secret value"), mk.Key())
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret value"), ciphertext)

	plain, err := Decrypt(ciphertext, nonce, mk.Key())
	require.NoError(t, err)
	assert.Equal(t, "secret value", string(plain))
}

func TestMasterKeyProvider_StableAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	second, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Key(), second.Key())

	info, err := os.Stat(filepath.Join(dir, MasterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
