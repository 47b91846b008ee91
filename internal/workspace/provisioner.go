// Package workspace provisions the filesystem locations agent turns and
// instance sessions run in: temp directories, shallow git clones (one per
// execution or one per agent), SSH key materialization, and cleanup.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	"github.com/ensembleai/ensemble/internal/common/logger"
)

// IsolatedParentPrefix names the parent directory of every per-agent
// isolated clone. The browse and read endpoints admit only paths under
// "<prefix><execution id>" for the workflow the caller names.
const IsolatedParentPrefix = "orchestration_isolated_"

// sharedPrefix names per-execution shared clone directories.
const sharedPrefix = "orchestration_shared_"

// SSHKeyPair is one stored deploy key, already decrypted.
type SSHKeyPair struct {
	Name       string
	PrivateKey string
	PublicKey  string
}

// SSHKeySource resolves a user's stored deploy keys.
type SSHKeySource interface {
	SSHKeysForUser(ctx context.Context, userID string) ([]SSHKeyPair, error)
}

// Config holds provisioner configuration.
type Config struct {
	// TempRoot overrides os.TempDir as the parent of execution workspaces.
	TempRoot string
	// SSHDir is where per-user key files are materialized.
	SSHDir string
	// KnownHosts entries are pinned into the known_hosts file used by clones.
	KnownHosts []string
	// DataDir hosts persistent per-workflow clones for instance sessions.
	DataDir string
}

// Provisioner creates and destroys agent workspaces.
type Provisioner struct {
	cfg    Config
	keys   SSHKeySource
	logger *logger.Logger

	// repoMus serializes clone/fetch per persistent repo path so two
	// instance spawns for one workflow never double-clone.
	repoMus sync.Map
}

// NewProvisioner creates a Provisioner. keys may be nil when no SSH
// authentication is needed (public repos, local paths).
func NewProvisioner(cfg Config, keys SSHKeySource, log *logger.Logger) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		keys:   keys,
		logger: log.WithFields(zap.String("component", "workspace")),
	}
}

func (p *Provisioner) tempRoot() string {
	if p.cfg.TempRoot != "" {
		return p.cfg.TempRoot
	}
	return os.TempDir()
}

// SharedPath returns the shared workspace directory for an execution
// without creating it.
func (p *Provisioner) SharedPath(executionID string) string {
	return filepath.Join(p.tempRoot(), sharedPrefix+executionID)
}

// IsolatedParent returns the isolated parent directory for an execution
// without creating it.
func (p *Provisioner) IsolatedParent(executionID string) string {
	return filepath.Join(p.tempRoot(), IsolatedParentPrefix+executionID)
}

// ProvisionShared creates one shallow clone for the whole execution and
// returns its path. With an empty gitRepo it returns a plain temp
// directory for agents that only need a working directory.
func (p *Provisioner) ProvisionShared(ctx context.Context, gitRepo, executionID, userID string) (string, error) {
	path := p.SharedPath(executionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", apperrors.WorkspaceProvisionFailed("create shared workspace", err)
	}

	if gitRepo != "" {
		if err := p.shallowClone(ctx, gitRepo, "", path, userID); err != nil {
			_ = os.RemoveAll(path)
			return "", err
		}
	}

	p.logger.Info("provisioned shared workspace",
		zap.String("execution_id", executionID),
		zap.String("path", path))
	return path, nil
}

// ProvisionIsolated creates the isolated parent for the execution and one
// shallow clone per agent under it. Subdirectory names are the sanitized
// agent names. Returns the parent path and the name → absolute path map.
func (p *Provisioner) ProvisionIsolated(ctx context.Context, gitRepo, executionID string, agentNames []string, userID string) (string, map[string]string, error) {
	parent := p.IsolatedParent(executionID)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, apperrors.WorkspaceProvisionFailed("create isolated parent", err)
	}

	paths := make(map[string]string, len(agentNames))
	for _, name := range agentNames {
		sub := filepath.Join(parent, SanitizeAgentName(name))
		if gitRepo != "" {
			if err := p.shallowClone(ctx, gitRepo, "", sub, userID); err != nil {
				_ = os.RemoveAll(parent)
				return "", nil, err
			}
		} else {
			if err := os.MkdirAll(sub, 0o755); err != nil {
				_ = os.RemoveAll(parent)
				return "", nil, apperrors.WorkspaceProvisionFailed("create agent workspace", err)
			}
		}
		paths[name] = sub
	}

	p.logger.Info("provisioned isolated workspaces",
		zap.String("execution_id", executionID),
		zap.String("parent", parent),
		zap.Int("agents", len(paths)))
	return parent, paths, nil
}

// EnsureWorkflowClone clones (or reuses) the persistent workspace for an
// instance session. Concurrent calls for the same workflow are
// serialized. Unlike execution workspaces this directory survives the
// session; Stop removes it explicitly.
func (p *Provisioner) EnsureWorkflowClone(ctx context.Context, gitRepo, branch, workflowID, userID string) (string, error) {
	target := filepath.Join(p.cfg.DataDir, "workspaces", workflowID)

	muAny, _ := p.repoMus.LoadOrStore(target, &sync.Mutex{})
	mu := muAny.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
	mu.Lock()
	defer mu.Unlock()

	gitDir := filepath.Join(target, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		return target, nil
	}

	if gitRepo == "" {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", apperrors.WorkspaceProvisionFailed("create workflow workspace", err)
		}
		return target, nil
	}

	if err := p.shallowClone(ctx, gitRepo, branch, target, userID); err != nil {
		return "", err
	}
	return target, nil
}

// Cleanup removes a workspace directory tree. It is idempotent: a path
// that is already gone is not an error. Paths outside the provisioner's
// roots are refused.
func (p *Provisioner) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	base := filepath.Base(path)
	underTemp := strings.HasPrefix(base, IsolatedParentPrefix) || strings.HasPrefix(base, sharedPrefix)
	underData := p.cfg.DataDir != "" && strings.HasPrefix(path, filepath.Join(p.cfg.DataDir, "workspaces")+string(os.PathSeparator))
	if !underTemp && !underData {
		return fmt.Errorf("refusing to remove %q: not a managed workspace", path)
	}

	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("workspace cleanup failed",
			zap.String("path", path),
			zap.Error(err))
		return err
	}
	return nil
}

// shallowClone runs a depth-1 git clone into target, authenticating with
// the user's materialized SSH keys when the repo needs them.
func (p *Provisioner) shallowClone(ctx context.Context, gitRepo, branch, target, userID string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apperrors.WorkspaceProvisionFailed("create clone parent", err)
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, gitRepo, target)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if needsSSH(gitRepo) && p.keys != nil {
		sshCmd, err := p.materializeSSH(ctx, userID)
		if err != nil {
			return err
		}
		if sshCmd != "" {
			cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		}
	}

	p.logger.Info("cloning repository",
		zap.String("url", gitRepo),
		zap.String("target", target))

	if out, err := cmd.CombinedOutput(); err != nil {
		return apperrors.WorkspaceProvisionFailed(
			fmt.Sprintf("git clone failed: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

func needsSSH(gitRepo string) bool {
	return strings.HasPrefix(gitRepo, "git@") || strings.HasPrefix(gitRepo, "ssh://")
}

// materializeSSH writes the user's stored keys and the pinned known_hosts
// to disk (private 0600, public 0644) and returns the GIT_SSH_COMMAND
// pointing at them. With no stored keys it returns "".
func (p *Provisioner) materializeSSH(ctx context.Context, userID string) (string, error) {
	keys, err := p.keys.SSHKeysForUser(ctx, userID)
	if err != nil {
		return "", apperrors.WorkspaceProvisionFailed("load ssh keys", err)
	}
	if len(keys) == 0 {
		return "", nil
	}

	userDir := filepath.Join(p.cfg.SSHDir, userID)
	if err := os.MkdirAll(userDir, 0o700); err != nil {
		return "", apperrors.WorkspaceProvisionFailed("create ssh dir", err)
	}

	key := keys[0]
	privPath := filepath.Join(userDir, key.Name)
	if err := os.WriteFile(privPath, []byte(key.PrivateKey), 0o600); err != nil {
		return "", apperrors.WorkspaceProvisionFailed("write private key", err)
	}
	if err := os.WriteFile(privPath+".pub", []byte(key.PublicKey), 0o644); err != nil {
		return "", apperrors.WorkspaceProvisionFailed("write public key", err)
	}

	knownHosts := filepath.Join(userDir, "known_hosts")
	if err := os.WriteFile(knownHosts, []byte(strings.Join(p.cfg.KnownHosts, "\n")+"\n"), 0o644); err != nil {
		return "", apperrors.WorkspaceProvisionFailed("write known_hosts", err)
	}

	hostCheck := "-o StrictHostKeyChecking=yes"
	if len(p.cfg.KnownHosts) == 0 {
		hostCheck = "-o StrictHostKeyChecking=accept-new"
	}
	return fmt.Sprintf("ssh -i %s -o UserKnownHostsFile=%s %s -o IdentitiesOnly=yes", privPath, knownHosts, hostCheck), nil
}
