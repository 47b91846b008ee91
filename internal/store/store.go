// Package store provides the sqlx-backed repositories for the control
// plane's persisted collections: designs, deployments, execution logs,
// instances, instance logs, credentials, and SSH keys.
//
// Every repository runs against the shared db.Pool: writes through the
// single-writer connection, reads through the read-only pool. Schema
// initialization is idempotent (CREATE TABLE IF NOT EXISTS plus the
// indexes the query paths depend on).
package store

import (
	"fmt"

	"github.com/ensembleai/ensemble/internal/credentials"
	"github.com/ensembleai/ensemble/internal/db"
)

// Store aggregates the repositories over one database pool.
type Store struct {
	Designs       *DesignStore
	Deployments   *DeploymentStore
	ExecutionLogs *ExecutionLogStore
	Instances     *InstanceStore
	InstanceLogs  *InstanceLogStore
	Credentials   *CredentialStore
	SSHKeys       *SSHKeyStore

	pool *db.Pool
}

// New creates all repositories and initializes their schemas. The master
// key encrypts credential blobs and SSH private keys at rest.
func New(pool *db.Pool, master *credentials.MasterKeyProvider) (*Store, error) {
	s := &Store{
		Designs:       NewDesignStore(pool),
		Deployments:   NewDeploymentStore(pool),
		ExecutionLogs: NewExecutionLogStore(pool),
		Instances:     NewInstanceStore(pool),
		InstanceLogs:  NewInstanceLogStore(pool),
		Credentials:   NewCredentialStore(pool, master),
		SSHKeys:       NewSSHKeyStore(pool, master),
		pool:          pool,
	}

	inits := []struct {
		name string
		fn   func() error
	}{
		{"designs", s.Designs.initSchema},
		{"deployments", s.Deployments.initSchema},
		{"execution_logs", s.ExecutionLogs.initSchema},
		{"instances", s.Instances.initSchema},
		{"instance_logs", s.InstanceLogs.initSchema},
		{"credentials", s.Credentials.initSchema},
		{"ssh_keys", s.SSHKeys.initSchema},
	}
	for _, init := range inits {
		if err := init.fn(); err != nil {
			return nil, fmt.Errorf("init %s schema: %w", init.name, err)
		}
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
