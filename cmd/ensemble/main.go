// Package main is the unified entry point for the Ensemble control
// plane. The single binary runs the orchestration engine, the instance
// manager, the deployment scheduler, and the HTTP/WebSocket API together
// over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/config"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/credentials"
	"github.com/ensembleai/ensemble/internal/db"
	"github.com/ensembleai/ensemble/internal/deployment"
	"github.com/ensembleai/ensemble/internal/events"
	"github.com/ensembleai/ensemble/internal/instance"
	"github.com/ensembleai/ensemble/internal/orchestration/dag"
	"github.com/ensembleai/ensemble/internal/orchestration/patterns"
	"github.com/ensembleai/ensemble/internal/orchestration/runner"
	"github.com/ensembleai/ensemble/internal/server"
	"github.com/ensembleai/ensemble/internal/store"
	"github.com/ensembleai/ensemble/internal/telemetry"
	"github.com/ensembleai/ensemble/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Ensemble...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================
	// PERSISTENCE
	// ============================================
	dataDir, err := config.ExpandHome(cfg.DataDir)
	if err != nil {
		log.Fatal("Failed to resolve data dir", zap.Error(err))
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Fatal("Failed to create data dir", zap.Error(err))
	}

	dbPath, err := config.ExpandHome(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to resolve database path", zap.Error(err))
	}
	pool, err := db.Open(db.Options{
		Driver:   cfg.Database.Driver,
		Path:     dbPath,
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}

	master, err := credentials.NewMasterKeyProvider(dataDir)
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}

	st, err := store.New(pool, master)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", dbPath))

	// ============================================
	// CREDENTIALS + WORKSPACES
	// ============================================
	cliHome, err := config.ExpandHome(cfg.CLI.Home)
	if err != nil {
		log.Fatal("Failed to resolve CLI home", zap.Error(err))
	}
	credProvider := credentials.NewProvider(st.Credentials, credentials.Config{
		CLIHome:         cliHome,
		CredentialsFile: cfg.CLI.CredentialsFile,
		EnvKeys:         cfg.CLI.EnvKeys,
	}, log)

	sshDir, err := config.ExpandHome(cfg.Workspace.SSHDir)
	if err != nil {
		log.Fatal("Failed to resolve SSH dir", zap.Error(err))
	}
	provisioner := workspace.NewProvisioner(workspace.Config{
		TempRoot:   cfg.Workspace.TempRoot,
		SSHDir:     sshDir,
		KnownHosts: cfg.Workspace.KnownHosts,
		DataDir:    dataDir,
	}, st.SSHKeys, log)

	// ============================================
	// ORCHESTRATION ENGINE
	// ============================================
	turnRunner := runner.New(nil, credProvider, cfg.CLI, cfg.MCP, log)
	executor := patterns.NewExecutor(turnRunner, log)
	dagMgr := dag.NewManager(executor, provisioner, 0, log)

	// ============================================
	// INSTANCE MANAGER
	// ============================================
	instMgr := instance.NewManager(st.Instances, st.InstanceLogs, credProvider, provisioner, cfg.CLI, cfg.Instance, nil, log)

	// ============================================
	// EVENT MIRROR (optional NATS)
	// ============================================
	var publisher *events.Publisher
	if cfg.Events.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.Events, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		dagMgr.OnStart(func(exec *dag.Execution) {
			_, ch, _ := exec.Hub.Subscribe()
			publisher.MirrorExecution(exec.ID, ch)
		})
		instMgr.OnSpawn(func(instanceID string) {
			ch, _, err := instMgr.Subscribe(instanceID)
			if err != nil {
				log.Warn("mirror subscription failed",
					zap.String("instance_id", instanceID), zap.Error(err))
				return
			}
			publisher.MirrorInstance(instanceID, ch)
		})
		log.Info("NATS event mirror connected", zap.String("url", cfg.Events.NATSURL))
	}

	// ============================================
	// DEPLOYMENTS + SCHEDULER
	// ============================================
	deploySvc := deployment.NewService(st.Deployments, st.Designs, st.ExecutionLogs,
		deployment.NewManagerRunner(dagMgr), log)
	scheduler := deployment.NewScheduler(deploySvc.Fire, cfg.Scheduler.DrainTimeoutDuration(), log)
	deploySvc.BindScheduler(scheduler)

	if cfg.Scheduler.Enabled {
		if err := deploySvc.RestoreSchedules(ctx); err != nil {
			log.Error("Failed to restore deployment schedules", zap.Error(err))
		}
		scheduler.Start()
		log.Info("Deployment scheduler started")
	} else {
		log.Info("Deployment scheduler disabled")
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	srv := server.New(cfg.Server, server.Deps{
		Orchestrator: dagMgr,
		Designs:      st.Designs,
		Deployments:  deploySvc,
		Instances:    instMgr,
		Credentials:  st.Credentials,
		SSHKeys:      st.SSHKeys,
		Guard:        workspace.NewGuard(cfg.Workspace.TempRoot),
		Logger:       log,
	}, cfg.Logging)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("deployed", "/api/deployed"),
		zap.String("health", "/health"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Ensemble...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if cfg.Scheduler.Enabled {
		scheduler.Stop(shutdownCtx)
	}
	instMgr.Shutdown(shutdownCtx)
	if publisher != nil {
		publisher.Close()
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("Ensemble stopped")
}
