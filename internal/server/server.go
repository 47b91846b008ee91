// Package server is the HTTP and WebSocket surface of the control plane:
// orchestration execution, design and deployment CRUD, dynamic endpoint
// dispatch, instance management, workspace browsing, and credential
// administration.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/config"
	"github.com/ensembleai/ensemble/internal/common/httpmw"
	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/orchestration/dag"
	"github.com/ensembleai/ensemble/internal/workspace"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// Orchestrator starts and tracks design executions. Implemented by
// dag.Manager.
type Orchestrator interface {
	StartDesign(design *v1.Design, initialTask, userID string) (*dag.Execution, error)
	StartBlock(block *v1.Block, userID string) (*dag.Execution, error)
	Get(executionID string) (*dag.Execution, bool)
	Cancel(executionID string) error
}

// DesignRepo is the persistence surface for designs. Implemented by
// store.DesignStore.
type DesignRepo interface {
	Create(ctx context.Context, design *v1.Design) error
	Get(ctx context.Context, id string) (*v1.Design, error)
	List(ctx context.Context, search string) ([]*v1.Design, error)
	Update(ctx context.Context, design *v1.Design) error
	Delete(ctx context.Context, id string) error
}

// Deployments is the deployment service surface. Implemented by
// deployment.Service.
type Deployments interface {
	Create(ctx context.Context, req v1.CreateDeploymentRequest) (*v1.Deployment, error)
	Get(ctx context.Context, id string) (*v1.Deployment, error)
	List(ctx context.Context) ([]*v1.Deployment, error)
	Update(ctx context.Context, id string, req v1.UpdateDeploymentRequest) (*v1.Deployment, error)
	Delete(ctx context.Context, id string) error
	Execute(ctx context.Context, id string, req v1.ExecuteDeploymentRequest) (*v1.ExecutionResult, *v1.ExecutionLog, error)
	Dispatch(ctx context.Context, path, input string) (*v1.ExecutionResult, *v1.ExecutionLog, error)
	Logs(ctx context.Context, deploymentID string, limit int) ([]*v1.ExecutionLog, error)
	Stats(ctx context.Context, deploymentID string) (*v1.DeploymentStats, error)
}

// Instances is the instance manager surface. Implemented by
// instance.Manager.
type Instances interface {
	Spawn(ctx context.Context, req v1.CreateInstanceRequest, userID string) (*v1.Instance, error)
	Get(ctx context.Context, instanceID string) (*v1.Instance, error)
	List(ctx context.Context) ([]*v1.Instance, error)
	ListByWorkflow(ctx context.Context, workflowID string, status v1.InstanceStatus) ([]*v1.Instance, error)
	Send(ctx context.Context, instanceID, content string) error
	Interrupt(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Logs(ctx context.Context, instanceID string, limit int) ([]*v1.InstanceLog, error)
	Subscribe(instanceID string) (<-chan v1.InstanceEvent, func(), error)
}

// CredentialAdmin manages per-user CLI credentials. Implemented by
// store.CredentialStore.
type CredentialAdmin interface {
	SetAPIKey(ctx context.Context, userID, apiKey string, activeDefault bool) error
	DeleteAPIKey(ctx context.Context, userID string) error
	SaveProfile(ctx context.Context, userID, name string, blob []byte) (*v1.CredentialProfile, error)
	SelectProfile(ctx context.Context, userID, profileID string) error
	ListProfiles(ctx context.Context, userID string) ([]*v1.CredentialProfile, error)
	DeleteProfile(ctx context.Context, userID, profileID string) error
}

// SSHKeyAdmin manages per-user deploy keys. Implemented by
// store.SSHKeyStore.
type SSHKeyAdmin interface {
	Add(ctx context.Context, userID, name, privateKey, publicKey string) (*v1.SSHKey, error)
	List(ctx context.Context, userID string) ([]*v1.SSHKey, error)
	Delete(ctx context.Context, userID, keyID string) error
}

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Orchestrator Orchestrator
	Designs      DesignRepo
	Deployments  Deployments
	Instances    Instances
	Credentials  CredentialAdmin
	SSHKeys      SSHKeyAdmin
	Guard        *workspace.Guard
	Logger       *logger.Logger
}

// Server is the HTTP server with its routes bound.
type Server struct {
	cfg        config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server
	deps       Deps
	logger     *logger.Logger
}

// New builds the engine and registers all routes.
func New(cfg config.ServerConfig, deps Deps, logCfg config.LoggingConfig) *Server {
	if logCfg.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "server")),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestLogger(s.logger, "ensemble"))
	engine.Use(httpmw.OtelTracing("ensemble"))
	engine.Use(userIdentity())

	s.engine = engine
	s.registerRoutes()
	return s
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ensemble"})
	})

	api := s.engine.Group("/api/v1")

	api.POST("/orchestrations/:pattern", s.executePattern)

	api.GET("/executions/:id", s.getExecution)
	api.DELETE("/executions/:id", s.cancelExecution)
	api.GET("/executions/:id/stream", s.streamExecution)

	api.POST("/designs", s.createDesign)
	api.GET("/designs", s.listDesigns)
	api.GET("/designs/:id", s.getDesign)
	api.PUT("/designs/:id", s.updateDesign)
	api.DELETE("/designs/:id", s.deleteDesign)
	api.POST("/designs/execute", s.executeDesign)
	api.POST("/designs/:id/execute", s.executeDesignByID)

	api.POST("/deployments", s.createDeployment)
	api.GET("/deployments", s.listDeployments)
	api.GET("/deployments/:id", s.getDeployment)
	api.PUT("/deployments/:id", s.updateDeployment)
	api.DELETE("/deployments/:id", s.deleteDeployment)
	api.POST("/deployments/:id/execute", s.executeDeployment)
	api.GET("/deployments/:id/logs", s.deploymentLogs)
	api.GET("/deployments/:id/stats", s.deploymentStats)

	s.engine.POST("/api/deployed/*path", s.dispatchDeployed)

	api.POST("/workspaces/browse", s.browseWorkspace)
	api.POST("/workspaces/read", s.readWorkspaceFile)

	api.POST("/instances", s.spawnInstance)
	api.GET("/instances", s.listInstances)
	api.GET("/instances/:id", s.getInstance)
	api.DELETE("/instances/:id", s.stopInstance)
	api.POST("/instances/:id/send", s.sendToInstance)
	api.POST("/instances/:id/interrupt", s.interruptInstance)
	api.GET("/instances/:id/logs", s.instanceLogs)
	api.GET("/instances/:id/stream", s.streamInstance)

	users := api.Group("/users/:user_id")
	users.PUT("/credentials/api-key", s.setAPIKey)
	users.DELETE("/credentials/api-key", s.deleteAPIKey)
	users.GET("/credentials/profiles", s.listProfiles)
	users.PUT("/credentials/profiles", s.saveProfile)
	users.POST("/credentials/profiles/select", s.selectProfile)
	users.DELETE("/credentials/profiles/:profile_id", s.deleteProfile)
	users.PUT("/ssh-keys", s.addSSHKey)
	users.GET("/ssh-keys", s.listSSHKeys)
	users.DELETE("/ssh-keys/:key_id", s.deleteSSHKey)
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: time.Duration(s.cfg.ReadTimeout) * time.Second,
		// WriteTimeout stays 0 unless configured: streaming responses hold
		// connections open indefinitely.
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
