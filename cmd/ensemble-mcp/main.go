// Package main is the entry point for the standalone Ensemble MCP
// server. It exposes workspace browsing and execution status tools to
// MCP-compatible clients.
//
// Three transports are supported:
//   - stdio when invoked as "ensemble-mcp stdio" (agent subprocesses)
//   - SSE (Server-Sent Events) at /sse
//   - Streamable HTTP at /mcp
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ensembleai/ensemble/internal/common/logger"
	"github.com/ensembleai/ensemble/internal/mcpserver"
)

var (
	portFlag      = flag.Int("port", 8310, "MCP server port")
	apiURLFlag    = flag.String("api-url", "http://localhost:8080", "Ensemble API URL")
	tempRootFlag  = flag.String("temp-root", "", "workspace root the admission guard is anchored to")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	cfg := mcpserver.Config{
		Port:     getEnvIntOrFlag("ENSEMBLE_MCP_PORT", *portFlag),
		APIURL:   getEnvOrFlag("ENSEMBLE_API_URL", *apiURLFlag),
		TempRoot: getEnvOrFlag("ENSEMBLE_WORKSPACE_TEMP_ROOT", *tempRootFlag),
	}

	// Stdio mode keeps stdout clean for the protocol; logs go to stderr.
	stdioMode := flag.Arg(0) == "stdio"
	outputPath := "stdout"
	if stdioMode {
		outputPath = "stderr"
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("ENSEMBLE_MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("ENSEMBLE_MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: outputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if stdioMode {
		srv := mcpserver.NewWithLogger(cfg, log)
		if err := srv.ServeStdio(); err != nil {
			log.Error("stdio transport failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	log.Info("starting ensemble-mcp",
		zap.Int("port", cfg.Port),
		zap.String("api_url", cfg.APIURL))
	run(cfg, log)
}

// run starts the HTTP transports and waits for shutdown.
func run(cfg mcpserver.Config, log *logger.Logger) {
	ctx := context.Background()
	srv, cleanup, err := mcpserver.Provide(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("MCP server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	fmt.Printf("Ensemble MCP server running on :%d\n", cfg.Port)
	fmt.Printf("Ensemble API URL: %s\n", cfg.APIURL)
	fmt.Printf("SSE endpoint: %s\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s\n", srv.StreamableHTTPEndpoint())

	waitForShutdown(log, func(ctx context.Context) {
		if err := cleanup(); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	})
}

// waitForShutdown waits for a shutdown signal and calls cleanup.
func waitForShutdown(log *logger.Logger, cleanup func(ctx context.Context)) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down ensemble-mcp...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleanup(ctx)

	log.Info("ensemble-mcp stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable value as int if set, otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}
