// Storyd is the work coordination daemon: a prioritized,
// dependency-aware backlog with contract-validated stage handoffs.
//
// This binary starts the storyd HTTP server with full engine
// initialization, including the optional NATS event mirror and
// OpenTelemetry metrics export.
//
// Configuration is loaded from ~/.config/storyd/config.yaml and
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	storyd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 NATS_ENABLED=true storyd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/storyd/internal/config"
	"github.com/fyrsmithlabs/storyd/internal/engine"
	"github.com/fyrsmithlabs/storyd/internal/escalation"
	"github.com/fyrsmithlabs/storyd/internal/eventbus"
	"github.com/fyrsmithlabs/storyd/internal/logging"
	"github.com/fyrsmithlabs/storyd/internal/pipeline"
	"github.com/fyrsmithlabs/storyd/internal/telemetry"
	"github.com/fyrsmithlabs/storyd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/storyd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  storyd           Start the storyd daemon\n")
			fmt.Fprintf(os.Stderr, "  storyd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("storyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the storyd server and blocks until the context is
// cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to NATS (optional event mirror)
//  4. Builds the coordination engine
//  5. Starts the HTTP server
//  6. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting storyd",
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Endpoint,
		Protocol:       cfg.Observability.Protocol,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	policy := pipeline.NewRetryPolicy(cfg.Pipeline.DefaultRetryCap, cfg.RetryCaps())
	eng := engine.New(engine.Options{
		Logger: logger,
		Retry:  &policy,
		Escalation: escalation.Config{
			ReasonWindow:     cfg.Escalation.ReasonWindow,
			DecisionDeadline: cfg.Escalation.DecisionDeadline,
		},
	})

	if nc != nil {
		bridge := eventbus.NewBridge(nc, func(e eventbus.Event, err error) {
			logger.Warn(ctx, "failed to mirror event to NATS",
				zap.String("event_id", e.ID),
				zap.String("story_id", e.StoryID),
				zap.Error(err))
		})
		bridge.Attach(eng.Bus())
		logger.Info(ctx, "event mirror attached")
	}

	srv, err := server.NewServer(eng, nc, logger, &server.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initLogger initializes the structured logger from configuration.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": cfg.Observability.ServiceName},
	})
}
