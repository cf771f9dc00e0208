package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walink/internal/config"
	"walink/internal/constants"
	"walink/internal/database"
	"walink/internal/ingest"
	"walink/internal/metrics"
	"walink/internal/models"
	"walink/internal/retry"
	"walink/internal/security"
	"walink/internal/service"
	"walink/internal/tracing"
	"walink/pkg/circuitbreaker"
	"walink/pkg/provider"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultConfigPath = "config.json"

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", defaultConfigPath, "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("walink %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadEnvFiles(".env"); err != nil {
		return err
	}

	// the default path may be absent when everything comes from the environment
	cfg, err := config.LoadConfig(*configPath, *configPath == defaultConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	closeLog, err := configureLogger(logger, cfg, *verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting walink")

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = Version
	}
	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database, logger)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	registry := metrics.GetRegistry()

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "provider",
		MaxFailures: uint32(cfg.Provider.BreakerMaxFailure),
		Timeout:     time.Duration(cfg.Provider.BreakerTimeoutSec) * time.Second,
		IsFailure:   provider.CountsAgainstBreaker,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.RecordBreakerTransition(registry, name, to.String())
		},
		Logger: logger,
	})

	gateway := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        time.Duration(cfg.Provider.TimeoutSec) * time.Second,
		Integration:    cfg.Provider.Integration,
		WebhookURL:     cfg.Provider.WebhookURL,
		WebhookHeaders: webhookHeaders(cfg),
		Breaker:        breaker,
		Logger:         logger,
		OnCall: func(op string, statusCode int, d time.Duration, err error) {
			metrics.RecordProviderCall(registry, op, statusCode, d, err)
		},
	})

	orchestrator := service.NewOrchestrator(db, gateway, service.TimingsFromConfig(cfg.Pairing), logger, registry)

	forwarder, closeForwarder, err := newForwarder(cfg.Forwarder, logger, registry)
	if err != nil {
		return err
	}
	defer closeForwarder()

	reconciler := service.NewReconciler(db, forwarder, logger, registry)

	if cfg.Sweeper.Enabled {
		sweeper, err := service.NewSweeper(db, cfg.Sweeper, logger, registry)
		if err != nil {
			return fmt.Errorf("failed to create sweeper: %w", err)
		}
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
			defer cancel()
			sweeper.Stop(stopCtx)
		}()
	}

	server := NewServer(cfg, Dependencies{
		Orchestrator: orchestrator,
		Reconciler:   reconciler,
		Store:        db,
		Breaker:      breaker,
		Registry:     registry,
		Verbose:      *verbose,
	}, logger)

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// configureLogger sets the level and, when a log file is configured, tees
// output into a rotated file. The returned func closes that file.
func configureLogger(logger *logrus.Logger, cfg *models.Config, verbose bool) (func(), error) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	if cfg.LogFile.Path == "" {
		return func() {}, nil
	}
	if err := security.ValidateFilePath(cfg.LogFile.Path); err != nil {
		return nil, fmt.Errorf("invalid log file path: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile.Path,
		MaxSize:    cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return func() { _ = rotator.Close() }, nil
}

// webhookHeaders are registered with every created instance so the
// provider authenticates its callbacks
func webhookHeaders(cfg *models.Config) map[string]string {
	if cfg.Server.WebhookSecret == "" {
		return nil
	}
	return map[string]string{security.APIKeyHeader: cfg.Server.WebhookSecret}
}

// newForwarder builds the messages.upsert hand-off: AMQP when a broker is
// configured, logging otherwise, always behind the bounded async pool
func newForwarder(cfg models.ForwarderConfig, logger *logrus.Logger, registry *metrics.Registry) (*ingest.AsyncForwarder, func(), error) {
	var (
		next      ingest.Forwarder
		closeNext = func() {}
	)
	if cfg.AMQPURL != "" {
		amqpForwarder, err := ingest.NewAMQPForwarder(cfg.AMQPURL, cfg.Queue, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect message broker: %w", err)
		}
		next = amqpForwarder
		closeNext = func() {
			if err := amqpForwarder.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close message broker connection")
			}
		}
	} else {
		logger.Info("No message broker configured, messages.upsert payloads will only be logged")
		next = ingest.NewLogForwarder(logger)
	}

	async, err := ingest.NewAsyncForwarder(next, cfg.PoolSize, logger, registry)
	if err != nil {
		closeNext()
		return nil, nil, fmt.Errorf("failed to create forwarder pool: %w", err)
	}
	return async, func() {
		if err := async.Close(time.Duration(constants.DefaultGracefulShutdownSec) * time.Second); err != nil {
			logger.WithError(err).Warn("Forwarder did not drain before shutdown")
		}
		closeNext()
	}, nil
}
