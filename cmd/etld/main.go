// Package main provides the TrialSync ETL engine daemon.
//
// It wires the catalog store, OData API client, staging loader,
// executor, orchestrator, and scheduler into a long-running process
// that dispatches extraction jobs on their configured cron schedule
// until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Trialogic/TrialSync-ETL/internal/apiclient"
	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
	"github.com/Trialogic/TrialSync-ETL/internal/executor"
	"github.com/Trialogic/TrialSync-ETL/internal/loader"
	"github.com/Trialogic/TrialSync-ETL/internal/orchestrator"
	"github.com/Trialogic/TrialSync-ETL/internal/ratelimit"
	"github.com/Trialogic/TrialSync-ETL/internal/runtimeconfig"
	"github.com/Trialogic/TrialSync-ETL/internal/scheduler"
	"github.com/Trialogic/TrialSync-ETL/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "etld"

	shutdownTimeout = 30 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg := runtimeconfig.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("etld exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("etld stopped")
}

func run(cfg *runtimeconfig.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	preflight := runtimeconfig.NewPreflight(cfg)
	if err := preflight.CheckEnvironment(); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	logger.Info("starting TrialSync ETL engine",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("environment", string(cfg.Environment)),
		slog.String("database", cfg.MaskDatabaseURL()),
		slog.Bool("dry_run", cfg.DryRun),
	)

	storageCfg := storage.LoadConfig()

	conn, err := storage.NewConnection(storageCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("closing database connection", slog.String("error", closeErr.Error()))
		}
	}()

	catalogStore := storage.NewCatalogStore(conn.DB)
	ld := loader.New(conn.DB, cfg.ETLBatchSize, cfg.MaxRetries, loader.WithWriteCheck(func() error {
		return preflight.CheckDatabaseWrite(nil)
	}))

	limiter, err := ratelimit.New(cfg.RateLimitRPS)
	if err != nil {
		return fmt.Errorf("construct rate limiter: %w", err)
	}

	defaultClient, err := apiclient.New(apiclient.Config{
		BaseURL:      cfg.CCAPIBaseURL,
		APIKey:       cfg.CCAPIKey,
		Timeout:      time.Duration(cfg.ETLTimeoutSeconds) * time.Second,
		MaxRetries:   cfg.MaxRetries,
		Limiter:      limiter,
		Logger:       logger,
		HostCheck:    preflight.CheckAPIHost,
		NetworkCheck: func() error { return preflight.CheckNetworkRequest(nil) },
	})
	if err != nil {
		return fmt.Errorf("construct default API client: %w", err)
	}

	clientFactory := newCredentialClientFactory(cfg, logger, preflight)

	exec := executor.New(catalogStore, ld, defaultClient, clientFactory, executor.Environment(cfg.Environment),
		executor.WithCheckpointInterval(cfg.CheckpointInterval),
		executor.WithParamCheckpointInterval(cfg.CheckpointParamSize),
	)

	orch := orchestrator.New(catalogStore, exec, cfg.ETLMaxParallel, cfg.DryRun)

	sched := scheduler.New(catalogStore, orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := sched.Reload(ctx); err != nil {
		return fmt.Errorf("load job schedule: %w", err)
	}

	sched.Start()

	logger.Info("scheduler started, dispatching jobs on their configured cron schedule")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	sig := <-stop

	logger.Info("received shutdown signal, draining in-flight jobs",
		slog.String("signal", sig.String()),
		slog.Duration("timeout", shutdownTimeout),
	)

	done := make(chan struct{})

	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout elapsed before in-flight jobs drained")
	}

	return nil
}

// newCredentialClientFactory builds a per-credential apiclient.Client,
// each with its own rate limiter bound to that credential's base URL,
// since a production credential may front a different CareConnect
// instance than the default client targets. Every constructed client
// carries the same preflight safety rails as the default client:
// CheckAPIHost rejects the credential's base URL outright in
// development or test, and CheckNetworkRequest guards the real request
// path as a last-resort assertion.
func newCredentialClientFactory(
	cfg *runtimeconfig.Config,
	logger *slog.Logger,
	preflight *runtimeconfig.Preflight,
) executor.ClientFactory {
	return func(cred *catalog.Credential) (*apiclient.Client, error) {
		limiter, err := ratelimit.New(cfg.RateLimitRPS)
		if err != nil {
			return nil, fmt.Errorf("construct rate limiter for credential %d: %w", cred.ID, err)
		}

		client, err := apiclient.New(apiclient.Config{
			BaseURL:      cred.BaseURL,
			APIKey:       cred.APIKey,
			Timeout:      time.Duration(cfg.ETLTimeoutSeconds) * time.Second,
			MaxRetries:   cfg.MaxRetries,
			Limiter:      limiter,
			Logger:       logger,
			HostCheck:    preflight.CheckAPIHost,
			NetworkCheck: func() error { return preflight.CheckNetworkRequest(nil) },
		})
		if err != nil {
			return nil, fmt.Errorf("construct API client for credential %d: %w", cred.ID, err)
		}

		return client, nil
	}
}
