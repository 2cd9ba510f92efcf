package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/cache"
	"github.com/vendorflow/vendorflow/internal/platform/config"
	"github.com/vendorflow/vendorflow/internal/platform/http/auth"
	"github.com/vendorflow/vendorflow/internal/platform/http/server"
	"github.com/vendorflow/vendorflow/internal/platform/metrics"
	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(config.FlagOverrides{
				ListenAddr:    changed(cmd, "listen"),
				PublicOrigin:  changed(cmd, "public-origin"),
				LoggingLevel:  changed(cmd, "logging-level"),
				StorageDriver: changed(cmd, "storage-driver"),
				DataDir:       changed(cmd, "data-dir"),
				RequireGrant:  changed(cmd, "require-grant"),
			})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("public-origin", "", "Public origin share links are built on (overrides config)")
	cmd.Flags().String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	cmd.Flags().String("storage-driver", "", "Storage driver: memory, json, sqlite, postgres (overrides config)")
	cmd.Flags().String("data-dir", "", "Data directory for file-backed drivers (overrides config)")
	cmd.Flags().String("require-grant", "", "Require a permission grant for root shares: true or false (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Log effective config with secrets redacted
	logger.Info("effective configuration", "config", cfg.Redacted())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		// Only reachable in dev mode; strict validation demands a secret.
		s, err := ephemeralSecret()
		if err != nil {
			return err
		}
		secret = s
		logger.Warn("auth.jwt_secret is unset; using an ephemeral secret, tokens will not survive a restart")
	}
	tokens, err := auth.NewTokens(secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	driver, err := store.New(&store.DriverConfig{
		Driver:  cfg.Storage.Driver,
		DataDir: cfg.Storage.DataDir,
		Drivers: cfg.Storage.Drivers,
	})
	if err != nil {
		return fmt.Errorf("create storage driver: %w", err)
	}
	if err := driver.Init(ctx); err != nil {
		driver.Close()
		return fmt.Errorf("initialize %s storage: %w", driver.Name(), err)
	}
	logger.Info("storage ready", "driver", driver.Name())

	// Create cache (defaults to in-memory if not configured)
	cacheDriver := cfg.Cache.Driver
	if cacheDriver == "" {
		cacheDriver = "memory"
	}
	cacheInstance, err := cache.NewFromConfig(cacheDriver, cfg.Cache.Drivers)
	if err != nil {
		driver.Close()
		return fmt.Errorf("create cache: %w", err)
	}

	m := metrics.New()
	engine := sharing.NewEngine(driver, sharing.Options{
		RequireGrant:         cfg.Sharing.RequireGrant,
		DefaultMaxChainDepth: cfg.Sharing.DefaultMaxChainDepth,
		Observer:             m,
		Logger:               logger,
	})
	handler := api.NewHandler(engine, cfg.ShareLink, logger)
	handler.LogSensitive(cfg.Logging.AllowSensitive)

	srv, err := server.New(cfg, logger, server.Deps{
		API:     handler,
		Tokens:  tokens,
		Metrics: m,
		Counter: cacheInstance,
	})
	if err != nil {
		cacheInstance.Close()
		driver.Close()
		return fmt.Errorf("create server: %w", err)
	}
	srv.OnShutdown("storage", driver)
	srv.OnShutdown("cache", cacheInstance)

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		runExpirySweep(ctx, engine, time.Duration(cfg.Sharing.ExpirySweepIntervalSeconds)*time.Second, logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	logger.Info("server started, press Ctrl+C to stop")

	select {
	case err := <-serveErr:
		stop()
		<-sweepDone
		srv.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	<-sweepDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.Info("server stopped")
	return nil
}

// runExpirySweep marks overdue shares expired every interval until ctx is
// done. A zero interval disables it.
func runExpirySweep(ctx context.Context, engine *sharing.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		logger.Info("expiry sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

func ephemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
