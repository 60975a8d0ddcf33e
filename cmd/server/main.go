// Package main is the entry point for the queryflow server binary.
// It loads configuration, opens the SQLite result cache, wires the
// pipeline stack, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/elbrit-dev/queryflow/internal/api"
	"github.com/elbrit-dev/queryflow/internal/app"
	"github.com/elbrit-dev/queryflow/internal/config"
	internaldb "github.com/elbrit-dev/queryflow/internal/db"
	"github.com/elbrit-dev/queryflow/internal/middleware"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file (if present)
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Open the SQLite cache with hardened connection settings.
	// writeDB: single-connection pool for serialized writes (WAL + txlock=immediate).
	// readDB:  4-connection pool for concurrent reads (WAL, no txlock).
	writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.CacheDBPath, 4)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer writeDB.Close()
	defer readDB.Close()

	// Run migrations on the write pool (DDL requires write access)
	if err := internaldb.RunMigrations(writeDB); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}

	application, err := app.New(app.Deps{
		Cfg:     cfg,
		WriteDB: writeDB,
		ReadDB:  readDB,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		return err
	}
	defer application.Stop()

	var validator middleware.JWTValidator
	if cfg.Auth.Enabled {
		v, err := middleware.NewHS256Validator(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.NameClaim)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = v
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	handler := api.NewHandler(application.Pipeline, application.Detector, logger)
	router := api.NewRouter(api.RouterConfig{
		Handler:     handler,
		Validator:   validator,
		RateLimiter: limiter,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	serve := srv.ListenAndServe
	scheme := "http"
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		serve = func() error {
			return srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		}
		scheme = "https"
	}
	logger.Info("queryflow listening",
		"addr", cfg.ListenAddr,
		"tls", scheme == "https",
		"probe", fmt.Sprintf("curl -s %s://%s/healthz", scheme, curlHostForListenAddr(cfg.ListenAddr)),
	)
	if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// curlHostForListenAddr turns a listen address into something a local curl
// can reach: wildcard and empty hosts become localhost, everything else is
// passed through.
func curlHostForListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		return "localhost:" + port
	}
	return net.JoinHostPort(host, port)
}
