package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Veridian-Labs/arbiter/pkg/api"
	"github.com/Veridian-Labs/arbiter/pkg/config"
	"github.com/Veridian-Labs/arbiter/pkg/engine"
	"github.com/Veridian-Labs/arbiter/pkg/observability"
	"github.com/Veridian-Labs/arbiter/pkg/telemetry"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func runServe(_ []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitConfigFault
	}
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, cleanup, code := buildEngine(ctx, cfg, logger, true)
	if code != exitOK {
		return code
	}
	defer cleanup()

	// SIGHUP reloads the bundle. A bundle that fails validation is rejected
	// and the active one stays in force.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				graph, registry, err := loadBundle(ctx, cfg.BundlePath)
				if err != nil {
					logger.Error("reload rejected", "path", cfg.BundlePath, "error", err)
					continue
				}
				if err := eng.Reload(graph, registry); err != nil {
					logger.Error("reload rejected", "path", cfg.BundlePath, "error", err)
				}
			}
		}
	}()

	var provider *observability.Provider
	if cfg.OTLP.Enabled {
		provider, err = observability.New(ctx, &observability.Config{
			ServiceName:    "arbiter",
			ServiceVersion: eng.Graph().Version,
			OTLPEndpoint:   cfg.OTLP.Endpoint,
			Insecure:       cfg.OTLP.Insecure,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "arbiter: observability: %v\n", err)
			return exitInfraFault
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(eng, logger, limiter, provider).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("arbiter serving",
		"addr", cfg.ListenAddr,
		"bundle", cfg.BundlePath,
		"bundle_hash", eng.Graph().Hash,
		"policy_version", eng.Graph().Version,
	)
	_, _ = fmt.Fprintf(stdout, "listening on %s\n", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return exitInfraFault
		}
		logger.Info("arbiter stopped")
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		logger.Error("server failed", "error", err)
		return exitInfraFault
	}
}

// buildSinks assembles the configured telemetry sinks.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]telemetry.Sink, func(), error) {
	var sinks []telemetry.Sink
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Telemetry.SQLDSN != "" {
		db, err := sql.Open(cfg.Telemetry.DriverName(), cfg.Telemetry.SQLDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open ledger: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		ledger, err := telemetry.NewSQLLedger(ctx, db)
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, ledger)
	}
	if cfg.Telemetry.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Telemetry.RedisAddr,
			DB:   cfg.Telemetry.RedisDB,
		})
		sinks = append(sinks, telemetry.NewRedisSink(client, "", 0))
	}
	if cfg.Telemetry.FilePath != "" {
		f, err := os.OpenFile(cfg.Telemetry.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open telemetry file: %w", err)
		}
		sinks = append(sinks, telemetry.NewFileSink(f))
	}
	if len(sinks) == 0 {
		logger.Warn("no telemetry sinks configured, decisions are not persisted")
	}
	return sinks, cleanup, nil
}

// buildEngine loads the bundle and assembles the engine. With telemetry
// false (offline commands) no sinks or dispatcher are attached.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, withTelemetry bool) (*engine.Engine, func(), int) {
	graph, registry, err := loadBundle(ctx, cfg.BundlePath)
	if err != nil {
		logger.Error("bundle rejected", "path", cfg.BundlePath, "error", err)
		return nil, func() {}, exitConfigFault
	}

	kr, issuer, err := buildKeyring(cfg.KeySeedHex)
	if err != nil {
		logger.Error("keyring init failed", "error", err)
		return nil, func() {}, exitInfraFault
	}

	opts := engine.Options{
		Registry:  registry,
		Evaluator: newEvaluator(cfg, logger),
		Keyring:   kr,
		Issuer:    issuer,
		Logger:    logger,
	}

	cleanup := func() {}
	if withTelemetry {
		sinks, closeSinks, err := buildSinks(ctx, cfg, logger)
		if err != nil {
			closeSinks()
			logger.Error("telemetry init failed", "error", err)
			return nil, func() {}, exitInfraFault
		}
		dispatcher := telemetry.NewDispatcher(cfg.Telemetry.QueueDepth, logger, sinks...)
		opts.Dispatcher = dispatcher
		cleanup = func() {
			_ = dispatcher.Close()
			closeSinks()
		}
	}

	eng, err := engine.New(graph, opts)
	if err != nil {
		cleanup()
		logger.Error("engine init failed", "error", err)
		return nil, func() {}, exitConfigFault
	}
	return eng, cleanup, exitOK
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
