package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pagecite/pagecite/internal/auth"
	"github.com/pagecite/pagecite/internal/blob"
	"github.com/pagecite/pagecite/internal/catalog"
	"github.com/pagecite/pagecite/internal/chat"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/embeddings"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/health"
	"github.com/pagecite/pagecite/internal/httpapi"
	"github.com/pagecite/pagecite/internal/ingest"
	_ "github.com/pagecite/pagecite/internal/metrics" // collector registration
	"github.com/pagecite/pagecite/internal/quiz"
	"github.com/pagecite/pagecite/internal/ratecontrol"
	"github.com/pagecite/pagecite/internal/registry"
	"github.com/pagecite/pagecite/internal/retrieval"
	"github.com/pagecite/pagecite/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing is a no-op unless an OTLP endpoint is configured.
	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, caching disabled until it recovers", zap.Error(err))
		}
	}

	store, err := catalog.NewClient(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to catalog database", zap.Error(err))
	}
	defer store.Close()

	pacer := ratecontrol.NewPacer(cfg.RateLimits, logger)

	embedder := embeddings.NewService(cfg.Embeddings, cfg.Redis.CacheTTL, rdb, pacer, logger)
	defer embedder.Close()

	reg := registry.New(store, cfg.Registry, logger)
	if err := reg.Start(ctx); err != nil {
		logger.Fatal("Failed to start document registry", zap.Error(err))
	}
	defer reg.Stop()

	engine := retrieval.NewEngine(store, cfg.Retrieval, logger)
	generator := generation.NewService(cfg.Generation, pacer, logger)
	blobs := blob.NewClient(cfg.Blob, logger)

	pipeline, err := ingest.New(cfg.Ingest, store, embedder, generator, blobs, reg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize ingestion pipeline", zap.Error(err))
	}

	quizModel := cfg.Ingest.SummaryModel
	if quizModel == "" {
		quizModel = generator.DefaultModel()
	}
	quizzes := quiz.New(store, generator, rdb, quizModel, logger)

	verifier := auth.NewVerifier(cfg.Auth, logger)

	checker := health.NewChecker(logger)
	checker.Register("database", true, store.Ping)
	if rdb != nil {
		checker.Register("redis", false, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	coordinator := chat.New(reg, embedder, engine, generator, store, cfg.Retrieval, logger)

	api := httpapi.NewServer(coordinator, reg, quizzes, store, blobs, pipeline, store, checker, cfg, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := httpapi.CORSMiddleware(cfg.Service.AllowedOrigins)(
		httpapi.LoggingMiddleware(logger)(
			verifier.Middleware(mux)))

	// WriteTimeout stays zero: SSE responses hold the connection open for
	// the full generation.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:     handler,
		ReadTimeout: cfg.Service.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	watcher := startConfigWatcher(cfg, level, logger)
	if watcher != nil {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Service.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete, closing connections", zap.Error(err))
		srv.Close()
	}

	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("Shutdown complete")
}

// buildLogger maps the logging config onto a zap production or console
// logger. The returned atomic level lets hot reloads adjust verbosity.
func buildLogger(cfg config.LoggingConfig) (zap.AtomicLevel, *zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return level, nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level.SetLevel(parsed)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		return level, nil, err
	}
	return level, logger, nil
}

// startConfigWatcher hot-reloads tunables from the config file. Only the log
// level is applied live; connection settings stay fixed until restart.
func startConfigWatcher(initial *config.Config, level zap.AtomicLevel, logger *zap.Logger) *config.Watcher {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/pagecite.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher := config.NewWatcher(path, initial, logger)
	watcher.OnChange(func(next *config.Config) {
		if next.Logging.Level == "" {
			return
		}
		parsed, err := zapcore.ParseLevel(next.Logging.Level)
		if err != nil {
			logger.Warn("Ignoring invalid log level from reload", zap.String("level", next.Logging.Level))
			return
		}
		level.SetLevel(parsed)
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
		return nil
	}
	return watcher
}
