package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/pdfqueue-back/internal/config"
	httpserver "github.com/iago/pdfqueue-back/internal/http"
	"github.com/iago/pdfqueue-back/internal/http/handlers"
	"github.com/iago/pdfqueue-back/internal/reference"
	"github.com/iago/pdfqueue-back/internal/repository"
	"github.com/iago/pdfqueue-back/internal/service"
	"github.com/iago/pdfqueue-back/internal/storage"
)

func main() {
	logger := log.New(os.Stdout, "[pdfqueue] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	loaded, err := config.LoadDotEnv(".env", ".env.local")
	if err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	if len(loaded) > 0 {
		logger.Printf("loaded env files %v", loaded)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := setupStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("store close failed: %v", err)
		}
	}()

	presenceStore, presenceCloser := setupPresence(ctx, cfg, store, logger)
	defer presenceCloser()

	uploads, err := storage.NewLocalStorage(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatalf("failed to prepare upload dir: %v", err)
	}

	mirror, err := reference.NewMirror(ctx, reference.Config{
		DatabaseURL: cfg.ReferenceDatabaseURL,
		Timeout:     cfg.ReferenceTimeout,
		CacheTTL:    cfg.ReferenceCacheTTL,
	})
	if err != nil {
		logger.Printf("reference mirror unavailable, lookups will fail: %v", err)
		mirror, _ = reference.NewMirror(ctx, reference.Config{Timeout: cfg.ReferenceTimeout})
	}
	defer mirror.Close()
	if !mirror.Configured() {
		logger.Printf("REFERENCE_DATABASE_URL not configured, reference lookups disabled")
	}

	validator, err := service.NewPayloadValidator()
	if err != nil {
		logger.Fatalf("failed to compile payload schemas: %v", err)
	}

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:      service.NewJobsService(store, logger),
		Ingest:    service.NewIngestService(store, store, logger),
		Presence:  service.NewPresenceService(presenceStore),
		Export:    service.NewExportService(store, cfg.ExportMaxRows, logger),
		Validator: validator,
		Storage:   uploads,
		Reference: mirror,
		Logger:    logger,
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		Ctx:            ctx,
		API:            api,
		Logger:         logger,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s store=%s", cfg.Port, cfg.StoreDriver)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// setupStore opens the configured store. An unreachable postgres falls back
// to memory; a sqlite file that cannot be opened is fatal.
func setupStore(ctx context.Context, cfg config.Config, logger *log.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Printf("using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), nil
	case config.StoreSQLite:
		store, err := repository.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Printf("sqlite store initialized path=%s", cfg.SQLitePath)
		return store, nil
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			logger.Printf("DATABASE_URL not configured, using in-memory store")
			return repository.NewMemoryStore(), nil
		}
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Printf("failed to initialize postgres store, fallback to memory: %v", err)
			return repository.NewMemoryStore(), nil
		}
		logger.Printf("postgres store initialized")
		return store, nil
	default:
		logger.Printf("unknown STORE_DRIVER %q, using in-memory store", cfg.StoreDriver)
		return repository.NewMemoryStore(), nil
	}
}

func setupPresence(
	ctx context.Context,
	cfg config.Config,
	fallback repository.PresenceStore,
	logger *log.Logger,
) (repository.PresenceStore, func()) {
	if cfg.RedisAddr == "" {
		return fallback, func() {}
	}

	presence, err := repository.NewRedisPresenceStore(ctx, repository.RedisPresenceConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPresencePrefix,
	})
	if err != nil {
		logger.Printf("failed to initialize redis presence, fallback to store: %v", err)
		return fallback, func() {}
	}
	logger.Printf("redis presence initialized addr=%s", cfg.RedisAddr)
	return presence, func() {
		_ = presence.Close()
	}
}
