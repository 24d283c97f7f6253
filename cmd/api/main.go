package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kunalverma25/chatmeter/internal/auth"
	"github.com/kunalverma25/chatmeter/internal/cache"
	"github.com/kunalverma25/chatmeter/internal/config"
	"github.com/kunalverma25/chatmeter/internal/events"
	"github.com/kunalverma25/chatmeter/internal/ledger"
	"github.com/kunalverma25/chatmeter/internal/logging"
	"github.com/kunalverma25/chatmeter/internal/metrics"
	"github.com/kunalverma25/chatmeter/internal/storage"
	"github.com/kunalverma25/chatmeter/internal/store"
	"github.com/kunalverma25/chatmeter/internal/tracing"
	"github.com/kunalverma25/chatmeter/pkg/models"
)

// API bundles the dependencies the HTTP handlers need
type API struct {
	cfg     *config.Config
	auth    *auth.Manager
	ledger  *ledger.Ledger
	storage *storage.Storage
	logger  *logging.Logger
	tracing bool
}

func main() {
	// CONFIG_PATH is optional; without it the service runs from
	// environment variables and defaults
	configPath := os.Getenv("CONFIG_PATH")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Tracing
	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("failed to initialize tracing: %v", err)
		}
		defer closer.Close()
		logger.Info("tracing enabled")
	}

	// Persistent store; a corrupt snapshot is fatal here, before any
	// request can observe it
	st, err := store.Open(cfg.Store.DataDir, models.Settings{DefaultQuota: cfg.Store.DefaultQuota}, logger)
	if err != nil {
		logger.Fatalf("failed to open store: %v", err)
	}

	// Optional quota cache
	var quotaCache ledger.QuotaCache
	if cfg.Redis.Enabled {
		c, err := cache.New(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			logger.Fatalf("failed to connect to Redis: %v", err)
		}
		defer c.Close()
		quotaCache = c
		logger.Info("quota cache enabled")
	}

	// Optional usage-event publisher
	var publisher ledger.EventPublisher
	if cfg.Events.Enabled {
		p, err := events.New(cfg.Events)
		if err != nil {
			logger.Fatalf("failed to connect to event broker: %v", err)
		}
		defer p.Close()
		publisher = p
		logger.Info("usage events enabled")
	}

	// Optional avatar storage
	var avatars *storage.Storage
	if cfg.Storage.Enabled {
		avatars, err = storage.New(cfg.Storage)
		if err != nil {
			logger.Fatalf("failed to initialize avatar storage: %v", err)
		}
		logger.Info("avatar storage enabled")
	}

	api := &API{
		cfg:     cfg,
		auth:    auth.NewManager(cfg.Auth),
		ledger:  ledger.New(st, quotaCache, publisher, logger),
		storage: avatars,
		logger:  logger,
		tracing: cfg.Tracing.Enabled,
	}

	router := setupRouter(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Metrics server on its own port
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Infof("starting metrics server on :%d", cfg.Metrics.Port)
			if err := metricsSrv.Start(); err != nil {
				logger.ErrorWithErr("metrics server failed", err)
			}
		}()
	}

	go func() {
		logger.Infof("starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("server forced to shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.ErrorWithErr("metrics server shutdown failed", err)
		}
	}

	logger.Info("server stopped")
}
