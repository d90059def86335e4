package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var positions tracking.Positions = tracking.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		positions = tracking.NewRedisPositions(rc, cfg.RedisGeoKey)
	}

	svc := &booking.Service{
		Store:        store,
		Matcher:      &matcher.Service{Source: store, BatchSize: cfg.MatchBatchSize, Logger: logger},
		Positions:    positions,
		DefaultLimit: cfg.MatchDefaultLimit,
		MaxLimit:     cfg.MatchMaxLimit,
		Logger:       logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		svc.Publisher = kp
	}

	ws := dispatch.NewWSRegistry()
	svc.Notifier = dispatch.NewPushDispatcher(cfg.PushWebhookURL, ws)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, ws, []byte(cfg.JWTSecret), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

// openStore connects to Postgres when PG_DSN is set and otherwise keeps everything in memory.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.TxMaxAttempts, cfg.TxRetryDelay)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		applied, err := storage.Migrate(ctx, ps.DB())
		if err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, func() { _ = ps.Close() }, nil
}
