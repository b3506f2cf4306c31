package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/edgeee/conversations/api"
	"github.com/edgeee/conversations/api/validator"
	"github.com/edgeee/conversations/chat"
	"github.com/edgeee/conversations/config"
	"github.com/edgeee/conversations/postgres"
	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
	"github.com/edgeee/conversations/redis"
	"github.com/edgeee/conversations/storage"
)

const shutdownTimeout = 20 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := cfg.Log.Logger(os.Stdout)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	bucket, err := storage.Open(cfg.Storage.Dir, cfg.Storage.Bucket, cfg.HTTP.PublicURL, nil)
	if err != nil {
		return err
	}
	defer bucket.Close()

	var feed realtime.Feed
	if cfg.Redis.Addr != "" {
		rdb, err := redis.Connect(ctx, cfg.Redis.Addr, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		feed = rdb
		logger.Info("Using Redis realtime feed", "addr", cfg.Redis.Addr)
	} else {
		feed = realtime.NewHub(logger)
		logger.Warn("No redis.addr set, realtime events stay in this process")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := &chat.Service{
		Logger:        logger,
		Store:         pg,
		Bucket:        bucket,
		Feed:          feed,
		Cache:         querycache.New(querycache.WithStaleTime(cfg.Cache.StaleTime), querycache.WithRegisterer(reg)),
		Metrics:       chat.NewMetrics(reg),
		MaxImageBytes: cfg.Composer.MaxImageBytes,
	}
	synced, err := svc.SyncCache(ctx)
	if err != nil {
		return err
	}

	a := &api.API{
		Logger:  logger,
		Chat:    svc,
		Images:  bucket,
		Val:     validator.New(),
		Limiter: api.NewLimiter(cfg.Composer.SendsPerSecond, cfg.Composer.SendBurst),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	var syncErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case syncErr = <-synced:
		if syncErr != nil {
			logger.Error("Cache sync stopped", "error", syncErr.Error())
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("cache sync: %w", syncErr)
	}
	return nil
}
