package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/JeffreyAdu/church-media-automation/internal/api"
	"github.com/JeffreyAdu/church-media-automation/internal/backfill"
	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
	"github.com/JeffreyAdu/church-media-automation/internal/ratelimit"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
	"github.com/JeffreyAdu/church-media-automation/internal/websub"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, logger.String("service", "api"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("api stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	bridge := events.NewBridge(rdb, log)
	defer bridge.Close()
	q := queue.NewRedisQueue(rdb, cfg)

	intake := websub.NewIntake(st, q, log)
	server := api.New(cfg, api.Deps{
		Backfills: backfill.NewService(cfg, st, media.NewYTDLP(cfg), q, bridge, log),
		Jobs:      q,
		Streams:   bridge,
		Agents:    st,
		Hub:       websub.NewClient(cfg, st, log),
		Verifier:  websub.NewVerifier(cfg, st, log),
		Intake:    intake,
		Limiter:   ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
	}, log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", logger.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if werr := intake.Wait(shutdownCtx); werr != nil {
			log.Warn("notification intake did not drain", logger.Error(werr))
		}
		return err
	})
	return g.Wait()
}
