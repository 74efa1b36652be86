package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/JeffreyAdu/church-media-automation/internal/ai"
	"github.com/JeffreyAdu/church-media-automation/internal/backfill"
	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/pipeline"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
	"github.com/JeffreyAdu/church-media-automation/internal/storage"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
	"github.com/JeffreyAdu/church-media-automation/internal/websub"
	workerproc "github.com/JeffreyAdu/church-media-automation/internal/worker"
)

func main() {
	cfg := config.Load()
	workerID := workerID()
	log, err := logger.New(cfg.LogLevel, logger.String("service", "worker"), logger.String("worker_id", workerID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, workerID); err != nil {
		log.Error("worker stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log logger.Logger, workerID string) error {
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

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	ytdlp := media.NewYTDLP(cfg)
	backfills := backfill.NewService(cfg, st, ytdlp, q, bridge, log)
	pipe := pipeline.New(cfg, pipeline.Deps{
		Store:       st,
		Fetcher:     ytdlp,
		Transcoder:  media.NewFFmpeg(cfg),
		Transcriber: media.NewWhisper(cfg),
		Analyzer:    ai.New(cfg),
		Artwork:     media.NewArtwork(cfg),
		Objects:     objects,
		Jobs:        q,
		Events:      bridge,
		Backfill:    backfills,
	})

	processor := workerproc.NewProcessor(cfg, q, log, workerID)
	processor.RegisterHandler(models.KindProcessVideo, pipe)
	processor.RegisterHandler(models.KindBackfillScan, backfills)

	renewer := websub.NewRenewer(cfg, st, websub.NewClient(cfg, st, log), log)

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := processor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return renewer.Run(gctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", logger.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		logger.Int("concurrency", cfg.WorkerConcurrency),
		logger.Duration("visibility", cfg.VisibilityTimeout),
		logger.Duration("backoff_initial", cfg.BackoffInitial))
	return g.Wait()
}

// workerID comes from WORKER_ID, else the hostname, else the pid.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
