package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vodworks/internal/api"
	"vodworks/internal/config"
	"vodworks/internal/ingest"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/queue"
	"vodworks/internal/readiness"
	"vodworks/internal/serverutil"
	"vodworks/internal/storage"
	"vodworks/internal/transcode"
)

func main() {
	configPath := flag.String("config", "vodworks.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "vodworks: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := storage.NewFilesystemBlobStore(cfg.SourceRoot)
	if err != nil {
		return err
	}

	videos, err := buildVideoRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := videos.Close(closeCtx); err != nil {
			logger.Warn("close video repository", "error", err)
		}
	}()

	taskQueue, store, err := buildPipelineBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.Warn("close task queue", "error", err)
		}
	}()

	bus := readiness.NewBus(64)
	notifier := readiness.NewNotifier(readiness.NotifierConfig{
		Store:        store,
		Bus:          bus,
		PollInterval: cfg.Notifier.PollInterval,
		MaxWait:      cfg.Notifier.MaxWait,
		Logger:       logging.WithComponent(logger, "notifier"),
	})

	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Blobs:    blobs,
		Prober:   &ingest.FFprobeProber{Binary: cfg.FFprobePath},
		Queue:    taskQueue,
		Store:    store,
		Videos:   videos,
		Observer: recorder,
		Logger:   logging.WithComponent(logger, "ingest"),
	})
	if err != nil {
		return err
	}

	publisher := storage.NewObjectStoragePublisher(storage.ObjectStorageConfig{
		Endpoint:  cfg.ObjectStorage.Endpoint,
		Bucket:    cfg.ObjectStorage.Bucket,
		AccessKey: cfg.ObjectStorage.AccessKey,
		SecretKey: cfg.ObjectStorage.SecretKey,
		Region:    cfg.ObjectStorage.Region,
		Prefix:    cfg.ObjectStorage.Prefix,
		UseSSL:    cfg.ObjectStorage.UseSSL,
	})
	var renditionPublisher transcode.RenditionPublisher
	if publisher.Enabled() {
		renditionPublisher = publisher
	}

	pool := transcode.NewPool(transcode.PoolConfig{
		Queue:      taskQueue,
		Store:      store,
		Engine:     transcode.NewFFmpegEngine(transcode.FFmpegEngineConfig{Binary: cfg.FFmpegPath, Logger: logging.WithComponent(logger, "engine")}),
		Bus:        bus,
		Publisher:  renditionPublisher,
		Observer:   recorder,
		OutputRoot: cfg.OutputRoot,
		Workers:    cfg.Workers,
		RetryLimit: cfg.RetryLimit,
		Logger:     logging.WithComponent(logger, "worker"),
	})

	handler := &api.Handler{
		Gateway:  gateway,
		Videos:   videos,
		Store:    store,
		Notifier: notifier,
		Recorder: recorder,
		Logger:   logging.WithComponent(logger, "api"),
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return pool.Run(ctx)
	})
	group.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "backend", cfg.Backend, "workers", cfg.Workers)
		return serverutil.Run(ctx, serverutil.Config{Server: httpServer})
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildVideoRepository(ctx context.Context, cfg *config.Config) (storage.VideoRepository, error) {
	if cfg.Postgres.DSN == "" {
		return storage.NewMemoryRepository(), nil
	}
	return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:             cfg.Postgres.DSN,
		MaxConnections:  cfg.Postgres.MaxConnections,
		ConnectTimeout:  cfg.Postgres.ConnectTimeout,
		ApplicationName: "vodworks",
	})
}

func buildPipelineBackends(cfg *config.Config, logger *slog.Logger) (queue.Queue, readiness.Store, error) {
	if cfg.Backend == config.BackendMemory {
		return queue.NewMemoryQueue(cfg.QueueCapacity), readiness.NewMemoryStore(), nil
	}
	taskQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:     cfg.Redis.Addr,
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		Stream:   cfg.Redis.Stream,
		Group:    cfg.Redis.Group,
		Logger:   logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		return nil, nil, err
	}
	store, err := readiness.NewRedisStore(readiness.RedisStoreConfig{
		Addr:     cfg.Redis.Addr,
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err != nil {
		_ = taskQueue.Close()
		return nil, nil, err
	}
	return taskQueue, store, nil
}
