package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"vodworks/internal/media"
	"vodworks/internal/queue"
	"vodworks/internal/readiness"
)

// Observer receives job lifecycle signals for instrumentation. All methods
// must be safe for concurrent use.
type Observer interface {
	TranscodeStarted(quality string)
	TranscodeCompleted(quality string)
	TranscodeRetried(quality string)
	TranscodeFailed(quality string)
}

// RenditionPublisher mirrors a finished rendition directory to an external
// store. Publishing is best-effort and never blocks job completion.
type RenditionPublisher interface {
	PublishDirectory(ctx context.Context, localDir, keyPrefix string) error
}

// PoolConfig wires a worker pool to its collaborators.
type PoolConfig struct {
	Queue      queue.Queue
	Store      readiness.Store
	Engine     Engine
	Bus        readiness.Bus
	Publisher  RenditionPublisher
	Observer   Observer
	OutputRoot string
	Workers    int
	RetryLimit int
	Logger     *slog.Logger
}

const (
	defaultWorkers    = 2
	defaultRetryLimit = 2
)

// Pool consumes tasks with a fixed number of workers, each running one encode
// at a time. Concurrency is bounded by the worker count, matching the number
// of encoder sessions the host is expected to sustain.
type Pool struct {
	queue      queue.Queue
	store      readiness.Store
	engine     Engine
	bus        readiness.Bus
	publisher  RenditionPublisher
	observer   Observer
	outputRoot string
	workers    int
	retryLimit int
	logger     *slog.Logger
}

// NewPool applies defaults and builds the pool.
func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	retryLimit := cfg.RetryLimit
	if retryLimit < 0 {
		retryLimit = defaultRetryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:      cfg.Queue,
		store:      cfg.Store,
		engine:     cfg.Engine,
		bus:        cfg.Bus,
		publisher:  cfg.Publisher,
		observer:   cfg.Observer,
		outputRoot: cfg.OutputRoot,
		workers:    workers,
		retryLimit: retryLimit,
		logger:     logger,
	}
}

// Run blocks until the context is cancelled, consuming deliveries with the
// configured number of workers over a shared subscription.
func (p *Pool) Run(ctx context.Context) error {
	sub, err := p.queue.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe to task queue: %w", err)
	}
	defer sub.Close()

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case delivery, ok := <-sub.Deliveries():
					if !ok {
						return nil
					}
					p.process(ctx, delivery)
				}
			}
		})
	}
	<-ctx.Done()
	sub.Close()
	return group.Wait()
}

// process drives one delivery through the task state machine. The readiness
// store write always precedes the queue ack: a crash between the two causes
// a redelivery, never an acknowledged task with invisible output.
func (p *Pool) process(ctx context.Context, delivery queue.Delivery) {
	task := delivery.Task()
	logger := p.logger.With("video_id", task.VideoID, "quality", string(task.Quality))

	records, err := p.store.GetAll(ctx, task.VideoID)
	if err != nil {
		logger.Error("readiness lookup failed, leaving task for redelivery", "error", err)
		return
	}
	record := records[task.Quality]
	if record.Status == media.JobReady {
		// Redelivered after a completed run; the output already exists.
		if err := delivery.Ack(ctx); err != nil {
			logger.Warn("ack of completed task failed", "error", err)
		}
		return
	}
	if record.Status == media.JobFailed {
		if err := delivery.Ack(ctx); err != nil {
			logger.Warn("ack of failed task failed", "error", err)
		}
		return
	}

	// Marking the job processing is an idempotent overwrite; a previous
	// delivery may have reached this point before crashing.
	if err := p.store.SetStatus(ctx, task.VideoID, task.Quality, readiness.Record{
		Status:       media.JobProcessing,
		AttemptCount: record.AttemptCount,
	}); err != nil {
		logger.Error("mark processing failed, leaving task for redelivery", "error", err)
		return
	}

	if p.observer != nil {
		p.observer.TranscodeStarted(string(task.Quality))
	}
	outputDir := filepath.Join(p.outputRoot, task.VideoID, string(task.Quality))
	started := time.Now()
	artifact, encodeErr := p.engine.Transcode(ctx, task.SourcePath, task.Quality, outputDir)
	if encodeErr != nil {
		p.handleFailure(ctx, delivery, task, record.AttemptCount, encodeErr, logger)
		return
	}

	// Store write must be confirmed before the ack. Status and output
	// path travel in one record so readers never see one without the
	// other.
	if err := p.store.SetStatus(ctx, task.VideoID, task.Quality, readiness.Record{
		Status:       media.JobReady,
		OutputPath:   artifact.IndexPath,
		AttemptCount: record.AttemptCount,
	}); err != nil {
		logger.Error("readiness write failed, leaving task for redelivery", "error", err)
		// The encode session ended even though the job did not settle.
		if p.observer != nil {
			p.observer.TranscodeRetried(string(task.Quality))
		}
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		logger.Warn("ack after completion failed", "error", err)
	}
	if p.observer != nil {
		p.observer.TranscodeCompleted(string(task.Quality))
	}
	logger.Info("rendition ready",
		"output", artifact.IndexPath,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if p.bus != nil {
		p.bus.Publish(readiness.StatusEvent{
			VideoID:    task.VideoID,
			Quality:    task.Quality,
			Status:     media.JobReady,
			OutputPath: artifact.IndexPath,
		})
	}
	if p.publisher != nil {
		prefix := task.VideoID + "/" + string(task.Quality)
		if err := p.publisher.PublishDirectory(ctx, artifact.OutputDir, prefix); err != nil {
			logger.Warn("rendition publish failed", "error", err)
		}
	}
}

// handleFailure applies the bounded retry policy: requeue while the attempt
// count stays at or under the ceiling, otherwise settle the job as failed and
// stop redelivery.
func (p *Pool) handleFailure(ctx context.Context, delivery queue.Delivery, task queue.Task, previousAttempts int, encodeErr error, logger *slog.Logger) {
	attempts := previousAttempts + 1
	if attempts <= p.retryLimit {
		if err := p.store.SetStatus(ctx, task.VideoID, task.Quality, readiness.Record{
			Status:       media.JobQueued,
			AttemptCount: attempts,
		}); err != nil {
			logger.Error("record retry failed, leaving task for redelivery", "error", err)
			if p.observer != nil {
				p.observer.TranscodeRetried(string(task.Quality))
			}
			return
		}
		if err := delivery.Requeue(ctx); err != nil {
			logger.Error("requeue failed, task stays unacknowledged for redelivery", "error", err)
			if p.observer != nil {
				p.observer.TranscodeRetried(string(task.Quality))
			}
			return
		}
		if p.observer != nil {
			p.observer.TranscodeRetried(string(task.Quality))
		}
		logger.Warn("encode failed, requeued", "attempt", attempts, "error", encodeErr)
		return
	}

	if err := p.store.SetStatus(ctx, task.VideoID, task.Quality, readiness.Record{
		Status:       media.JobFailed,
		AttemptCount: attempts,
	}); err != nil {
		logger.Error("record failure failed, leaving task for redelivery", "error", err)
		if p.observer != nil {
			p.observer.TranscodeRetried(string(task.Quality))
		}
		return
	}
	if err := delivery.Ack(ctx); err != nil {
		logger.Warn("ack of exhausted task failed", "error", err)
	}
	if p.observer != nil {
		p.observer.TranscodeFailed(string(task.Quality))
	}
	logger.Error("encode failed permanently", "attempts", attempts, "error", encodeErr)

	if p.bus != nil {
		p.bus.Publish(readiness.StatusEvent{
			VideoID: task.VideoID,
			Quality: task.Quality,
			Status:  media.JobFailed,
		})
	}
}
