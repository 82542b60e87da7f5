// Package ingest accepts chunked uploads, extracts source metadata, and fans
// each accepted video out into per-quality transcode tasks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vodworks/internal/media"
	"vodworks/internal/queue"
	"vodworks/internal/readiness"
	"vodworks/internal/storage"
)

// Observer receives ingestion lifecycle signals for instrumentation.
type Observer interface {
	UploadIngested()
	UploadRejected()
	TasksPublished(count int)
}

// GatewayConfig wires the gateway to its collaborators.
type GatewayConfig struct {
	Blobs     storage.BlobStore
	Prober    Prober
	Queue     queue.Queue
	Store     readiness.Store
	Videos    storage.VideoRepository
	Qualities []media.Quality
	Observer  Observer
	Logger    *slog.Logger
}

// Gateway is the single entry point for uploads. A video only becomes visible
// to the rest of the system once its bytes are durable, its metadata is
// recorded, and its full task batch is enqueued.
type Gateway struct {
	blobs     storage.BlobStore
	prober    Prober
	queue     queue.Queue
	store     readiness.Store
	videos    storage.VideoRepository
	qualities []media.Quality
	observer  Observer
	logger    *slog.Logger
}

// NewGateway validates the wiring and builds the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("ingest gateway requires a blob store")
	}
	if cfg.Prober == nil {
		return nil, errors.New("ingest gateway requires a prober")
	}
	if cfg.Queue == nil {
		return nil, errors.New("ingest gateway requires a task queue")
	}
	if cfg.Store == nil {
		return nil, errors.New("ingest gateway requires a readiness store")
	}
	if cfg.Videos == nil {
		return nil, errors.New("ingest gateway requires a video repository")
	}
	qualities := cfg.Qualities
	if len(qualities) == 0 {
		qualities = media.SupportedQualities()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		blobs:     cfg.Blobs,
		prober:    cfg.Prober,
		queue:     cfg.Queue,
		store:     cfg.Store,
		videos:    cfg.Videos,
		qualities: qualities,
		observer:  cfg.Observer,
		logger:    logger,
	}, nil
}

// StartSession allocates a video id and opens its staging blob. The caller
// streams chunks through Write in arrival order, then settles the session with
// Commit or Abort.
func (g *Gateway) StartSession() (*Session, error) {
	videoID := uuid.NewString()
	writer, err := g.blobs.Create(videoID)
	if err != nil {
		return nil, fmt.Errorf("open upload blob: %w", err)
	}
	return &Session{
		gateway: g,
		videoID: videoID,
		writer:  writer,
	}, nil
}

// Ingest streams an entire upload from r and commits it.
func (g *Gateway) Ingest(ctx context.Context, r io.Reader) (media.Video, error) {
	session, err := g.StartSession()
	if err != nil {
		return media.Video{}, err
	}
	if _, err := io.Copy(session, r); err != nil {
		_ = session.Abort()
		return media.Video{}, &IngestionError{VideoID: session.VideoID(), Err: fmt.Errorf("receive upload: %w", err)}
	}
	return session.Commit(ctx)
}

// Session owns one in-flight upload.
type Session struct {
	gateway *Gateway
	videoID string
	writer  storage.BlobWriter
	size    int64
	settled bool
}

// VideoID returns the id the upload will be published under.
func (s *Session) VideoID() string {
	return s.videoID
}

// Write appends a chunk to the staging blob.
func (s *Session) Write(p []byte) (int, error) {
	if s.settled {
		return 0, errors.New("upload session already settled")
	}
	n, err := s.writer.Write(p)
	s.size += int64(n)
	return n, err
}

// Abort discards the staged bytes. Safe to call after a failed Commit.
func (s *Session) Abort() error {
	if s.settled {
		return nil
	}
	s.settled = true
	return s.writer.Abort()
}

// Commit makes the upload durable, probes it, records its metadata, seeds the
// readiness ladder, and publishes the task batch. Fan-out is all or nothing:
// a probe or publish failure leaves no queued tasks behind, and a failed
// publish rolls the video record and readiness ladder back so the video never
// surfaces half-dispatched.
func (s *Session) Commit(ctx context.Context) (media.Video, error) {
	if s.settled {
		return media.Video{}, errors.New("upload session already settled")
	}
	s.settled = true
	g := s.gateway
	logger := g.logger.With("video_id", s.videoID)

	sourcePath, err := s.writer.Commit()
	if err != nil {
		g.reject(logger, "store upload", err)
		return media.Video{}, &IngestionError{VideoID: s.videoID, Err: fmt.Errorf("store upload: %w", err)}
	}

	meta, err := g.prober.Probe(ctx, sourcePath)
	if err != nil {
		g.reject(logger, "probe upload", err)
		return media.Video{}, &MetadataExtractionError{SourcePath: sourcePath, Err: err}
	}
	if meta.SizeBytes == 0 {
		meta.SizeBytes = s.size
	}

	video := media.Video{
		ID:               s.videoID,
		SourcePath:       sourcePath,
		SizeBytes:        meta.SizeBytes,
		DurationSeconds:  meta.DurationSeconds,
		ContainerFormat:  meta.ContainerFormat,
		SourceResolution: meta.Resolution(),
		UploadedAt:       time.Now().UTC(),
	}
	if err := g.videos.CreateVideo(ctx, video); err != nil {
		g.reject(logger, "record video", err)
		return media.Video{}, fmt.Errorf("record video %s: %w", video.ID, err)
	}

	tasks := make([]queue.Task, 0, len(g.qualities))
	for _, quality := range g.qualities {
		// Seed the ladder before publishing so a status reader never
		// sees a published task without its queued record.
		if err := g.store.SetStatus(ctx, video.ID, quality, readiness.Record{
			Status: media.JobQueued,
		}); err != nil {
			if derr := g.store.Delete(ctx, video.ID); derr != nil {
				logger.Warn("rollback readiness ladder failed", "error", derr)
			}
			if derr := g.videos.DeleteVideo(ctx, video.ID); derr != nil {
				logger.Warn("rollback video record failed", "error", derr)
			}
			g.reject(logger, "seed readiness", err)
			return media.Video{}, fmt.Errorf("seed readiness for %s: %w", video.ID, err)
		}
		tasks = append(tasks, queue.NewTask(video.ID, quality, sourcePath))
	}
	if err := g.queue.PublishAll(ctx, tasks); err != nil {
		// No task reached the queue, so the video must not surface in
		// listings or readiness lookups. Roll both records back.
		if derr := g.store.Delete(ctx, video.ID); derr != nil {
			logger.Warn("rollback readiness ladder failed", "error", derr)
		}
		if derr := g.videos.DeleteVideo(ctx, video.ID); derr != nil {
			logger.Warn("rollback video record failed", "error", derr)
		}
		g.reject(logger, "publish tasks", err)
		return media.Video{}, &DispatchError{VideoID: video.ID, Err: err}
	}

	if g.observer != nil {
		g.observer.UploadIngested()
		g.observer.TasksPublished(len(tasks))
	}
	logger.Info("upload accepted",
		"size_bytes", video.SizeBytes,
		"duration_s", video.DurationSeconds,
		"container", video.ContainerFormat,
		"tasks", len(tasks),
	)
	return video, nil
}

func (g *Gateway) reject(logger *slog.Logger, stage string, err error) {
	if g.observer != nil {
		g.observer.UploadRejected()
	}
	logger.Warn("upload rejected", "stage", stage, "error", err)
}
