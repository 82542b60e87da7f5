// Package storage persists video metadata and provides the blob and object
// stores backing the pipeline.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"vodworks/internal/media"
)

// ErrVideoExists is returned when a video id is created twice.
var ErrVideoExists = errors.New("video already exists")

// VideoRepository stores immutable video metadata captured at ingestion.
// DeleteVideo exists for ingestion compensation only; a video that reached the
// queue is never removed.
type VideoRepository interface {
	CreateVideo(ctx context.Context, video media.Video) error
	GetVideo(ctx context.Context, id string) (media.Video, bool, error)
	ListVideos(ctx context.Context) ([]media.Video, error)
	DeleteVideo(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewMemoryRepository initialises a process-local repository for tests and
// deployments without Postgres.
func NewMemoryRepository() VideoRepository {
	return &memoryRepository{videos: make(map[string]media.Video)}
}

type memoryRepository struct {
	mu     sync.RWMutex
	videos map[string]media.Video
}

func (r *memoryRepository) CreateVideo(ctx context.Context, video media.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.videos[video.ID]; exists {
		return ErrVideoExists
	}
	r.videos[video.ID] = video
	return nil
}

func (r *memoryRepository) GetVideo(ctx context.Context, id string) (media.Video, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	video, ok := r.videos[id]
	return video, ok, nil
}

func (r *memoryRepository) ListVideos(ctx context.Context) ([]media.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]media.Video, 0, len(r.videos))
	for _, video := range r.videos {
		out = append(out, video)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out, nil
}

func (r *memoryRepository) DeleteVideo(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.videos, id)
	return nil
}

func (r *memoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *memoryRepository) Close(ctx context.Context) error {
	return nil
}
