// Package readiness tracks per-video, per-quality job state and lets clients
// wait for the moment a video becomes playable.
package readiness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vodworks/internal/media"
)

// StoreError marks a readiness read or write that did not reach the backing
// store. Workers leave the task unacknowledged when they see one, so the queue
// redelivers instead of losing the result.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("readiness store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Record is the stored state for one (video, quality) pair. Status and
// OutputPath are always written together in a single atomic update so a
// reader can never observe a ready status without its output location.
type Record struct {
	Status       media.JobStatus `json:"status"`
	OutputPath   string          `json:"outputPath,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store holds readiness records keyed by video and quality. Writes to
// different qualities of the same video are independent; a single quality's
// write is atomic and last-write-wins. Delete drops the whole ladder and is
// used to roll back a seeded video whose tasks never reached the queue.
type Store interface {
	SetStatus(ctx context.Context, videoID string, quality media.Quality, record Record) error
	GetAll(ctx context.Context, videoID string) (map[media.Quality]Record, error)
	Delete(ctx context.Context, videoID string) error
}

// NewMemoryStore initialises a process-local store for tests and
// single-process deployments.
func NewMemoryStore() Store {
	return &memoryStore{videos: make(map[string]map[media.Quality]Record)}
}

type memoryStore struct {
	mu     sync.RWMutex
	videos map[string]map[media.Quality]Record
}

func (s *memoryStore) SetStatus(ctx context.Context, videoID string, quality media.Quality, record Record) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	qualities, ok := s.videos[videoID]
	if !ok {
		qualities = make(map[media.Quality]Record)
		s.videos[videoID] = qualities
	}
	qualities[quality] = record
	return nil
}

func (s *memoryStore) GetAll(ctx context.Context, videoID string) (map[media.Quality]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qualities, ok := s.videos[videoID]
	if !ok {
		return map[media.Quality]Record{}, nil
	}
	out := make(map[media.Quality]Record, len(qualities))
	for quality, record := range qualities {
		out[quality] = record
	}
	return out, nil
}

func (s *memoryStore) Delete(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.videos, videoID)
	return nil
}

// AnyReady reports whether at least one quality has a finished rendition.
func AnyReady(records map[media.Quality]Record) bool {
	for _, record := range records {
		if record.Status == media.JobReady {
			return true
		}
	}
	return false
}

// AllSettled reports whether every supported quality reached a terminal
// state. The ladder may have settled entirely in failure; callers combine
// this with AnyReady to learn the outcome.
func AllSettled(records map[media.Quality]Record) bool {
	if len(records) == 0 {
		return false
	}
	for _, quality := range media.SupportedQualities() {
		record, ok := records[quality]
		if !ok || !record.Status.Terminal() {
			return false
		}
	}
	return true
}
