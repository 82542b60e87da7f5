package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vodworks/internal/media"
)

// TaskSchemaVersion is embedded in every task payload so adapters can reject
// messages produced by an incompatible writer before handing them to a worker.
const TaskSchemaVersion = 1

// Task is the wire representation of a quality-job transition request. It is
// immutable once published; the queue delivers it at least once and consumers
// must tolerate duplicates.
type Task struct {
	SchemaVersion int           `json:"schemaVersion"`
	VideoID       string        `json:"videoId"`
	Quality       media.Quality `json:"quality"`
	SourcePath    string        `json:"sourcePath"`
}

// NewTask builds a task for the current schema version.
func NewTask(videoID string, quality media.Quality, sourcePath string) Task {
	return Task{
		SchemaVersion: TaskSchemaVersion,
		VideoID:       videoID,
		Quality:       quality,
		SourcePath:    sourcePath,
	}
}

// Validate checks the payload shape before processing.
func (t Task) Validate() error {
	if t.SchemaVersion != TaskSchemaVersion {
		return fmt.Errorf("unsupported task schema version %d", t.SchemaVersion)
	}
	if strings.TrimSpace(t.VideoID) == "" {
		return errors.New("task video id is required")
	}
	if _, err := media.ParseQuality(string(t.Quality)); err != nil {
		return err
	}
	if strings.TrimSpace(t.SourcePath) == "" {
		return errors.New("task source path is required")
	}
	return nil
}

// EncodeTask serialises a task for transport.
func EncodeTask(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// DecodeTask parses and validates a task payload.
func DecodeTask(payload []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return Task{}, fmt.Errorf("invalid task: %w", err)
	}
	return task, nil
}
