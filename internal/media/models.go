// Package media defines the domain types shared across the transcoding
// pipeline: uploaded videos, the quality ladder, and per-quality job state.
package media

import (
	"fmt"
	"strings"
	"time"
)

// Quality identifies one target resolution tier in the transcode ladder.
type Quality string

const (
	Quality360p  Quality = "360p"
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
)

// SupportedQualities returns the fixed ladder every upload is fanned out to,
// ordered from lowest to highest resolution.
func SupportedQualities() []Quality {
	return []Quality{Quality360p, Quality480p, Quality720p, Quality1080p}
}

// TargetResolution maps a quality tier to its encode dimensions.
func (q Quality) TargetResolution() string {
	switch q {
	case Quality1080p:
		return "1920x1080"
	case Quality720p:
		return "1280x720"
	case Quality480p:
		return "854x480"
	case Quality360p:
		return "640x360"
	default:
		return "640x360"
	}
}

// ParseQuality validates a wire-level quality string.
func ParseQuality(value string) (Quality, error) {
	trimmed := Quality(strings.ToLower(strings.TrimSpace(value)))
	switch trimmed {
	case Quality360p, Quality480p, Quality720p, Quality1080p:
		return trimmed, nil
	}
	return "", fmt.Errorf("unsupported quality %q", value)
}

// JobStatus tracks the lifecycle of a single quality job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobReady      JobStatus = "ready"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobReady || s == JobFailed
}

// Video describes an uploaded source. It is owned by the ingestion gateway
// until metadata extraction completes and is immutable afterwards.
type Video struct {
	ID               string    `json:"id"`
	SourcePath       string    `json:"sourcePath"`
	SizeBytes        int64     `json:"sizeBytes"`
	DurationSeconds  float64   `json:"durationSeconds"`
	ContainerFormat  string    `json:"containerFormat"`
	SourceResolution string    `json:"sourceResolution"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

// QualityJob is the unit of transcoding work for one (video, quality) pair.
// Ownership follows the queue delivery: exactly one worker transitions a job
// at a time, and reprocessing after redelivery must overwrite, not append.
type QualityJob struct {
	VideoID          string    `json:"videoId"`
	Quality          Quality   `json:"quality"`
	TargetResolution string    `json:"targetResolution"`
	SourcePath       string    `json:"sourcePath"`
	Status           JobStatus `json:"status"`
	OutputPath       string    `json:"outputPath,omitempty"`
	AttemptCount     int       `json:"attemptCount"`
}
