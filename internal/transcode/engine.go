// Package transcode runs the worker pool that turns queued tasks into
// playable renditions through a pluggable codec engine.
package transcode

import (
	"context"
	"fmt"

	"vodworks/internal/media"
)

// Artifact locates the segmented output of a finished encode.
type Artifact struct {
	OutputDir string
	IndexPath string
}

// Engine converts a source file into a segmented rendition for one quality.
// Implementations must only expose a complete output: either the artifact is
// fully written and playable, or an error is returned and nothing is visible
// at the output directory.
type Engine interface {
	Transcode(ctx context.Context, sourcePath string, quality media.Quality, outputDir string) (Artifact, error)
}

// EncodeError wraps an engine failure. The pipeline does not distinguish
// failure reasons; every encode error is retryable up to the ceiling.
type EncodeError struct {
	SourcePath string
	Quality    media.Quality
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s as %s: %v", e.SourcePath, e.Quality, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
