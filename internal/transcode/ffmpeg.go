package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"vodworks/internal/media"
)

// FFmpegEngineConfig configures the ffmpeg-backed codec engine.
type FFmpegEngineConfig struct {
	Binary string
	Logger *slog.Logger
}

// NewFFmpegEngine initialises an engine that shells out to ffmpeg for HLS
// segmentation. The encode writes into a staging directory next to the final
// target and renames on success, so a crashed or failed run never leaves a
// partial rendition at the published path.
func NewFFmpegEngine(cfg FFmpegEngineConfig) *FFmpegEngine {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegEngine{binary: binary, logger: logger}
}

// FFmpegEngine implements Engine with a single ffmpeg invocation per task.
type FFmpegEngine struct {
	binary string
	logger *slog.Logger
}

var _ Engine = (*FFmpegEngine)(nil)

func (e *FFmpegEngine) Transcode(ctx context.Context, sourcePath string, quality media.Quality, outputDir string) (Artifact, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: fmt.Errorf("source path is required")}
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: err}
	}
	stagingDir := absDir + ".partial"
	if err := os.RemoveAll(stagingDir); err != nil {
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: fmt.Errorf("clear staging dir: %w", err)}
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: fmt.Errorf("prepare staging dir: %w", err)}
	}

	args := buildHLSArgs(sourcePath, quality, stagingDir)
	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Debug("starting encode", "source", sourcePath, "quality", string(quality))
	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Artifact{}, &EncodeError{
			SourcePath: sourcePath,
			Quality:    quality,
			Err:        fmt.Errorf("%w: %s", err, tailLines(stderr.String(), 5)),
		}
	}

	if err := os.RemoveAll(absDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: fmt.Errorf("clear output dir: %w", err)}
	}
	if err := os.Rename(stagingDir, absDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Artifact{}, &EncodeError{SourcePath: sourcePath, Quality: quality, Err: fmt.Errorf("publish output dir: %w", err)}
	}
	return Artifact{
		OutputDir: absDir,
		IndexPath: filepath.Join(absDir, "index.m3u8"),
	}, nil
}

// buildHLSArgs produces a VOD HLS ladder entry: independent 4-second
// segments with forced keyframes so every rendition is playable on its own.
func buildHLSArgs(sourcePath string, quality media.Quality, outputDir string) []string {
	return []string{
		"-y",
		"-i", sourcePath,
		"-c:v", "libx264",
		"-s", quality.TargetResolution(),
		"-preset", "fast",
		"-crf", "23",
		"-sc_threshold", "0",
		"-g", "48",
		"-keyint_min", "48",
		"-force_key_frames", "expr:gte(t,n_forced*4)",
		"-hls_time", "4",
		"-hls_list_size", "0",
		"-hls_flags", "independent_segments",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%03d.ts"),
		filepath.Join(outputDir, "index.m3u8"),
	}
}

func tailLines(output string, n int) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "no engine output"
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
