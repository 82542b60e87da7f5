package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedContainer is returned when a probed file carries no decodable
// video stream.
var ErrUnsupportedContainer = errors.New("unsupported container format")

// Metadata is what the gateway learns about an upload before fan-out.
type Metadata struct {
	SizeBytes       int64
	DurationSeconds float64
	ContainerFormat string
	Width           int
	Height          int
}

// Resolution formats the source dimensions as "WxH", or empty when unknown.
func (m Metadata) Resolution() string {
	if m.Width <= 0 || m.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Prober inspects a committed source file.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

const defaultProbeTimeout = 30 * time.Second

// FFprobeProber shells out to ffprobe for container and stream inspection.
type FFprobeProber struct {
	Binary  string
	Timeout time.Duration
}

var _ Prober = (*FFprobeProber)(nil)

func (p *FFprobeProber) binary() string {
	if p != nil && strings.TrimSpace(p.Binary) != "" {
		return p.Binary
	}
	return "ffprobe"
}

// Probe runs ffprobe against path and parses its JSON report.
func (p *FFprobeProber) Probe(ctx context.Context, path string) (Metadata, error) {
	timeout := defaultProbeTimeout
	if p != nil && p.Timeout > 0 {
		timeout = p.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary(),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return Metadata{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, detail)
		}
		return Metadata{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbeReport(stdout.Bytes())
}

type probeReport struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// parseProbeReport interprets ffprobe's JSON output. A report without a video
// stream or a recognisable format name is an unsupported container.
func parseProbeReport(raw []byte) (Metadata, error) {
	var report probeReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if strings.TrimSpace(report.Format.FormatName) == "" {
		return Metadata{}, ErrUnsupportedContainer
	}
	meta := Metadata{
		ContainerFormat: report.Format.FormatName,
	}
	if report.Format.Duration != "" {
		duration, err := strconv.ParseFloat(report.Format.Duration, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("parse ffprobe duration %q: %w", report.Format.Duration, err)
		}
		meta.DurationSeconds = duration
	}
	if report.Format.Size != "" {
		size, err := strconv.ParseInt(report.Format.Size, 10, 64)
		if err == nil {
			meta.SizeBytes = size
		}
	}
	hasVideo := false
	for _, stream := range report.Streams {
		if stream.CodecType != "video" {
			continue
		}
		hasVideo = true
		if stream.Width > meta.Width {
			meta.Width = stream.Width
			meta.Height = stream.Height
		}
	}
	if !hasVideo {
		return Metadata{}, ErrUnsupportedContainer
	}
	return meta, nil
}
