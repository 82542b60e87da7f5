package ingest

import (
	"errors"
	"testing"
)

func TestParseProbeReport(t *testing.T) {
	raw := []byte(`{
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "12.480000", "size": "1048576"},
		"streams": [
			{"codec_type": "audio"},
			{"codec_type": "video", "width": 640, "height": 360},
			{"codec_type": "video", "width": 1920, "height": 1080}
		]
	}`)

	meta, err := parseProbeReport(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta.ContainerFormat != "mov,mp4,m4a,3gp,3g2,mj2" {
		t.Fatalf("unexpected container %q", meta.ContainerFormat)
	}
	if meta.DurationSeconds != 12.48 {
		t.Fatalf("unexpected duration %v", meta.DurationSeconds)
	}
	if meta.SizeBytes != 1048576 {
		t.Fatalf("unexpected size %d", meta.SizeBytes)
	}
	// The widest video stream decides the source resolution.
	if meta.Resolution() != "1920x1080" {
		t.Fatalf("unexpected resolution %q", meta.Resolution())
	}
}

func TestParseProbeReportNoVideoStream(t *testing.T) {
	raw := []byte(`{
		"format": {"format_name": "mp3", "duration": "180.0"},
		"streams": [{"codec_type": "audio"}]
	}`)
	_, err := parseProbeReport(raw)
	if !errors.Is(err, ErrUnsupportedContainer) {
		t.Fatalf("expected ErrUnsupportedContainer, got %v", err)
	}
}

func TestParseProbeReportMissingFormatName(t *testing.T) {
	raw := []byte(`{"format": {"format_name": "  "}, "streams": [{"codec_type": "video", "width": 1, "height": 1}]}`)
	_, err := parseProbeReport(raw)
	if !errors.Is(err, ErrUnsupportedContainer) {
		t.Fatalf("expected ErrUnsupportedContainer, got %v", err)
	}
}

func TestParseProbeReportBadDuration(t *testing.T) {
	raw := []byte(`{
		"format": {"format_name": "matroska", "duration": "forever"},
		"streams": [{"codec_type": "video", "width": 1280, "height": 720}]
	}`)
	if _, err := parseProbeReport(raw); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestParseProbeReportMalformedJSON(t *testing.T) {
	if _, err := parseProbeReport([]byte("{not json")); err == nil {
		t.Fatal("expected an error for malformed output")
	}
}

func TestMetadataResolutionUnknown(t *testing.T) {
	if got := (Metadata{Width: 0, Height: 720}).Resolution(); got != "" {
		t.Fatalf("expected empty resolution, got %q", got)
	}
}
