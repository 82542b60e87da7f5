package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAggregatesByLabel(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/v1/videos", 200, 10*time.Millisecond)
	recorder.ObserveRequest("GET", "/v1/videos", 200, 30*time.Millisecond)
	recorder.ObserveRequest("GET", "/v1/videos", 500, 5*time.Millisecond)

	var output strings.Builder
	recorder.Write(&output)
	text := output.String()

	if !strings.Contains(text, `vodworks_http_requests_total{method="GET",path="/v1/videos",status="200"} 2`) {
		t.Fatalf("missing aggregated 200 counter:\n%s", text)
	}
	if !strings.Contains(text, `vodworks_http_requests_total{method="GET",path="/v1/videos",status="500"} 1`) {
		t.Fatalf("missing 500 counter:\n%s", text)
	}
	if !strings.Contains(text, `vodworks_http_request_duration_seconds_count{method="GET",path="/v1/videos",status="200"} 2`) {
		t.Fatalf("missing duration count:\n%s", text)
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/v1/videos/9f2c7d1a-52aa-4b9d-8f6f-5a8f6f0c0d1e/ready": "/v1/videos/:id/ready",
		"/v1/videos":  "/v1/videos",
		"/healthz":    "/healthz",
		"/":           "/",
		"/v1/videos/": "/v1/videos",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestUploadAndTaskCounters(t *testing.T) {
	recorder := New()
	recorder.UploadIngested()
	recorder.UploadIngested()
	recorder.UploadRejected()
	recorder.TasksPublished(4)
	recorder.TasksPublished(0)
	recorder.TasksPublished(-2)

	counts := recorder.UploadCounts()
	if counts["ingested"] != 2 || counts["rejected"] != 1 {
		t.Fatalf("unexpected upload counts %v", counts)
	}

	var output strings.Builder
	recorder.Write(&output)
	if !strings.Contains(output.String(), "vodworks_tasks_published_total 4") {
		t.Fatalf("missing task counter:\n%s", output.String())
	}
}

func TestTranscodeGaugeTracksActiveEncodes(t *testing.T) {
	recorder := New()
	recorder.TranscodeStarted("720p")
	recorder.TranscodeStarted("1080p")
	if recorder.ActiveEncodes() != 2 {
		t.Fatalf("expected 2 active encodes, got %d", recorder.ActiveEncodes())
	}

	recorder.TranscodeCompleted("720p")
	recorder.TranscodeFailed("1080p")
	if recorder.ActiveEncodes() != 0 {
		t.Fatalf("expected 0 active encodes, got %d", recorder.ActiveEncodes())
	}

	// The gauge never goes negative, even on unbalanced completions.
	recorder.TranscodeCompleted("720p")
	if recorder.ActiveEncodes() != 0 {
		t.Fatalf("gauge went negative: %d", recorder.ActiveEncodes())
	}

	events, _ := recorder.TranscodeCounts()
	if events[TranscodeJobLabel{Quality: "720p", Status: "start"}] != 1 {
		t.Fatalf("unexpected start count: %v", events)
	}
	if events[TranscodeJobLabel{Quality: "1080p", Status: "fail"}] != 1 {
		t.Fatalf("unexpected fail count: %v", events)
	}
}

func TestNotifierOutcomesInExposition(t *testing.T) {
	recorder := New()
	recorder.NotifierResolved("ready")
	recorder.NotifierResolved("ready")
	recorder.NotifierResolved("timeout")

	var output strings.Builder
	recorder.Write(&output)
	text := output.String()
	if !strings.Contains(text, `vodworks_notifier_waits_total{outcome="ready"} 2`) {
		t.Fatalf("missing ready outcome:\n%s", text)
	}
	if !strings.Contains(text, `vodworks_notifier_waits_total{outcome="timeout"} 1`) {
		t.Fatalf("missing timeout outcome:\n%s", text)
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
	recorder.UploadIngested()
	recorder.TranscodeStarted("360p")
	recorder.Reset()

	if recorder.ActiveEncodes() != 0 {
		t.Fatalf("gauge survived reset: %d", recorder.ActiveEncodes())
	}
	if counts := recorder.UploadCounts(); len(counts) != 0 {
		t.Fatalf("upload counts survived reset: %v", counts)
	}
	var output strings.Builder
	recorder.Write(&output)
	if strings.Contains(output.String(), `path="/healthz"`) {
		t.Fatalf("request counters survived reset:\n%s", output.String())
	}
}
