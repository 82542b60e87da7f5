package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscodeJobLabel identifies a transcode lifecycle event by quality tier and
// outcome.
type TranscodeJobLabel struct {
	Quality string
	Status  string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, upload
// ingestion, task dispatch, per-quality transcode outcomes, and readiness
// notifications. It coordinates concurrent writers via a RWMutex while exposing
// a thread-safe gauge for active encodes.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadEvents    map[string]uint64
	tasksPublished  uint64
	transcodeEvents map[TranscodeJobLabel]uint64
	notifierEvents  map[string]uint64
	activeEncodes   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		transcodeEvents: make(map[TranscodeJobLabel]uint64),
		notifierEvents:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// UploadIngested records an accepted upload.
func (r *Recorder) UploadIngested() {
	r.incrementUploadEvent("ingested")
}

// UploadRejected records an upload that was stored but not accepted.
func (r *Recorder) UploadRejected() {
	r.incrementUploadEvent("rejected")
}

func (r *Recorder) incrementUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// TasksPublished adds to the running total of transcode tasks enqueued.
func (r *Recorder) TasksPublished(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.tasksPublished += uint64(count)
	r.mu.Unlock()
}

// TranscodeStarted records the beginning of an encode for the given quality
// and increments the active encode gauge.
func (r *Recorder) TranscodeStarted(quality string) {
	r.recordTranscodeEvent(quality, "start")
	r.activeEncodes.Add(1)
}

// TranscodeCompleted records a finished encode and decrements the active
// encode gauge.
func (r *Recorder) TranscodeCompleted(quality string) {
	r.recordTranscodeEvent(quality, "complete")
	r.decrementGauge(&r.activeEncodes)
}

// TranscodeRetried records an encode that failed and was requeued.
func (r *Recorder) TranscodeRetried(quality string) {
	r.recordTranscodeEvent(quality, "retry")
	r.decrementGauge(&r.activeEncodes)
}

// TranscodeFailed records an encode that exhausted its retries.
func (r *Recorder) TranscodeFailed(quality string) {
	r.recordTranscodeEvent(quality, "fail")
	r.decrementGauge(&r.activeEncodes)
}

func (r *Recorder) recordTranscodeEvent(quality, status string) {
	label := TranscodeJobLabel{
		Quality: normalizeName(quality),
		Status:  normalizeName(status),
	}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// NotifierResolved records the outcome of a readiness wait, e.g. "ready",
// "failed", or "timeout".
func (r *Recorder) NotifierResolved(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.notifierEvents[normalized]++
	r.mu.Unlock()
}

// ActiveEncodes exposes the current gauge of concurrently running encodes.
func (r *Recorder) ActiveEncodes() int64 {
	return r.activeEncodes.Load()
}

// UploadCounts returns a copy of the upload event counters for testing and
// reporting purposes.
func (r *Recorder) UploadCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		out[k] = v
	}
	return out
}

// TranscodeCounts returns copies of transcode event counters and the current
// active encode gauge value.
func (r *Recorder) TranscodeCounts() (events map[TranscodeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscodeJobLabel]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.activeEncodes.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.tasksPublished = 0
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.notifierEvents = make(map[string]uint64)
	r.activeEncodes.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := r.sortedUploadEvents()
	transcodeEvents := r.sortedTranscodeJobLabels()
	notifierEvents := r.sortedNotifierEvents()

	fmt.Fprintln(w, "# HELP vodworks_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodworks_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodworks_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodworks_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodworks_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodworks_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodworks_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodworks_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_uploads_total Upload ingestion outcomes by type")
	fmt.Fprintln(w, "# TYPE vodworks_uploads_total counter")
	for _, event := range uploadEvents {
		value := r.uploadEvents[event]
		fmt.Fprintf(w, "vodworks_uploads_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP vodworks_tasks_published_total Total transcode tasks enqueued")
	fmt.Fprintln(w, "# TYPE vodworks_tasks_published_total counter")
	fmt.Fprintf(w, "vodworks_tasks_published_total %d\n", r.tasksPublished)

	fmt.Fprintln(w, "# HELP vodworks_transcode_jobs_total Transcode job events by quality and status")
	fmt.Fprintln(w, "# TYPE vodworks_transcode_jobs_total counter")
	for _, label := range transcodeEvents {
		count := r.transcodeEvents[label]
		fmt.Fprintf(w, "vodworks_transcode_jobs_total{quality=\"%s\",status=\"%s\"} %d\n", label.Quality, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_active_encodes Current number of running encodes")
	fmt.Fprintln(w, "# TYPE vodworks_active_encodes gauge")
	fmt.Fprintf(w, "vodworks_active_encodes %d\n", r.activeEncodes.Load())

	fmt.Fprintln(w, "# HELP vodworks_notifier_waits_total Readiness wait outcomes by type")
	fmt.Fprintln(w, "# TYPE vodworks_notifier_waits_total counter")
	for _, event := range notifierEvents {
		count := r.notifierEvents[event]
		fmt.Fprintf(w, "vodworks_notifier_waits_total{outcome=\"%s\"} %d\n", event, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedUploadEvents() []string {
	events := make([]string, 0, len(r.uploadEvents))
	for event := range r.uploadEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedNotifierEvents() []string {
	events := make([]string, 0, len(r.notifierEvents))
	for event := range r.notifierEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedTranscodeJobLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Quality != labels[j].Quality {
			return labels[i].Quality < labels[j].Quality
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
