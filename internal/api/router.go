package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
)

// Routes assembles the HTTP mux with request ID, logging, and metrics
// middleware applied to every endpoint.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/v1/videos", h.handleVideos)
	mux.HandleFunc("/v1/videos/", h.handleVideoByID)
	if h.Recorder != nil {
		mux.Handle("/metrics", h.Recorder.Handler())
	} else {
		mux.Handle("/metrics", metrics.Handler())
	}

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(h.Recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: h.logger()})(handler)
	handler = withRequestID(handler)
	return handler
}

// withRequestID tags each request with an identifier carried on the context
// and echoed back in the X-Request-ID header.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// splitVideoPath extracts the video id and the trailing action from a
// /v1/videos/{id}[/{action}] path.
func splitVideoPath(path string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, "/v1/videos/")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
