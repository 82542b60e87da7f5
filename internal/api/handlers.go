// Package api exposes the upload and readiness endpoints over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vodworks/internal/ingest"
	"vodworks/internal/media"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/readiness"
	"vodworks/internal/storage"
)

// Handler serves the video API backed by the ingestion gateway and readiness
// notifier.
type Handler struct {
	Gateway  *ingest.Gateway
	Videos   storage.VideoRepository
	Store    readiness.Store
	Notifier *readiness.Notifier
	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type qualityStatus struct {
	Status       media.JobStatus `json:"status"`
	OutputPath   string          `json:"outputPath,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type videoResponse struct {
	Video     media.Video              `json:"video"`
	Qualities map[string]qualityStatus `json:"qualities"`
}

func (h *Handler) videoResponse(r *http.Request, video media.Video) (videoResponse, error) {
	records, err := h.Store.GetAll(r.Context(), video.ID)
	if err != nil {
		return videoResponse{}, err
	}
	qualities := make(map[string]qualityStatus, len(records))
	for quality, record := range records {
		qualities[string(quality)] = qualityStatus{
			Status:       record.Status,
			OutputPath:   record.OutputPath,
			AttemptCount: record.AttemptCount,
			UpdatedAt:    record.UpdatedAt,
		}
	}
	return videoResponse{Video: video, Qualities: qualities}, nil
}

func (h *Handler) handleVideos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createVideo(w, r)
	case http.MethodGet:
		h.listVideos(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// createVideo streams the request body into the gateway. The upload is only
// acknowledged once its bytes are durable and the full task batch is enqueued.
func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, errors.New("request body is required"))
		return
	}
	defer r.Body.Close()

	video, err := h.Gateway.Ingest(r.Context(), r.Body)
	if err != nil {
		var ingestErr *ingest.IngestionError
		var metaErr *ingest.MetadataExtractionError
		var dispatchErr *ingest.DispatchError
		switch {
		case errors.Is(err, ingest.ErrUnsupportedContainer):
			writeError(w, http.StatusUnsupportedMediaType, errors.New("unsupported container format"))
		case errors.As(err, &ingestErr):
			writeError(w, http.StatusBadRequest, errors.New("upload could not be stored"))
		case errors.As(err, &metaErr):
			writeError(w, http.StatusUnprocessableEntity, errors.New("unable to extract media metadata"))
		case errors.As(err, &dispatchErr):
			writeError(w, http.StatusServiceUnavailable, errors.New("transcode queue unavailable"))
		default:
			h.logger().Error("ingest failed", "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("upload failed"))
		}
		return
	}

	r = r.WithContext(logging.ContextWithVideoID(r.Context(), video.ID))
	payload, err := h.videoResponse(r, video)
	if err != nil {
		logging.WithContext(r.Context(), h.logger()).Error("readiness lookup failed", "error", err)
		writeJSON(w, http.StatusCreated, videoResponse{Video: video})
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (h *Handler) listVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.Videos.ListVideos(r.Context())
	if err != nil {
		h.logger().Error("list videos failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("list videos failed"))
		return
	}
	if videos == nil {
		videos = []media.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": videos})
}

func (h *Handler) handleVideoByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	id, rest := splitVideoPath(r.URL.Path)
	if id == "" {
		http.NotFound(w, r)
		return
	}
	r = r.WithContext(logging.ContextWithVideoID(r.Context(), id))
	logger := logging.WithContext(r.Context(), h.logger())
	video, found, err := h.Videos.GetVideo(r.Context(), id)
	if err != nil {
		logger.Error("video lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("video lookup failed"))
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errors.New("video not found"))
		return
	}
	switch rest {
	case "":
		payload, err := h.videoResponse(r, video)
		if err != nil {
			logger.Error("readiness lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("readiness lookup failed"))
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "ready":
		h.awaitReady(w, r, video.ID)
	default:
		http.NotFound(w, r)
	}
}

// awaitReady blocks until the video satisfies the wait policy or the wait
// bound passes. A closed channel without a notification is reported as a
// gateway timeout so clients can retry.
func (h *Handler) awaitReady(w http.ResponseWriter, r *http.Request, videoID string) {
	policy := readiness.WaitAnyReady
	if r.URL.Query().Get("policy") == string(readiness.WaitAllSettled) {
		policy = readiness.WaitAllSettled
	}
	maxWait := time.Duration(0)
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid timeout"))
			return
		}
		maxWait = parsed
	}

	notifications := h.Notifier.AwaitPolicy(r.Context(), videoID, policy, maxWait)
	notification, ok := <-notifications
	if !ok {
		if h.Recorder != nil {
			h.Recorder.NotifierResolved("timeout")
		}
		writeJSON(w, http.StatusGatewayTimeout, map[string]interface{}{"ready": false})
		return
	}
	if h.Recorder != nil {
		if notification.Ready {
			h.Recorder.NotifierResolved("ready")
		} else {
			h.Recorder.NotifierResolved("failed")
		}
	}
	writeJSON(w, http.StatusOK, notification)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err := h.Videos.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
