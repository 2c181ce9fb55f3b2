// Package server exposes devbot's HTTP surface: the webhook endpoint the
// code host delivers events to, and the task API the CLI and dashboards
// read. SSE endpoints stream task logs, lifecycle events, and the daemon
// log itself.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/devbot/internal/flags"
	"github.com/zjrosen/devbot/internal/gate"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/metrics"
	"github.com/zjrosen/devbot/internal/orchestrator"
	"github.com/zjrosen/devbot/internal/presentation"
	"github.com/zjrosen/devbot/internal/pubsub"
	"github.com/zjrosen/devbot/internal/store"
	"github.com/zjrosen/devbot/internal/stream"
	"github.com/zjrosen/devbot/internal/task"
)

// heartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const heartbeatInterval = 30 * time.Second

// Dispatcher is the slice of the orchestrator the HTTP layer drives.
type Dispatcher interface {
	HandleEvent(kind string, payload []byte) (orchestrator.Result, error)
	Cancel(taskID string) (*task.Task, error)
	Retry(taskID string) (*task.Task, error)
	Events() *pubsub.Broker[task.Event]
}

// HandlerConfig assembles the handler's collaborators. Dispatcher and
// Store are required; the rest degrades gracefully when nil.
type HandlerConfig struct {
	// Dispatcher admits webhook events and serves cancel/retry.
	Dispatcher Dispatcher
	// Store serves task reads.
	Store *store.TaskRepository
	// Streamer follows task logs for the SSE endpoint. Defaults to a
	// streamer over Store with the default poll interval.
	Streamer *stream.Streamer
	// Gate reports pipeline concurrency in /api/stats.
	Gate *gate.Gate
	// WebhookSecret enables HMAC signature verification when non-empty.
	WebhookSecret string
	// Flags gates optional behavior such as webhook deduplication.
	Flags *flags.Registry
}

// Handler provides the HTTP endpoints for devbot operations.
type Handler struct {
	dispatcher Dispatcher
	store      *store.TaskRepository
	streamer   *stream.Streamer
	gate       *gate.Gate
	secret     string
	flags      *flags.Registry
	deliveries *deliveryLedger
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	streamer := cfg.Streamer
	if streamer == nil && cfg.Store != nil {
		streamer = stream.New(cfg.Store, stream.DefaultPollInterval)
	}
	return &Handler{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		streamer:   streamer,
		gate:       cfg.Gate,
		secret:     cfg.WebhookSecret,
		flags:      cfg.Flags,
		deliveries: newDeliveryLedger(),
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Event ingress
	mux.HandleFunc("POST /webhook", h.Webhook)

	// Task API
	mux.HandleFunc("GET /api/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.GetTask)
	mux.HandleFunc("GET /api/tasks/{id}/logs", h.GetLogs)
	mux.HandleFunc("GET /api/tasks/{id}/logs/stream", h.StreamLogs)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.CancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", h.RetryTask)

	// Aggregates and event streaming
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/events", h.StreamEvents)
	mux.HandleFunc("GET /api/logs", h.StreamDaemonLog)

	// Operational
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// === Request/Response Types ===

// ListTasksResponse is the response body for listing tasks.
type ListTasksResponse struct {
	Tasks []presentation.TaskDTO `json:"tasks"`
	Total int                    `json:"total"`
}

// LogsResponse is the response body for a task's log entries.
type LogsResponse struct {
	TaskID string                `json:"task_id"`
	Logs   []presentation.LogDTO `json:"logs"`
}

// StatsResponse is the response body for task and gate statistics.
type StatsResponse struct {
	Tasks presentation.StatsDTO `json:"tasks"`
	Gate  *gate.Stats           `json:"gate,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// ListTasks returns tasks newest first with optional status filter and
// paging.
// GET /api/tasks?status=running&limit=20&offset=0
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{}

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := task.Status(statusStr)
		if !status.IsValid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown status %q", statusStr), "")
			return
		}
		filter.Status = status
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer", "")
			return
		}
		filter.Limit = limit
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "offset must be a non-negative integer", "")
			return
		}
		filter.Offset = offset
	}

	tasks, err := h.store.ListTasks(filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list tasks", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ListTasksResponse{
		Tasks: presentation.FromTasks(tasks),
		Total: len(tasks),
	})
}

// GetTask returns a single task by ID, including the issue body and
// development summary.
// GET /api/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get task", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, presentation.FromTaskDetail(t))
}

// GetLogs returns a task's full log history in insertion order.
// GET /api/tasks/{id}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := h.store.GetTask(taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get task", err.Error())
		return
	}

	logs, err := h.store.ReadLogsSince(taskID, 0)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "logs_failed", "Failed to read logs", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, LogsResponse{
		TaskID: taskID,
		Logs:   presentation.FromLogs(logs),
	})
}

// StreamLogs streams a task's log entries via SSE. Persisted entries are
// replayed first, then new ones as the pipeline appends them; the stream
// ends with a done frame once the task reaches a terminal status.
// GET /api/tasks/{id}/logs/stream
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := h.store.GetTask(taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get task", err.Error())
		return
	}

	flusher, ok := h.startSSE(w)
	if !ok {
		return
	}
	metrics.StreamFollowers.Inc()
	defer metrics.StreamFollowers.Dec()

	frames := h.streamer.Follow(r.Context(), taskID)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame, ok := <-frames:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				log.ErrorErr(log.CatStream, "failed to marshal stream frame", err, "task_id", taskID)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Kind, data)
			flusher.Flush()
		}
	}
}

// StreamEvents streams task lifecycle events via SSE.
// GET /api/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := h.startSSE(w)
	if !ok {
		return
	}

	events := h.dispatcher.Events().Subscribe(r.Context())
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				log.ErrorErr(log.CatWebhook, "failed to marshal task event", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// StreamDaemonLog streams the daemon's own log lines via SSE, for watching
// a deployment without shell access to the log file. Lines logged before
// the subscription are not replayed.
// GET /api/logs
func (h *Handler) StreamDaemonLog(w http.ResponseWriter, r *http.Request) {
	flusher, ok := h.startSSE(w)
	if !ok {
		return
	}

	lines := log.Subscribe(r.Context())
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case line, ok := <-lines:
			if !ok {
				return
			}
			data, err := json.Marshal(line.Payload)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// CancelTask cancels a pending or running task and kills its agent
// process.
// POST /api/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.dispatcher.Cancel(r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
		case errors.Is(err, orchestrator.ErrNotCancellable):
			h.writeError(w, http.StatusConflict, "not_cancellable", "Task is not cancellable", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "cancel_failed", "Failed to cancel task", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, presentation.FromTask(t))
}

// RetryTask re-pends a failed or cancelled task and starts a new pipeline
// run on its branch.
// POST /api/tasks/{id}/retry
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.dispatcher.Retry(r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
		case errors.Is(err, store.ErrRetryNotAllowed):
			h.writeError(w, http.StatusConflict, "retry_not_allowed", "Task cannot be retried", err.Error())
		case errors.Is(err, orchestrator.ErrShuttingDown):
			h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Daemon is shutting down", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "retry_failed", "Failed to retry task", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, presentation.FromTask(t))
}

// Stats returns task counts per status and the pipeline gate occupancy.
// GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "stats_failed", "Failed to read stats", err.Error())
		return
	}

	resp := StatsResponse{Tasks: presentation.FromStats(stats)}
	if h.gate != nil {
		gs := h.gate.Stats()
		resp.Gate = &gs
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Health reports daemon liveness. The store is probed so a wedged
// database turns the endpoint unhealthy.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Stats(); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// === Helpers ===

// startSSE writes the SSE headers and the connected preamble. Returns
// false when the connection cannot stream.
func (h *Handler) startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()
	return flusher, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatWebhook, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
