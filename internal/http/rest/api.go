// Package rest exposes the engine's operational API: enqueueing downloads,
// inspecting progress snapshots and managing queue tasks.
package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/downloader"
	"github.com/rip-stream/ripstream/internal/logctx"
	"github.com/rip-stream/ripstream/internal/progress"
	"github.com/rip-stream/ripstream/internal/queue"
	"github.com/rip-stream/ripstream/internal/source/direct"
)

// Handler serves the JSON API. It only reads engine state and feeds the
// queue; the worker pool does the actual downloading.
type Handler struct {
	username string
	password string
	cfg      *config.Config
	queue    *queue.Queue
	tracker  *progress.Tracker
	ctrl     *downloader.Controller
}

func NewHandler(username, password string, cfg *config.Config, q *queue.Queue, tracker *progress.Tracker, ctrl *downloader.Controller) *Handler {
	return &Handler{
		username: username,
		password: password,
		cfg:      cfg,
		queue:    q,
		tracker:  tracker,
		ctrl:     ctrl,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/downloads", h.EnqueueDownload)
		r.Get("/downloads", h.ListDownloads)
		r.Get("/downloads/{id}", h.GetDownload)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/tasks", h.ListTasks)
			r.Get("/tasks/{id}", h.GetTask)
			r.Delete("/tasks/{id}", h.CancelTask)
			r.Get("/stats", h.QueueStats)
			r.Delete("/completed", h.ClearCompleted)
			r.Delete("/failed", h.ClearFailed)
		})
	})

	return r
}

// basicAuthMiddleware guards the API with the configured credentials. With
// none configured the API is open; the bind address is then expected to be
// private.
func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" && h.password == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			h.respondError(w, r, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.username || password != h.password {
			h.respondError(w, r, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	ContentID  string            `json:"content_id,omitempty"`
	URL        string            `json:"url,omitempty"`
	Source     string            `json:"source,omitempty"`
	Title      string            `json:"title,omitempty"`
	Artist     string            `json:"artist,omitempty"`
	Album      string            `json:"album,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EnqueueDownload accepts a content reference and hands it to the queue. The
// response is the stored task; resolution and transfer happen asynchronously
// in the worker pool.
func (h *Handler) EnqueueDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		h.respondError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	contentID := req.ContentID
	if contentID == "" {
		contentID = req.URL
	}

	if contentID == "" {
		h.respondError(w, r, http.StatusBadRequest, "content_id or url is required")

		return
	}

	source := req.Source
	if source == "" {
		source = direct.SourceName
	}

	if _, ok := h.ctrl.Provider(source); !ok {
		h.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("no provider registered for source %q", source))

		return
	}

	for _, dep := range req.DependsOn {
		if _, ok := h.queue.GetTask(dep); !ok {
			h.respondError(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("unknown dependency task %q", dep))

			return
		}
	}

	maxRetries := h.cfg.MaxTaskRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	task := queue.Task{
		ID:         uuid.New().String(),
		ContentID:  contentID,
		Source:     source,
		Title:      req.Title,
		Artist:     req.Artist,
		Album:      req.Album,
		URL:        req.URL,
		Priority:   req.Priority,
		MaxRetries: maxRetries,
		Metadata:   req.Metadata,
	}

	if len(req.DependsOn) > 0 {
		task.DependsOn = make(map[string]struct{}, len(req.DependsOn))
		for _, dep := range req.DependsOn {
			task.DependsOn[dep] = struct{}{}
		}
	}

	if !h.queue.AddTask(task) {
		h.respondError(w, r, http.StatusServiceUnavailable, "queue is full")

		return
	}

	logger.Info("download enqueued", "task_id", task.ID, "source", source, "content_id", contentID)

	stored, _ := h.queue.GetTask(task.ID)
	h.respond(w, r, http.StatusAccepted, newTaskView(stored))
}

// ListDownloads returns every tracked progress snapshot, active and finished.
func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	all := h.tracker.GetAllProgress()

	views := make([]progressView, 0, len(all))
	for _, p := range all {
		views = append(views, newProgressView(p))
	}

	slices.SortFunc(views, func(a, b progressView) int {
		return strings.Compare(a.DownloadID, b.DownloadID)
	})

	h.respond(w, r, http.StatusOK, map[string]any{"downloads": views})
}

func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, ok := h.tracker.GetProgress(id)
	if !ok {
		h.respondError(w, r, http.StatusNotFound, fmt.Sprintf("no download with id %q", id))

		return
	}

	h.respond(w, r, http.StatusOK, newProgressView(p))
}

// ListTasks returns queue tasks, optionally filtered with ?state=.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []queue.Task

	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := parseState(raw)
		if !ok {
			h.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))

			return
		}

		tasks = h.queue.GetTasksByState(state)
	} else {
		tasks = h.queue.GetAllTasks()
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}

	slices.SortFunc(views, func(a, b taskView) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	h.respond(w, r, http.StatusOK, map[string]any{"tasks": views})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, ok := h.queue.GetTask(id)
	if !ok {
		h.respondError(w, r, http.StatusNotFound, fmt.Sprintf("no task with id %q", id))

		return
	}

	h.respond(w, r, http.StatusOK, newTaskView(task))
}

// CancelTask cancels an active task. A task already in a terminal state is
// removed from the queue instead, so DELETE always ends with the id gone or
// cancelled.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, ok := h.queue.GetTask(id)
	if !ok {
		h.respondError(w, r, http.StatusNotFound, fmt.Sprintf("no task with id %q", id))

		return
	}

	if task.State.Active() {
		// The queue flips to CANCELLED before the transfer is stopped, so
		// the worker's late completion or failure report is dropped.
		h.queue.CancelTask(id)
		if h.ctrl.CancelDownload(id) {
			logger.Info("in-flight transfer aborted", "task_id", id)
		}
		logger.Info("task cancelled", "task_id", id)

		cancelled, _ := h.queue.GetTask(id)
		h.respond(w, r, http.StatusOK, newTaskView(cancelled))

		return
	}

	h.queue.RemoveTask(id)
	logger.Info("task removed", "task_id", id, "state", string(task.State))

	h.respond(w, r, http.StatusNoContent, nil)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats := h.queue.GetQueueStats()

	h.respond(w, r, http.StatusOK, statsView{
		PendingTasks:     stats.PendingTasks,
		DownloadingTasks: stats.DownloadingTasks,
		CompletedTasks:   stats.CompletedTasks,
		FailedTasks:      stats.FailedTasks,
		CancelledTasks:   stats.CancelledTasks,
		TotalTasks:       stats.TotalTasks,
		MaxSize:          stats.MaxSize,
	})
}

func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := h.queue.ClearCompleted()
	h.respond(w, r, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	removed := h.queue.ClearFailed()
	h.respond(w, r, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if payload == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.respond(w, r, status, errorResponse{Error: message})
}

func parseState(raw string) (queue.State, bool) {
	s := queue.State(strings.ToLower(raw))
	switch s {
	case queue.StatePending, queue.StateDownloading, queue.StateCompleted, queue.StateFailed, queue.StateCancelled:
		return s, true
	}

	return "", false
}

type taskView struct {
	ID                 string            `json:"id"`
	ContentID          string            `json:"content_id"`
	Source             string            `json:"source"`
	Title              string            `json:"title,omitempty"`
	Artist             string            `json:"artist,omitempty"`
	Album              string            `json:"album,omitempty"`
	URL                string            `json:"url,omitempty"`
	FilePath           string            `json:"file_path,omitempty"`
	Priority           int               `json:"priority"`
	State              string            `json:"state"`
	CreatedAt          time.Time         `json:"created_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	ProgressPercentage float64           `json:"progress_percentage"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	DependsOn          []string          `json:"depends_on,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func newTaskView(t queue.Task) taskView {
	v := taskView{
		ID:                 t.ID,
		ContentID:          t.ContentID,
		Source:             t.Source,
		Title:              t.Title,
		Artist:             t.Artist,
		Album:              t.Album,
		URL:                t.URL,
		FilePath:           t.FilePath,
		Priority:           t.Priority,
		State:              string(t.State),
		CreatedAt:          t.CreatedAt,
		StartedAt:          timePtr(t.StartedAt),
		CompletedAt:        timePtr(t.CompletedAt),
		ProgressPercentage: t.ProgressPercentage,
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		ErrorMessage:       t.ErrorMessage,
		Metadata:           t.Metadata,
	}

	if len(t.DependsOn) > 0 {
		v.DependsOn = make([]string, 0, len(t.DependsOn))
		for id := range t.DependsOn {
			v.DependsOn = append(v.DependsOn, id)
		}

		slices.Sort(v.DependsOn)
	}

	return v
}

type progressView struct {
	DownloadID            string    `json:"download_id"`
	State                 string    `json:"state"`
	TotalBytes            int64     `json:"total_bytes"`
	DownloadedBytes       int64     `json:"downloaded_bytes"`
	Percentage            float64   `json:"percentage"`
	BytesPerSecond        float64   `json:"bytes_per_second"`
	AverageBytesPerSecond float64   `json:"average_bytes_per_second"`
	ETASeconds            int64     `json:"eta_seconds"`
	StartTime             time.Time `json:"start_time"`
	LastUpdateTime        time.Time `json:"last_update_time"`
	ErrorCount            int       `json:"error_count,omitempty"`
	LastError             string    `json:"last_error,omitempty"`
}

func newProgressView(p progress.Progress) progressView {
	return progressView{
		DownloadID:            p.DownloadID,
		State:                 string(p.State),
		TotalBytes:            p.TotalBytes,
		DownloadedBytes:       p.DownloadedBytes,
		Percentage:            p.Percentage,
		BytesPerSecond:        p.BytesPerSecond,
		AverageBytesPerSecond: p.AverageBytesPerSecond,
		ETASeconds:            p.ETASeconds,
		StartTime:             p.StartTime,
		LastUpdateTime:        p.LastUpdateTime,
		ErrorCount:            p.ErrorCount,
		LastError:             p.LastError,
	}
}

type statsView struct {
	PendingTasks     int `json:"pending_tasks"`
	DownloadingTasks int `json:"downloading_tasks"`
	CompletedTasks   int `json:"completed_tasks"`
	FailedTasks      int `json:"failed_tasks"`
	CancelledTasks   int `json:"cancelled_tasks"`
	TotalTasks       int `json:"total_tasks"`
	MaxSize          int `json:"max_size"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
