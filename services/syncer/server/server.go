// Package server exposes the sync pipeline over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"classly-backend/services/keychain"
	"classly-backend/services/normalizer"
	"classly-backend/services/platforms"
	"classly-backend/services/syncer"
	"classly-backend/services/taskstore"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	store    taskstore.Store
	keychain keychain.Service
	tracker  syncer.JobTracker
}

func New(store taskstore.Store, kc keychain.Service, tracker syncer.JobTracker) Server {
	return Server{store: store, keychain: kc, tracker: tracker}
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/sync", s.handleSync)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Patch("/{id}", s.handlePatchTask)
	})

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.handleListSources)
		r.Post("/", s.handleCreateSource)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})

	r.Put("/credentials", s.handlePutCredentials)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type syncRequest struct {
	UserID  string `json:"user_id"`
	ClassID string `json:"class_id"`
	Async   bool   `json:"async"`
}

type syncResponse struct {
	Job    jobResponse        `json:"job"`
	Result *syncer.UserResult `json:"result,omitempty"`
}

func (s Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if req.Async {
		job, err := s.tracker.StartAsync(r.Context(), req.UserID, req.ClassID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, syncResponse{Job: toJobResponse(job)})
		return
	}

	job, result, err := s.tracker.Run(r.Context(), req.UserID, req.ClassID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Job: toJobResponse(job), Result: &result})
}

type taskResponse struct {
	ID          string     `json:"id"`
	ClassID     string     `json:"class_id"`
	SourceID    string     `json:"source_id,omitempty"`
	Title       string     `json:"title"`
	Type        string     `json:"task_type"`
	DueAt       *time.Time `json:"due_at"`
	URL         string     `json:"url,omitempty"`
	Status      string     `json:"status"`
	SourceLabel string     `json:"source_label,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toTaskResponse(task taskstore.Task) taskResponse {
	return taskResponse{
		ID:          task.ID,
		ClassID:     task.ClassID,
		SourceID:    task.SourceID,
		Title:       task.Title,
		Type:        string(task.Type),
		DueAt:       task.DueAt,
		URL:         task.URL,
		Status:      string(task.Status),
		SourceLabel: task.SourceLabel,
		UpdatedAt:   task.UpdatedAt,
	}
}

func (s Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := taskstore.ListTasksQuery{
		ClassID: r.URL.Query().Get("class_id"),
		UserID:  r.URL.Query().Get("user_id"),
		Status:  normalizer.TaskStatus(r.URL.Query().Get("status")),
	}
	if query.ClassID == "" && query.UserID == "" {
		writeError(w, http.StatusBadRequest, "class_id or user_id is required")
		return
	}
	if query.Status != "" && !normalizer.ValidTaskStatus(query.Status) {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskResponse(task))
	}
	writeJSON(w, http.StatusOK, out)
}

type patchTaskRequest struct {
	Status *string    `json:"status"`
	Title  *string    `json:"title"`
	Type   *string    `json:"task_type"`
	DueAt  *time.Time `json:"due_at"`
	// distinguishes "clear the due date" from "leave it alone"
	ClearDueAt bool `json:"clear_due_at"`
}

func (s Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var patch taskstore.TaskPatch
	if req.Status != nil {
		status := normalizer.TaskStatus(*req.Status)
		patch.Status = &status
	}
	if req.Title != nil {
		patch.Title = req.Title
	}
	if req.Type != nil {
		taskType := normalizer.TaskType(*req.Type)
		patch.Type = &taskType
	}
	if req.DueAt != nil {
		due := req.DueAt
		patch.DueAt = &due
	} else if req.ClearDueAt {
		var due *time.Time
		patch.DueAt = &due
	}

	task, err := s.store.PatchTask(r.Context(), id, patch)
	if errors.Is(err, taskstore.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

type sourceResponse struct {
	ID            string     `json:"id"`
	ClassID       string     `json:"class_id"`
	Platform      string     `json:"platform"`
	URL           string     `json:"url"`
	Label         string     `json:"label,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at"`
	Health        string     `json:"health"`
}

func toSourceResponse(src taskstore.Source) sourceResponse {
	return sourceResponse{
		ID:            src.ID,
		ClassID:       src.ClassID,
		Platform:      src.Platform,
		URL:           src.URL,
		Label:         src.Label,
		LastFetchedAt: src.LastFetchedAt,
		Health:        string(src.Health),
	}
}

func (s Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	classID := r.URL.Query().Get("class_id")
	if classID == "" {
		writeError(w, http.StatusBadRequest, "class_id is required")
		return
	}
	sources, err := s.store.ListSources(r.Context(), classID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, toSourceResponse(src))
	}
	writeJSON(w, http.StatusOK, out)
}

type createSourceRequest struct {
	ClassID  string `json:"class_id"`
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Label    string `json:"label"`
}

func (s Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClassID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "class_id and url are required")
		return
	}
	if _, err := s.store.GetClass(r.Context(), req.ClassID); err != nil {
		if errors.Is(err, taskstore.ErrClassNotFound) {
			writeError(w, http.StatusNotFound, "class not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	platform := req.Platform
	if platform == "" {
		platform = string(platforms.Detect(req.URL))
	}

	src, err := s.store.CreateSource(r.Context(), taskstore.Source{
		ClassID:  req.ClassID,
		Platform: platform,
		URL:      req.URL,
		Label:    req.Label,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

type jobResponse struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	ClassID      string     `json:"class_id,omitempty"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ItemsSynced  int        `json:"items_synced"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toJobResponse(job taskstore.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		Owner:        job.Owner,
		ClassID:      job.ClassID,
		Status:       string(job.Status),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ItemsSynced:  job.ItemsSynced,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
	}
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("user_id")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	jobs, err := s.store.GetRecentJobs(r.Context(), owner, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

type putCredentialsRequest struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
	Cookie   string `json:"cookie"`
	Token    string `json:"token"`
}

func (s Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	var req putCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Platform == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "platform and user_id are required")
		return
	}
	if req.Cookie == "" && req.Token == "" {
		writeError(w, http.StatusBadRequest, "cookie or token is required")
		return
	}

	err := s.keychain.Set(r.Context(), keychain.Credential{
		Platform: platforms.Tag(req.Platform),
		UserID:   req.UserID,
		Cookie:   req.Cookie,
		Token:    req.Token,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
