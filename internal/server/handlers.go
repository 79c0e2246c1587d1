package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/copyleftdev/turnstiled/internal/store"
	"github.com/copyleftdev/turnstiled/internal/tasks"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"go.uber.org/zap"
)

//go:embed index.html
var indexPage []byte

// TaskService is the part of *tasks.Manager the handlers use.
type TaskService interface {
	Submit(ctx context.Context, task *taskstypes.Task) (string, error)
	Get(ctx context.Context, id string) (taskstypes.Result, error)
	InFlight() int
}

// Capacity reports browser pool usage. *browser.Pool satisfies it.
type Capacity interface {
	Size() int
	Available() int
}

type APIHandler struct {
	tasks    TaskService
	capacity Capacity
	logger   *zap.Logger
}

func NewAPIHandler(svc TaskService, capacity Capacity, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		tasks:    svc,
		capacity: capacity,
		logger:   logger,
	}
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Browsers  int    `json:"browsers"`
	Available int    `json:"available"`
	InFlight  int    `json:"in_flight"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// HandleTurnstile accepts a solve request and returns its task id without
// waiting for the solve.
func (h *APIHandler) HandleTurnstile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	url, sitekey := q.Get("url"), q.Get("sitekey")
	if url == "" || sitekey == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Both 'url' and 'sitekey' are required")
		return
	}

	task := &taskstypes.Task{
		URL:     url,
		SiteKey: sitekey,
		Action:  q.Get("action"),
		CData:   q.Get("cdata"),
		Proxy:   taskstypes.ParseProxy(q.Get("proxy")),
	}

	id, err := h.tasks.Submit(r.Context(), task)
	if err != nil {
		if errors.Is(err, tasks.ErrShuttingDown) {
			respondError(w, h.logger, http.StatusServiceUnavailable, "Server is shutting down")
			return
		}
		h.logger.Error("Error submitting task", zap.Error(err))
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to submit task")
		return
	}

	h.logger.Debug("Request completed", zap.String("task_id", id))
	respondJSON(w, h.logger, http.StatusAccepted, SubmitTaskResponse{TaskID: id})
}

// HandleResult reports the stored result of a task: 200 while pending or
// after success, 422 after failure.
func (h *APIHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid task ID/Request parameter")
		return
	}

	res, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, h.logger, http.StatusBadRequest, "Invalid task ID/Request parameter")
			return
		}
		h.logger.Error("Error retrieving result", zap.String("task_id", id), zap.Error(err))
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to retrieve result")
		return
	}

	status := http.StatusOK
	if res.IsFailure() {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, h.logger, status, res)
}

func (h *APIHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(indexPage)
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", InFlight: h.tasks.InFlight()}
	if h.capacity != nil {
		resp.Browsers = h.capacity.Size()
		resp.Available = h.capacity.Available()
	}
	respondJSON(w, h.logger, http.StatusOK, resp)
}

// --- Helper Functions ---

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Error marshalling JSON response", zap.Error(err))
		status = http.StatusInternalServerError
		response = []byte(`{"status":"error","error":"Failed to marshal JSON response"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		logger.Debug("Error writing JSON response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	respondJSON(w, logger, status, errorResponse{Status: "error", Error: message})
}
