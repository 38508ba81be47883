package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentq-io/agentq"
	"github.com/agentq-io/agentq/internal/errors"
)

type handler struct {
	inspector *agentq.Inspector
}

func newHandler(i *agentq.Inspector) *handler {
	return &handler{inspector: i}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/categories", h.handleCategories)
	mux.HandleFunc("GET /api/categories/{category}/stats", h.handleCategoryStats)
	mux.HandleFunc("GET /api/categories/{category}/dead", h.handleDeadTasks)
	mux.HandleFunc("GET /api/categories/{category}/tasks/{id}", h.handleTaskInfo)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

type categoryStatsResponse struct {
	Category   string    `json:"category"`
	Ready      int64     `json:"ready"`
	Delayed    int64     `json:"delayed"`
	Processing int64     `json:"processing"`
	Retry      int64     `json:"retry"`
	Dead       int64     `json:"dead"`
	Completed  int64     `json:"completed"`
	Timestamp  time.Time `json:"timestamp"`
}

type aggregateStatsResponse struct {
	Categories      []categoryStatsResponse `json:"categories"`
	TotalReady      int64                   `json:"total_ready"`
	TotalDelayed    int64                   `json:"total_delayed"`
	TotalProcessing int64                   `json:"total_processing"`
	TotalRetry      int64                   `json:"total_retry"`
	TotalDead       int64                   `json:"total_dead"`
	TotalCompleted  int64                   `json:"total_completed"`
	ActiveServers   int                     `json:"active_servers"`
	ActiveWorkers   int                     `json:"active_workers"`
}

type taskInfoResponse struct {
	ID          string     `json:"id"`
	Category    string     `json:"category"`
	Kind        string     `json:"kind"`
	Payload     string     `json:"payload"`
	Priority    string     `json:"priority"`
	Owner       string     `json:"owner,omitempty"`
	MaxRetries  int        `json:"max_retries"`
	RetryCount  int        `json:"retry_count"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
}

func toCategoryStatsResponse(s *agentq.CategoryStats) categoryStatsResponse {
	return categoryStatsResponse{
		Category:   s.Category,
		Ready:      s.Ready,
		Delayed:    s.Delayed,
		Processing: s.Processing,
		Retry:      s.Retry,
		Dead:       s.Dead,
		Completed:  s.Completed,
		Timestamp:  s.Timestamp,
	}
}

func toAggregateStatsResponse(stats *agentq.AggregateStats) aggregateStatsResponse {
	resp := aggregateStatsResponse{
		Categories:      make([]categoryStatsResponse, 0, len(stats.Categories)),
		TotalReady:      stats.TotalReady,
		TotalDelayed:    stats.TotalDelayed,
		TotalProcessing: stats.TotalProcessing,
		TotalRetry:      stats.TotalRetry,
		TotalDead:       stats.TotalDead,
		TotalCompleted:  stats.TotalCompleted,
		ActiveServers:   stats.ActiveServers,
		ActiveWorkers:   stats.ActiveWorkers,
	}
	for _, cs := range stats.Categories {
		resp.Categories = append(resp.Categories, toCategoryStatsResponse(cs))
	}
	return resp
}

func toTaskInfoResponse(t *agentq.TaskInfo) taskInfoResponse {
	optTime := func(t time.Time) *time.Time {
		if t.IsZero() {
			return nil
		}
		return &t
	}
	return taskInfoResponse{
		ID:          t.ID,
		Category:    t.Category,
		Kind:        t.Kind,
		Payload:     string(t.Payload),
		Priority:    t.Priority.String(),
		Owner:       t.Owner,
		MaxRetries:  t.MaxRetries,
		RetryCount:  t.RetryCount,
		Status:      t.Status.String(),
		CreatedAt:   t.CreatedAt,
		ScheduledAt: optTime(t.ScheduledAt),
		StartedAt:   optTime(t.StartedAt),
		CompletedAt: optTime(t.CompletedAt),
		ErrorMsg:    t.ErrorMsg,
	}
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.AggregateStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateStatsResponse(stats))
}

func (h *handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.inspector.Categories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": categories})
}

func (h *handler) handleCategoryStats(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	stats, err := h.inspector.CurrentStats(r.Context(), category)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toCategoryStatsResponse(stats))
}

func (h *handler) handleDeadTasks(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := parseLimit(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		n = parsed
	}
	tasks, err := h.inspector.ListDeadTasks(r.Context(), category, n)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	resp := make([]taskInfoResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, toTaskInfoResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"category": category,
		"tasks":    resp,
	})
}

func (h *handler) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	id := r.PathValue("id")
	info, err := h.inspector.GetTaskInfo(r.Context(), category, id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskInfoResponse(info))
}

type healthResponse struct {
	Healthy bool                    `json:"healthy"`
	Error   string                  `json:"error,omitempty"`
	Stats   *aggregateStatsResponse `json:"stats,omitempty"`
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.inspector.Health(r.Context())
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	resp := healthResponse{Healthy: health.Healthy, Error: health.Error}
	if health.Stats != nil {
		stats := toAggregateStatsResponse(health.Stats)
		resp.Stats = &stats
	}
	writeJSON(w, code, resp)
}

func parseLimit(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

func statusForError(err error) int {
	if errors.IsTaskNotFound(err) || errors.IsCategoryNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
