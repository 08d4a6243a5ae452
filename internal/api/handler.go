package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cronflow/cronflow/internal/gate"
	"github.com/cronflow/cronflow/internal/schedule"
	"github.com/cronflow/cronflow/internal/scheduler"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/task"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Handler struct {
	store *store.Store
	sched *scheduler.Loop
	gate  *gate.Gate
	log   zerolog.Logger
}

func NewHandler(st *store.Store, sched *scheduler.Loop, g *gate.Gate, log zerolog.Logger) *Handler {
	return &Handler{
		store: st,
		sched: sched,
		gate:  g,
		log:   log.With().Str("component", "api").Logger(),
	}
}

type CreateTaskRequest struct {
	Label           string         `json:"label"`
	Payload         map[string]any `json:"payload"`
	Priority        task.Priority  `json:"priority"`
	SchedulePattern string         `json:"schedule_pattern"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, verr := buildTask(req, time.Now())
	if verr != nil {
		respondError(w, http.StatusBadRequest, verr.Error())
		return
	}

	created, err := h.store.Create(r.Context(), t)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// buildTask validates the request and assembles the record, including the
// first next-run instant for a recurring task.
func buildTask(req CreateTaskRequest, now time.Time) (*task.Task, error) {
	if req.Label == "" {
		return nil, &task.ValidationError{Field: "label", Reason: "required"}
	}
	if len(req.Label) > task.MaxLabelLength {
		return nil, &task.ValidationError{Field: "label", Reason: "longer than 255 characters"}
	}

	priority := req.Priority
	if priority == "" {
		priority = task.PriorityMedium
	}
	if !priority.Valid() {
		return nil, &task.ValidationError{Field: "priority", Reason: "must be low, medium or high"}
	}

	t := &task.Task{
		Label:           req.Label,
		Payload:         req.Payload,
		Priority:        priority,
		SchedulePattern: req.SchedulePattern,
	}

	if req.SchedulePattern != "" {
		if err := schedule.Validate(req.SchedulePattern); err != nil {
			return nil, &task.ValidationError{Field: "schedule_pattern", Reason: err.Error()}
		}
		next, err := schedule.Next(req.SchedulePattern, now)
		if err != nil {
			return nil, &task.ValidationError{Field: "schedule_pattern", Reason: err.Error()}
		}
		t.NextRunAt = &next
	}
	return t, nil
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{Limit: defaultListLimit}

	if v := r.URL.Query().Get("status"); v != "" {
		st := task.State(v)
		if !st.Valid() {
			respondError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		f.State = st
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		p := task.Priority(v)
		if !p.Valid() {
			respondError(w, http.StatusBadRequest, "invalid priority filter")
			return
		}
		f.Priority = p
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	tasks, err := h.store.FindAll(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

// RunJob triggers a manual execution. The run happens in the background; the
// response only acknowledges admission. A saturated gate answers 429.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := h.sched.ManualExecute(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			respondError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrCapacityExceeded):
			respondError(w, http.StatusTooManyRequests, "concurrency limit reached, try again later")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"id": id, "accepted": true})
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.store.Delete(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TaskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.FindByID(r.Context(), id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	records, err := h.store.History(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, records)
}

func (h *Handler) StatsOverview(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByState(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": map[string]int{
			"total":      total,
			"queued":     counts[task.StateQueued],
			"processing": counts[task.StateProcessing],
			"completed":  counts[task.StateCompleted],
			"failed":     counts[task.StateFailed],
		},
		"gate": h.gate.Status(),
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
