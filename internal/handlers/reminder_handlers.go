package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ms-reminders/internal/delay"
	"ms-reminders/internal/events"
	"ms-reminders/internal/models"
	"ms-reminders/internal/scheduler"
)

const maxEventBytes = 1 << 20

// EventDispatcher is implemented by events.Dispatcher
type EventDispatcher interface {
	Decode(data []byte, fallback models.EventType) (models.EntityEvent, error)
	Dispatch(ctx context.Context, evt models.EntityEvent) (events.Result, error)
}

// JobAdmin is the admin surface of scheduler.Coordinator
type JobAdmin interface {
	PendingJobs(ctx context.Context, entityID string) ([]models.ReminderJob, error)
	RebuildIndex(ctx context.Context) error
}

type ReminderHandler struct {
	dispatcher EventDispatcher
	admin      JobAdmin
	logger     *zap.Logger
}

func NewReminderHandler(dispatcher EventDispatcher, admin JobAdmin, logger *zap.Logger) *ReminderHandler {
	return &ReminderHandler{dispatcher: dispatcher, admin: admin, logger: logger}
}

// RegisterRoutes mounts the reminder API on r
func (h *ReminderHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/reminders/v1").Subrouter()
	api.HandleFunc("/events", h.PostEvent).Methods(http.MethodPost)
	api.HandleFunc("/entities/{entityId}/jobs", h.GetJobs).Methods(http.MethodGet)
	api.HandleFunc("/index/rebuild", h.RebuildIndex).Methods(http.MethodPost)
}

type errorResponse struct {
	Error string `json:"error"`
}

type jobsResponse struct {
	EntityID string               `json:"entityId"`
	Jobs     []models.ReminderJob `json:"jobs"`
}

// PostEvent handles POST /api/reminders/v1/events
func (h *ReminderHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	evt, err := h.dispatcher.Decode(body, "")
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), evt)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, events.ErrInvalidEvent), errors.Is(err, scheduler.ErrMissingEntityID):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, delay.ErrInvalidTimeFormat):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, scheduler.ErrQueueUnavailable):
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Reminder queue unavailable"})
	default:
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to apply event"})
	}
}

// GetJobs handles GET /api/reminders/v1/entities/{entityId}/jobs
func (h *ReminderHandler) GetJobs(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entityId"]

	jobs, err := h.admin.PendingJobs(r.Context(), entityID)
	if err != nil {
		h.logger.Error("error listing pending jobs", zap.String("entity_id", entityID), zap.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Reminder queue unavailable"})
		return
	}
	if jobs == nil {
		jobs = []models.ReminderJob{}
	}
	h.writeJSON(w, http.StatusOK, jobsResponse{EntityID: entityID, Jobs: jobs})
}

// RebuildIndex handles POST /api/reminders/v1/index/rebuild
func (h *ReminderHandler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.RebuildIndex(r.Context()); err != nil {
		h.logger.Error("error rebuilding correlation index", zap.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Reminder queue unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Index rebuilt"})
}

func (h *ReminderHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("error encoding response", zap.Error(err))
	}
}
