package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Check reports a dependency's health; nil means healthy
type Check func(ctx context.Context) error

// HealthHandler provides health check endpoints for readiness and liveness probes
type HealthHandler struct {
	startTime       time.Time
	readinessChecks map[string]Check
	livenessChecks  map[string]Check
	timeout         time.Duration
	logger          *zap.Logger
}

// HealthResponse is the probe body
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	h := &HealthHandler{
		startTime:       time.Now(),
		readinessChecks: make(map[string]Check),
		livenessChecks:  make(map[string]Check),
		timeout:         3 * time.Second,
		logger:          logger,
	}
	h.livenessChecks["uptime"] = func(context.Context) error { return nil }
	return h
}

// AddReadinessCheck registers a dependency the service needs to take traffic
func (h *HealthHandler) AddReadinessCheck(name string, check Check) {
	h.readinessChecks[name] = check
}

// AddLivenessCheck registers a check that only fails when a restart helps
func (h *HealthHandler) AddLivenessCheck(name string, check Check) {
	h.livenessChecks[name] = check
}

// HandleReadiness handles readiness probe requests
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.readinessChecks, true)
}

// HandleLiveness handles liveness probe requests
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.livenessChecks, false)
}

// HandleHealth handles general health check requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		h.logger.Debug("error writing health response", zap.Error(err))
	}
}

func (h *HealthHandler) respond(w http.ResponseWriter, r *http.Request, checks map[string]Check, withDetails bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	details := make(map[string]string)
	allOk := true
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			allOk = false
			details[name] = err.Error()
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		} else {
			details[name] = "OK"
		}
	}

	response := HealthResponse{
		Status:    "UP",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).String(),
	}
	if withDetails {
		response.Details = details
	}

	w.Header().Set("Content-Type", "application/json")
	if !allOk {
		response.Status = "DOWN"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("error encoding health response", zap.Error(err))
	}
}
