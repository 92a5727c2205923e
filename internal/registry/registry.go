// Package registry reads booking state from the booking service at fire time.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"ms-reminders/internal/auth"
	"ms-reminders/internal/models"
)

// ErrNotFound means the booking no longer exists
var ErrNotFound = errors.New("booking not found")

// Registry returns the current state of a booking
type Registry interface {
	Lookup(ctx context.Context, entityID string) (models.EntityState, error)
}

// HTTPRegistry calls GET {baseURL}/internal/v1/bookings/{id}/status
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	tokens  auth.TokenSource
	logger  *zap.Logger
}

func NewHTTPRegistry(baseURL string, client *http.Client, tokens auth.TokenSource, logger *zap.Logger) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		logger:  logger,
	}
}

type statusResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	ScheduledDate string `json:"scheduledDate"`
	ScheduledTime string `json:"scheduledTime"`
}

func (r *HTTPRegistry) Lookup(ctx context.Context, entityID string) (models.EntityState, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return models.EntityState{}, fmt.Errorf("failed to get service token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/internal/v1/bookings/%s/status", r.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.EntityState{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return models.EntityState{}, fmt.Errorf("booking status request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Warn("error closing booking status body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return models.EntityState{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.EntityState{}, fmt.Errorf("booking service returned status %d: %s", resp.StatusCode, string(body))
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.EntityState{}, fmt.Errorf("failed to decode booking status: %w", err)
	}

	state := models.EntityState{
		EntityID: entityID,
		Status:   models.EntityStatus(strings.ToLower(body.Status)),
	}
	if body.ScheduledDate != "" && body.ScheduledTime != "" {
		state.ScheduledAt = &models.LocalDateTime{Date: body.ScheduledDate, Time: body.ScheduledTime}
	}
	return state, nil
}
