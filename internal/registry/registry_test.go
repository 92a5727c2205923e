package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ms-reminders/internal/auth"
	"ms-reminders/internal/models"
)

func TestHTTPRegistry_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer m2m", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/internal/v1/bookings/b1/status":
			_, _ = w.Write([]byte(`{"id":"b1","status":"ACTIVE","scheduledDate":"2024-01-10","scheduledTime":"14:00"}`))
		case "/internal/v1/bookings/b2/status":
			_, _ = w.Write([]byte(`{"id":"b2","status":"cancelled"}`))
		case "/internal/v1/bookings/gone/status":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL+"/", srv.Client(), auth.Static("m2m"), zap.NewNop())
	ctx := context.Background()

	state, err := reg.Lookup(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusActive, state.Status)
	require.NotNil(t, state.ScheduledAt)
	assert.Equal(t, "14:00", state.ScheduledAt.Time)

	state, err = reg.Lookup(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusCancelled, state.Status)
	assert.Nil(t, state.ScheduledAt)

	_, err = reg.Lookup(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Lookup(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
