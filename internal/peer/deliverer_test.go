package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeliverer(t *testing.T, handler http.HandlerFunc) (*HTTPDeliverer, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	recipient := strings.TrimPrefix(srv.URL, "http://")
	d := NewHTTPDeliverer("alice.example.org", zerolog.Nop(),
		WithScheme("http"), WithHTTPClient(srv.Client()))
	return d, recipient
}

func TestDeliver_Delivered(t *testing.T) {
	var gotPath string
	var gotBody deliverRequest
	d, recipient := newTestDeliverer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	driveID, fileID := uuid.New(), uuid.New()
	status, err := d.Deliver(context.Background(), recipient, driveID, fileID)
	require.NoError(t, err)
	assert.Equal(t, Delivered, status)
	assert.Equal(t, "/api/v1/transit/receive", gotPath)
	assert.Equal(t, "alice.example.org", gotBody.Sender)
	assert.Equal(t, driveID.String(), gotBody.DriveID)
	assert.Equal(t, fileID.String(), gotBody.FileID)
}

func TestDeliver_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		code int
		want DeliveryStatus
	}{
		{"accepted", http.StatusAccepted, Delivered},
		{"forbidden", http.StatusForbidden, AccessDenied},
		{"unauthorized", http.StatusUnauthorized, AccessDenied},
		{"bad request", http.StatusBadRequest, BadRequest},
		{"not found", http.StatusNotFound, BadRequest},
		{"server error", http.StatusInternalServerError, ServerError},
		{"unavailable", http.StatusServiceUnavailable, ServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, recipient := newTestDeliverer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			})
			status, err := d.Deliver(context.Background(), recipient, uuid.New(), uuid.New())
			if tt.want == Delivered {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDeliver_TimeoutMapsToNotResponding(t *testing.T) {
	d, recipient := newTestDeliverer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	status, err := d.Deliver(ctx, recipient, uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, NotResponding, status)
}

func TestDeliver_ConnectionRefusedMapsToNotResponding(t *testing.T) {
	d := NewHTTPDeliverer("alice.example.org", zerolog.Nop(), WithScheme("http"))

	status, err := d.Deliver(context.Background(), "127.0.0.1:1", uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, NotResponding, status)
}
