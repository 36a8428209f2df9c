package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupRoutes(t *testing.T) {
	relay := NewRelay(DefaultConfig(), nil)
	api := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })

	t.Run("all routes", func(t *testing.T) {
		mux := SetupRoutes(relay, api, metrics)
		tests := []struct {
			method string
			path   string
			want   int
		}{
			{http.MethodGet, "/", http.StatusOK},
			{http.MethodPost, "/ws", http.StatusMethodNotAllowed},
			{http.MethodGet, "/ws", http.StatusBadRequest},
			{http.MethodGet, "/metrics", http.StatusAccepted},
			{http.MethodGet, "/api/messages", http.StatusTeapot},
		}
		for _, tt := range tests {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code, "%s %s", tt.method, tt.path)
		}
	})

	t.Run("optional routes", func(t *testing.T) {
		mux := SetupRoutes(relay, nil, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, "relay is running!", rec.Body.String(), "falls through to the health handler")
	})
}

func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":9999", handler)

	require.NotNil(t, srv)
	assert.Equal(t, ":9999", srv.Addr)
	assert.Equal(t, handler, srv.Handler)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}
