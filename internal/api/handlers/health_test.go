package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error {
	return m.err
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("healthy", func(t *testing.T) {
		r := gin.New()
		NewHealthHandler(&mockPinger{}, zerolog.Nop()).RegisterPublicRoutes(r)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"status":"healthy"`) {
			t.Errorf("expected healthy status, got %s", w.Body.String())
		}
	})

	t.Run("database down", func(t *testing.T) {
		r := gin.New()
		NewHealthHandler(&mockPinger{err: errors.New("connection refused")}, zerolog.Nop()).RegisterPublicRoutes(r)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "connection refused") {
			t.Errorf("expected error detail, got %s", w.Body.String())
		}
	})
}
