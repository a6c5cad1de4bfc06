package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/peyk/internal/db"
	"github.com/4xmen/peyk/pkg/config"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment:      "test",
		DatabasePath:     filepath.Join(t.TempDir(), "peyk.db"),
		JWTSecret:        "test-secret",
		CORSOrigins:      "*",
		HeartbeatTimeout: time.Minute,
		TypingTimeout:    1500 * time.Millisecond,
		SendInterval:     800 * time.Millisecond,
	}
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	srv, err := newServer(context.Background(), cfg, database, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "peyk_connections") {
		t.Error("expected peyk_connections in metrics output")
	}
}

func TestRegisterIsRateLimited(t *testing.T) {
	srv := newTestServer(t)

	var last *httptest.ResponseRecorder
	for i, name := range []string{"user_one", "user_two", "user_three"} {
		body, _ := json.Marshal(map[string]string{"username": name, "password": "password123"})
		req := httptest.NewRequest("POST", "/api/auth/register", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		last = httptest.NewRecorder()
		srv.router.ServeHTTP(last, req)

		if i < 2 && last.Code != http.StatusCreated {
			t.Fatalf("register %d status = %d, want 201", i, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Errorf("third register status = %d, want 429", last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", last.Header().Get("X-RateLimit-Limit"))
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/api/users", "/api/profile", "/ws"} {
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/users", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
}

func TestRunCommandUnknown(t *testing.T) {
	if err := runCommand(&config.Config{}, []string{"frobnicate"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
