package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/app"
	"github.com/dennisdiepolder/monti/webphone/internal/config"
	"github.com/dennisdiepolder/monti/webphone/internal/control"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		AllowedOrigins: []string{"http://localhost:5173"},
		AuditBuffer:    10,
		Feed:           config.FeedConfig{URL: "ws://127.0.0.1:1/ws"},
		SIP:            config.SIPConfig{MaxFailures: 3},
	}
	a, err := app.New(app.Options{Config: cfg}, zerolog.Nop())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	api := control.NewAPI(a.Phone, a, a.Metrics, nil, zerolog.Nop())
	return newRouter(cfg, api, zerolog.Nop())
}

func TestHealthRoute(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("expected status ok, got %s", response["status"])
	}
	if response["service"] != "webphone" {
		t.Errorf("expected service webphone, got %s", response["service"])
	}
}

func TestRouterAppliesCORS(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("expected CORS header for allowed origin, got %q", got)
	}
}

func TestReconnectBeforeStart(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/reconnect", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 before start, got %d", rec.Code)
	}
}

func TestCallControlWithoutSession(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/calls/end", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without a call, got %d", rec.Code)
	}
}
