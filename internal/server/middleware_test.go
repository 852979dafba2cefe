package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bobmcallan/kabuka/internal/common"
)

func TestLoggingMiddleware_4xxUsesInfoLevel(t *testing.T) {
	// At WARN, Info events are filtered out.
	var buf bytes.Buffer
	logger := common.NewLoggerWithOutput("warn", &buf)

	handler := loggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/process", nil))

	if strings.Contains(buf.String(), "HTTP request") {
		t.Errorf("Expected 400 log to be filtered at WARN level, but it passed through: %s", buf.String())
	}
}

func TestLoggingMiddleware_5xxUsesErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := common.NewLoggerWithOutput("warn", &buf)

	handler := loggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/process", nil))

	if !strings.Contains(buf.String(), "HTTP request") {
		t.Errorf("Expected 500 log to pass WARN filter, got: %q", buf.String())
	}
}

func TestLoggingMiddleware_2xxUsesDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := common.NewLoggerWithOutput("info", &buf)

	handler := loggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if strings.Contains(buf.String(), "HTTP request") {
		t.Errorf("Expected 200 log to be filtered at INFO level, but it passed through: %s", buf.String())
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc123" {
		t.Errorf("Expected correlation id abc123, got %q", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := rr.Header().Get("X-Correlation-ID"); len(got) != 8 {
		t.Errorf("Expected generated 8 char correlation id, got %q", got)
	}
}

func TestRecoveryMiddleware_Returns500(t *testing.T) {
	var buf bytes.Buffer
	logger := common.NewLoggerWithOutput("error", &buf)

	handler := recoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("calendar exhausted")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rr.Code)
	}
	var body StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON body: %v", err)
	}
	if body.Status != "error" || !strings.HasPrefix(body.Message, "Unexpected error:") {
		t.Errorf("Unexpected body: %+v", body)
	}
	if !strings.Contains(buf.String(), "calendar exhausted") {
		t.Errorf("Expected panic value in log, got %q", buf.String())
	}
}
