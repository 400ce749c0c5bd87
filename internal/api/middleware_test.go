package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name  string
		panic any
	}{
		{"error", io.ErrUnexpectedEOF},
		{"string", "something went wrong"},
		{"int", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.panic)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("Expected status 500, got %d", w.Code)
			}
			var resp STACError
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if resp.Code != ErrCodeServerError {
				t.Errorf("Expected code %q, got %q", ErrCodeServerError, resp.Code)
			}
		})
	}
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
}

func TestRecovery_NoPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", w.Code, w.Body.String())
	}
}

func TestRecovery_LogsError(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic message")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test-path", nil))

	logOutput := logBuf.String()
	for _, want := range []string{"panic recovered", "test panic message", "/test-path"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("Expected log to contain %q, got: %s", want, logOutput)
		}
	}
}

func TestRecovery_IncludesRequestIDInResponse(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Chain: RequestID -> Recovery -> handler that panics
	handler := middleware.RequestID(Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-Id", "test-req-123")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var resp STACError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("Expected request_id 'test-req-123' in error response, got %s", resp.RequestID)
	}
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"ok", http.StatusOK, "level=INFO"},
		{"client error", http.StatusNotFound, "level=WARN"},
		{"server error", http.StatusBadGateway, "level=ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logBuf, nil))

			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest("GET", "/collections/s2/tiles/1/2/3.png?datetime=2024", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			logOutput := logBuf.String()
			for _, want := range []string{
				"http request",
				tt.level,
				"method=GET",
				"path=/collections/s2/tiles/1/2/3.png",
				"status=" + strconv.Itoa(tt.status),
				"cache=HIT",
				"duration=",
			} {
				if !strings.Contains(logOutput, want) {
					t.Errorf("Expected log to contain %q, got: %s", want, logOutput)
				}
			}
		})
	}
}

func TestRequestLogger_IncludesRequestID(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	// Chain: RequestID -> RequestLogger -> handler
	handler := middleware.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(logBuf.String(), "request_id=abc-123") {
		t.Errorf("Expected log to contain 'request_id=abc-123', got: %s", logBuf.String())
	}
}

func TestRequestIDResponse(t *testing.T) {
	handler := middleware.RequestID(RequestIDResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set in response")
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-Id", "custom-request-id-123")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "custom-request-id-123" {
		t.Errorf("Expected X-Request-ID to be 'custom-request-id-123', got %s", got)
	}
}

func TestGetRequestID_EmptyContext(t *testing.T) {
	if reqID := GetRequestID(context.Background()); reqID != "" {
		t.Errorf("Expected empty request ID for empty context, got %s", reqID)
	}
}

func TestTracing_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Tracing)
	r.Get("/tiles/{z}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/tiles/3", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}
