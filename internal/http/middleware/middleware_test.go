package middleware

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDKeepsValidCallerID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "worker-7-poll-42")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if seen != "worker-7-poll-42" {
		t.Fatalf("expected caller request id, got %q", seen)
	}
	if got := recorder.Header().Get("X-Request-Id"); got != "worker-7-poll-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestRequestIDReplacesInvalidCallerID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "has spaces\tand tabs")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	if seen == "" || seen == "unknown" || strings.Contains(seen, " ") {
		t.Fatalf("expected generated request id, got %q", seen)
	}
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestRateLimitSeparatesWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimit(ctx, RateLimitConfig{RPS: 0.001, Burst: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(workerID string) int {
		request := httptest.NewRequest(http.MethodGet, "/v1/worker/poll", nil)
		request.RemoteAddr = "10.0.0.5:51000"
		if workerID != "" {
			request.Header.Set("X-Worker-Id", workerID)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	if code := call("W1"); code != http.StatusOK {
		t.Fatalf("expected first W1 request to pass, got %d", code)
	}
	if code := call("W1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second W1 request to be limited, got %d", code)
	}
	if code := call("W2"); code != http.StatusOK {
		t.Fatalf("expected W2 to have its own bucket, got %d", code)
	}
	if code := call(""); code != http.StatusOK {
		t.Fatalf("expected anonymous caller to be keyed by address, got %d", code)
	}
}

func TestTraceLogsStatus(t *testing.T) {
	var buffer bytes.Buffer
	logger := log.New(&buffer, "", 0)

	handler := RequestID(Trace(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	request := httptest.NewRequest(http.MethodPost, "/v1/uploads", nil)
	request.Header.Set("X-Worker-Id", "W9")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	line := buffer.String()
	if !strings.Contains(line, "status=202") || !strings.Contains(line, "worker_id=W9") {
		t.Fatalf("unexpected trace line %q", line)
	}
}
