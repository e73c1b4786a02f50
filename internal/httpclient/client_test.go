package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestNewClient(t *testing.T) {
	client := NewClient("test-service", 10*time.Second)

	if client.serviceName != "test-service" {
		t.Errorf("NewClient() serviceName = %v, want test-service", client.serviceName)
	}
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("NewClient() timeout = %v, want %v", client.httpClient.Timeout, 10*time.Second)
	}
	if client.retryConfig.MaxRetries != DefaultRetryConfig().MaxRetries {
		t.Errorf("NewClient() max retries = %d", client.retryConfig.MaxRetries)
	}
}

func TestPostJSON_RetriesAndReplaysBody(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload["event"] != "escrow.deposited" {
			t.Errorf("attempt %d: body not replayed: %v %v", attempts.Load()+1, payload, err)
		}
		if r.Header.Get("X-Event-ID") != "evt_1" {
			t.Errorf("missing X-Event-ID header")
		}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClientWithRetry("test", time.Second, fastRetry(3))
	err := client.PostJSON(context.Background(), server.URL, map[string]string{"X-Event-ID": "evt_1"},
		map[string]string{"event": "escrow.deposited"})
	if err != nil {
		t.Fatalf("PostJSON() error: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestPostJSON_GivesUp(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClientWithRetry("test", time.Second, fastRetry(2))
	if err := client.PostJSON(context.Background(), server.URL, nil, map[string]string{}); err == nil {
		t.Fatal("PostJSON() error = nil, want max retries error")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestPostJSON_NonRetryableStatus(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad event"}`))
	}))
	defer server.Close()

	client := NewClientWithRetry("test", time.Second, fastRetry(3))
	err := client.PostJSON(context.Background(), server.URL, nil, map[string]string{})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("PostJSON() error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", httpErr.StatusCode)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	client := NewClientWithRetry("test", time.Second, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if _, err := client.Do(ctx, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded", err)
	}
}

func TestHTTPError_Error(t *testing.T) {
	withBody := &HTTPError{StatusCode: 404, Status: "404 Not Found", Body: []byte("missing")}
	if withBody.Error() != "HTTP 404: missing" {
		t.Errorf("Error() = %q", withBody.Error())
	}
	bare := &HTTPError{StatusCode: 500, Status: "500 Internal Server Error"}
	if bare.Error() != "HTTP 500: 500 Internal Server Error" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
