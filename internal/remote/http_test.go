package remote

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testHTTPConfig() HTTPConfig {
	return HTTPConfig{Timeout: 5 * time.Second, RetryCount: 1, RetryWait: time.Millisecond}
}

func newTestRemote(url string) Remote {
	return Remote{
		ID:     "test",
		Type:   TypePVE,
		Nodes:  []string{url},
		AuthID: "root@pam!test",
		Token:  "secret",
	}
}

func TestHTTPClientGet(t *testing.T) {
	var gotAuth, gotPath, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotSince = r.URL.Query().Get("since")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"node":"pve1"},{"node":"pve2"}]}`)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(newTestRemote(srv.URL), "PVEAPIToken=root@pam!test=secret", testHTTPConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	var nodes []struct {
		Node string `json:"node"`
	}
	if err := client.Get(context.Background(), "/nodes", map[string]string{"since": "10"}, &nodes); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if len(nodes) != 2 || nodes[1].Node != "pve2" {
		t.Errorf("Unexpected nodes: %+v", nodes)
	}
	if gotAuth != "PVEAPIToken=root@pam!test=secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api2/json/nodes" {
		t.Errorf("Path = %q", gotPath)
	}
	if gotSince != "10" {
		t.Errorf("since = %q", gotSince)
	}
}

func TestHTTPClientStatusError(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retryable bool
		wantCalls int32
	}{
		{name: "not found", code: http.StatusNotFound, retryable: false, wantCalls: 1},
		{name: "forbidden", code: http.StatusForbidden, retryable: false, wantCalls: 1},
		{name: "server error", code: http.StatusInternalServerError, retryable: true, wantCalls: 2},
		{name: "too many requests", code: http.StatusTooManyRequests, retryable: true, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			client, err := NewHTTPClient(newTestRemote(srv.URL), "x", testHTTPConfig())
			if err != nil {
				t.Fatalf("Failed to create client: %v", err)
			}

			err = client.Get(context.Background(), "/nodes", nil, nil)
			if !errors.Is(err, ErrRequest) {
				t.Fatalf("Expected ErrRequest, got %v", err)
			}

			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tt.code {
				t.Errorf("Expected status %d, got %v", tt.code, err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", !tt.retryable, tt.retryable)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("Server called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestHTTPClientMissingData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":null}`)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(newTestRemote(srv.URL), "x", testHTTPConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	var out []string
	if err := client.Get(context.Background(), "/nodes", nil, &out); err == nil {
		t.Error("Expected error for null data")
	}
}

func TestHTTPClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer srv.Close()

	r := newTestRemote(srv.URL)
	r.RequestsPerSecond = 20
	client, err := NewHTTPClient(r, "x", testHTTPConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	start := time.Now()
	for range 3 {
		if err := client.Get(context.Background(), "/", nil, nil); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Three requests at 20/s took only %s", elapsed)
	}
}

func TestHTTPClientPinnedFingerprint(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":"ok"}`)
	}))
	defer srv.Close()

	sum := sha256.Sum256(srv.Certificate().Raw)

	r := newTestRemote(srv.URL)
	r.Fingerprint = FormatFingerprint(sum[:])
	client, err := NewHTTPClient(r, "x", testHTTPConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	var out string
	if err := client.Get(context.Background(), "/version", nil, &out); err != nil {
		t.Fatalf("Get with matching fingerprint failed: %v", err)
	}
	if out != "ok" {
		t.Errorf("out = %q, want ok", out)
	}

	wrong := sha256.Sum256([]byte("other"))
	r.Fingerprint = FormatFingerprint(wrong[:])
	client, err = NewHTTPClient(r, "x", HTTPConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := client.Get(context.Background(), "/version", nil, &out); err == nil {
		t.Error("Expected fingerprint mismatch")
	}
}

func TestInvalidFingerprint(t *testing.T) {
	r := newTestRemote("https://localhost")
	r.Fingerprint = "zz"
	if _, err := NewHTTPClient(r, "x", testHTTPConfig()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "bad gateway", err: fmt.Errorf("wrapped: %w", &StatusError{Code: 502}), want: true},
		{name: "unauthorized", err: &StatusError{Code: 401}, want: false},
		{name: "not found", err: ErrRemoteNotFound, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
