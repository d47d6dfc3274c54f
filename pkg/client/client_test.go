package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testConfig returns a config pointed at url with millisecond backoff.
func testConfig(url string) Config {
	cfg := DefaultConfig("dryad", url)
	cfg.BaseInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

// failingServer answers the first k requests with status, then 200.
func failingServer(t *testing.T, k int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= k {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"slow down"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			mutate:      func(*Config) {},
			expectError: false,
		},
		{
			name:        "missing provider",
			mutate:      func(c *Config) { c.Provider = "" },
			expectError: true,
			errorMsg:    "provider is required",
		},
		{
			name:        "relative base url",
			mutate:      func(c *Config) { c.BaseURL = "/api" },
			expectError: true,
			errorMsg:    "invalid base url",
		},
		{
			name:        "negative retries",
			mutate:      func(c *Config) { c.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries",
		},
		{
			name:        "shrinking backoff",
			mutate:      func(c *Config) { c.BackoffFactor = 0.5 },
			expectError: true,
			errorMsg:    "backoff_factor",
		},
		{
			name:        "empty user agent gets default",
			mutate:      func(c *Config) { c.UserAgent = "" },
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("dryad", "https://datadryad.org")
			tt.mutate(&cfg)

			client, err := New(cfg)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client.config.UserAgent == "" {
				t.Error("UserAgent should default")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("dryad", "https://datadryad.org")

	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.BaseInterval != 5*time.Second {
		t.Errorf("BaseInterval = %v, want 5s", cfg.BaseInterval)
	}
	if cfg.BackoffFactor != 2 {
		t.Errorf("BackoffFactor = %v, want 2", cfg.BackoffFactor)
	}
	if len(cfg.RetryableStatusCodes) != 1 || cfg.RetryableStatusCodes[0] != http.StatusTooManyRequests {
		t.Errorf("RetryableStatusCodes = %v, want [429]", cfg.RetryableStatusCodes)
	}
	if cfg.RetryNetworkErrors {
		t.Error("RetryNetworkErrors should default to false")
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	// K throttled responses below the budget: K+1 requests, success.
	for _, k := range []int32{0, 1, 3} {
		server, calls := failingServer(t, k, http.StatusTooManyRequests)

		cfg := testConfig(server.URL)
		cfg.MaxRetries = 5
		client, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		status, body, err := client.Do(context.Background(), http.MethodGet, "/api/v2/search", nil)
		if err != nil {
			t.Fatalf("k=%d: Do() error = %v", k, err)
		}
		if status != http.StatusOK {
			t.Errorf("k=%d: status = %d, want 200", k, status)
		}
		if string(body) != `{"ok":true}` {
			t.Errorf("k=%d: body = %s", k, body)
		}
		if got := calls.Load(); got != k+1 {
			t.Errorf("k=%d: requests = %d, want %d", k, got, k+1)
		}
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	server, calls := failingServer(t, 100, http.StatusTooManyRequests)

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 3
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _, err = client.Do(context.Background(), http.MethodGet, "/api/v2/search", nil)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *ProtocolError, got %T", err)
	}
	if pe.StatusCode != http.StatusTooManyRequests || pe.Attempts != 4 {
		t.Errorf("ProtocolError status=%d attempts=%d, want 429 and 4", pe.StatusCode, pe.Attempts)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("requests = %d, want 4 (1 + 3 retries)", got)
	}
}

func TestDo_NonRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		class  ErrorClass
	}{
		{http.StatusNotFound, ErrorClassClient},
		{http.StatusInternalServerError, ErrorClassServer},
		{http.StatusServiceUnavailable, ErrorClassServer},
	}

	for _, tt := range tests {
		server, calls := failingServer(t, 100, tt.status)
		client, err := New(testConfig(server.URL))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		_, _, err = client.Do(context.Background(), http.MethodGet, "/api/v2/datasets/x", nil)
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected *ProtocolError, got %v", tt.status, err)
		}
		if pe.Class != tt.class {
			t.Errorf("status %d: class = %q, want %q", tt.status, pe.Class, tt.class)
		}
		if errors.Is(err, ErrRetryExhausted) {
			t.Errorf("status %d: should not be reported as exhausted", tt.status)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("status %d: requests = %d, want 1", tt.status, got)
		}
	}
}

func TestDo_ConfiguredRetryableStatus(t *testing.T) {
	server, calls := failingServer(t, 2, http.StatusServiceUnavailable)

	cfg := testConfig(server.URL)
	cfg.RetryableStatusCodes = []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, _, err := client.Do(context.Background(), http.MethodGet, "/records", nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestDo_RetryAfterHonored(t *testing.T) {
	var calls atomic.Int32
	var first, second time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		second = time.Now()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxInterval = 5 * time.Second
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, _, err := client.Do(context.Background(), http.MethodGet, "/", nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if gap := second.Sub(first); gap < 900*time.Millisecond {
		t.Errorf("retry sent after %v, want >= 1s from Retry-After", gap)
	}
}

func TestDo_NetworkErrorPolicy(t *testing.T) {
	// Reserve a port and close it so connections are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := "http://" + ln.Addr().String()
	ln.Close()

	var retries atomic.Int32
	countingTransport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		retries.Add(1)
		return http.DefaultTransport.RoundTrip(r)
	})

	t.Run("not retried by default", func(t *testing.T) {
		retries.Store(0)
		cfg := testConfig(addr)
		cfg.HTTPClient = &http.Client{Transport: countingTransport}
		client, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		_, _, err = client.Do(context.Background(), http.MethodGet, "/", nil)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("Expected *TransportError, got %v", err)
		}
		if te.Attempts != 1 || retries.Load() != 1 {
			t.Errorf("attempts = %d, transport calls = %d, want 1", te.Attempts, retries.Load())
		}
	})

	t.Run("retried when enabled", func(t *testing.T) {
		retries.Store(0)
		cfg := testConfig(addr)
		cfg.MaxRetries = 2
		cfg.RetryNetworkErrors = true
		cfg.HTTPClient = &http.Client{Transport: countingTransport}
		client, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		_, _, err = client.Do(context.Background(), http.MethodGet, "/", nil)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("Expected *TransportError, got %v", err)
		}
		if te.Attempts != 3 || retries.Load() != 3 {
			t.Errorf("attempts = %d, transport calls = %d, want 3", te.Attempts, retries.Load())
		}
	})
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	server, _ := failingServer(t, 100, http.StatusTooManyRequests)

	cfg := testConfig(server.URL)
	cfg.BaseInterval = time.Minute
	cfg.MaxInterval = time.Minute
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err = client.Do(ctx, http.MethodGet, "/", nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("Expected *TransportError, got %T", err)
	}
}

func TestDo_RequestShape(t *testing.T) {
	var gotPath, gotRawPath, gotQuery, gotUA, gotAccept, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRawPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.UserAgent = "dataset-extractor-test/1.0"
	cfg.DefaultHeaders["Authorization"] = "Bearer secret"
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id := url.PathEscape("doi:10.5061/dryad.abc")
	params := url.Values{"per_page": {"100"}, "affiliation": {"https://ror.org/00f54p054"}}
	if _, _, err := client.Do(context.Background(), http.MethodGet, "/api/v2/datasets/"+id, params); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if gotPath != "/api/v2/datasets/doi:10.5061/dryad.abc" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotRawPath, "dryad.abc") || strings.Count(gotRawPath, "/") != 4 {
		t.Errorf("escaped path = %q, want the id kept as a single segment", gotRawPath)
	}
	q, _ := url.ParseQuery(gotQuery)
	if q.Get("per_page") != "100" || q.Get("affiliation") != "https://ror.org/00f54p054" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotUA != "dataset-extractor-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestDo_AbsoluteURL(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := New(testConfig("https://unused.example.org"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, _, err := client.Do(context.Background(), http.MethodGet, server.URL+"/api/records?page=2&size=50", nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if gotQuery != "page=2&size=50" {
		t.Errorf("query = %q, want page=2&size=50", gotQuery)
	}
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.Write([]byte(`{"truncated":`))
			return
		}
		w.Write([]byte(`{"id": 7, "title": "Seeds"}`))
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var out struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	if err := client.GetJSON(context.Background(), "/ok", nil, &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out.ID != 7 || out.Title != "Seeds" {
		t.Errorf("decoded = %+v", out)
	}

	err = client.GetJSON(context.Background(), "/broken", nil, &out)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *ProtocolError, got %v", err)
	}
	if pe.Class != ErrorClassProtocol {
		t.Errorf("class = %q, want protocol", pe.Class)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
