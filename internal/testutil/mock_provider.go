// Package testutil provides a fake repository API for extractor tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request is a request seen by the mock server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// MockProvider is a configurable mock repository API.
type MockProvider struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	requests []Request

	conditionalCount int
}

// NewMockProvider creates a new mock provider server.
func NewMockProvider() *MockProvider {
	mock := &MockProvider{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		})
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// Reset clears recorded requests.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.conditionalCount = 0
}

// SetHandler sets a custom handler for a specific path.
func (m *MockProvider) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockProvider) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence answers successive requests to path with resps in order;
// the last response repeats.
func (m *MockProvider) SetSequence(path string, resps ...MockResponse) {
	var mu sync.Mutex
	n := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[min(n, len(resps)-1)]
		n++
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetPages serves pages[i] for page number i+1 of a page-numbered listing,
// read from the query parameter param.
func (m *MockProvider) SetPages(path, param string, pages ...string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get(param))
		if err != nil || n < 1 || n > len(pages) {
			writeResponse(w, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error": "bad page"}`})
			return
		}
		writeResponse(w, NewJSONResponse(pages[n-1]))
	})
}

// SetCursorPages serves pages keyed by the value of the query parameter
// param.
func (m *MockProvider) SetCursorPages(path, param string, pages map[string]string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Query().Get(param)]
		if !ok {
			writeResponse(w, MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error": "bad cursor"}`})
			return
		}
		writeResponse(w, NewJSONResponse(body))
	})
}

// Requests returns a copy of the recorded requests.
func (m *MockProvider) Requests() []Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockProvider) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// CountPath returns the number of requests made to path.
func (m *MockProvider) CountPath(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockProvider) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Remaining": "100",
			"X-RateLimit-Reset":     "60",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewConditionalHandler responds with 304 when If-None-Match equals etag.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}

// DryadSearchPage renders a Dryad search response listing identifiers with
// their version numbers.
func DryadSearchPage(hasNext bool, datasets ...DryadDataset) string {
	items := make([]map[string]any, 0, len(datasets))
	for _, d := range datasets {
		items = append(items, map[string]any{
			"identifier":    d.Identifier,
			"versionNumber": d.Version,
			"title":         d.Title,
		})
	}
	links := map[string]any{"self": map[string]string{"href": "/api/v2/search"}}
	if hasNext {
		links["next"] = map[string]string{"href": "/api/v2/search?page=next"}
	}
	return mustJSON(map[string]any{
		"_links":    links,
		"count":     len(items),
		"_embedded": map[string]any{"stash:datasets": items},
	})
}

// DryadDataset is a Dryad dataset fixture.
type DryadDataset struct {
	Identifier string
	Version    int
	Title      string
}

// Detail renders the dataset detail response.
func (d DryadDataset) Detail() string {
	return mustJSON(map[string]any{
		"identifier":    d.Identifier,
		"versionNumber": d.Version,
		"title":         d.Title,
		"license":       "https://spdx.org/licenses/CC0-1.0.html",
	})
}

// ZenodoRecord is a Zenodo record fixture.
type ZenodoRecord struct {
	ID       int
	Revision int
	DOI      string
	Title    string
}

// ZenodoSearchPage renders a Zenodo records search response.
func ZenodoSearchPage(next string, records ...ZenodoRecord) string {
	hits := make([]map[string]any, 0, len(records))
	for _, r := range records {
		hits = append(hits, map[string]any{
			"id":       r.ID,
			"revision": r.Revision,
			"doi":      r.DOI,
			"metadata": map[string]any{"title": r.Title, "resource_type": map[string]string{"type": "dataset"}},
		})
	}
	links := map[string]string{"self": "/api/records"}
	if next != "" {
		links["next"] = next
	}
	return mustJSON(map[string]any{
		"hits":  map[string]any{"hits": hits, "total": len(hits)},
		"links": links,
	})
}

// DataCiteDOI is a DataCite DOI fixture.
type DataCiteDOI struct {
	DOI     string
	Updated string
	Title   string
}

// DataCiteListPage renders a DataCite /dois response. nextCursor, when set,
// produces a links.next URL carrying page[cursor].
func DataCiteListPage(baseURL, nextCursor string, dois ...DataCiteDOI) string {
	data := make([]map[string]any, 0, len(dois))
	for _, d := range dois {
		data = append(data, dataciteItem(d))
	}
	links := map[string]string{"self": baseURL + "/dois"}
	if nextCursor != "" {
		q := url.Values{"page[cursor]": {nextCursor}, "page[size]": {"100"}}
		links["next"] = fmt.Sprintf("%s/dois?%s", baseURL, q.Encode())
	}
	return mustJSON(map[string]any{"data": data, "links": links})
}

// DataCiteDetail renders a DataCite /dois/{id} response.
func DataCiteDetail(d DataCiteDOI) string {
	return mustJSON(map[string]any{"data": dataciteItem(d)})
}

func dataciteItem(d DataCiteDOI) map[string]any {
	return map[string]any{
		"id":   d.DOI,
		"type": "dois",
		"attributes": map[string]any{
			"doi":     d.DOI,
			"updated": d.Updated,
			"titles":  []map[string]string{{"title": d.Title}},
		},
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
