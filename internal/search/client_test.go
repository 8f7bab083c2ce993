package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// recordingServer wraps httptest.Server and records each hit's time.
type recordingServer struct {
	*httptest.Server
	mu    sync.Mutex
	hits  []time.Time
	calls int
}

func newRecordingServer(handler func(n int, w http.ResponseWriter, r *http.Request)) *recordingServer {
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.hits = append(rs.hits, time.Now())
		n := rs.calls
		rs.calls++
		rs.mu.Unlock()
		handler(n, w, r)
	}))
	return rs
}

func (rs *recordingServer) callCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.calls
}

func newTestClient(baseURL string, cfg Config) *Client {
	cfg.APIKey = "test-key"
	cfg.BaseURL = baseURL
	if cfg.MinInterval == 0 {
		cfg.MinInterval = time.Millisecond
	}
	return New(cfg)
}

func TestMissingAPIKeyFailsFast(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MinInterval: time.Millisecond})
	_, err := c.Fetch(context.Background(), "apple calories")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("error = %v, want ErrMissingAPIKey", err)
	}
	if srv.callCount() != 0 {
		t.Errorf("network calls = %d, want 0", srv.callCount())
	}
}

func TestRetryAfter429ThenSuccess(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("rate limited"))
			return
		}
		w.Write([]byte(`{
			"knowledge_graph": {"title": "Apple", "calories": "52 kcal"},
			"organic_results": [
				{"title": "Apple nutrition", "snippet": "52 kcal per 100g", "link": "https://example.com"}
			]
		}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 2, BackoffFactor: 1.0})
	result, err := c.Fetch(context.Background(), "apple calories")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if srv.callCount() != 2 {
		t.Errorf("network calls = %d, want 2", srv.callCount())
	}
	if len(result.Snippets) != 1 {
		t.Fatalf("snippets = %d, want 1", len(result.Snippets))
	}
	if result.Snippets[0].Title != "Apple nutrition" {
		t.Errorf("snippet title = %q", result.Snippets[0].Title)
	}
	if result.KnowledgeGraph["title"] != "Apple" {
		t.Errorf("knowledge graph = %v", result.KnowledgeGraph)
	}
}

func TestExhaustedRetriesCarryLastStatusAndBody(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 1, BackoffFactor: 1.0})
	_, err := c.Fetch(context.Background(), "banana calories")

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %T (%v), want *RequestError", err, err)
	}
	if reqErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", reqErr.Status)
	}
	if reqErr.Detail != "upstream exploded" {
		t.Errorf("detail = %q", reqErr.Detail)
	}
	// maxRetries=1 means exactly 2 attempts.
	if srv.callCount() != 2 {
		t.Errorf("network calls = %d, want 2", srv.callCount())
	}
}

func TestDecodeFailureReportsInvalidJSONMarker(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 1, BackoffFactor: 1.0})
	_, err := c.Fetch(context.Background(), "toast calories")

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %T (%v), want *RequestError", err, err)
	}
	if reqErr.Detail != "invalid json" {
		t.Errorf("detail = %q, want %q", reqErr.Detail, "invalid json")
	}
	if srv.callCount() != 2 {
		t.Errorf("network calls = %d, want 2", srv.callCount())
	}
}

func TestDetailTruncatedTo300Chars(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(long)
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 0})
	_, err := c.Fetch(context.Background(), "q")

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %T, want *RequestError", err)
	}
	if len(reqErr.Detail) != 300 {
		t.Errorf("detail length = %d, want 300", len(reqErr.Detail))
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"organic_results": [{"title": "t", "snippet": "s", "link": "l"}]}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 0})
	for i := 0; i < 5; i++ {
		result, err := c.Fetch(context.Background(), "oatmeal calories")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if len(result.Snippets) != 1 {
			t.Fatalf("call %d: snippets = %d, want 1", i, len(result.Snippets))
		}
	}
	if srv.callCount() != 1 {
		t.Errorf("network calls = %d, want 1", srv.callCount())
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 0, CacheSize: 2})

	fetch := func(q string) {
		t.Helper()
		if _, err := c.Fetch(context.Background(), q); err != nil {
			t.Fatalf("fetch %q: %v", q, err)
		}
	}

	fetch("a") // miss -> 1
	fetch("b") // miss -> 2
	fetch("a") // hit, refreshes a
	fetch("c") // miss -> 3, evicts b
	fetch("a") // hit
	if srv.callCount() != 3 {
		t.Fatalf("network calls = %d, want 3", srv.callCount())
	}
	fetch("b") // evicted, miss -> 4
	if srv.callCount() != 4 {
		t.Errorf("network calls = %d, want 4", srv.callCount())
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MaxRetries: 0})
	if _, err := c.Fetch(context.Background(), "soup calories"); err == nil {
		t.Fatal("expected first fetch to fail")
	}
	if _, err := c.Fetch(context.Background(), "soup calories"); err != nil {
		t.Fatalf("second fetch: unexpected error: %v", err)
	}
	if srv.callCount() != 2 {
		t.Errorf("network calls = %d, want 2", srv.callCount())
	}
}

func TestThrottleSpacesOutboundCalls(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	const interval = 30 * time.Millisecond
	c := newTestClient(srv.URL, Config{MinInterval: interval, MaxRetries: 0})

	queries := []string{"rice calories", "beans calories", "egg calories"}
	for _, q := range queries {
		if _, err := c.Fetch(context.Background(), q); err != nil {
			t.Fatalf("fetch %q: %v", q, err)
		}
	}

	srv.mu.Lock()
	hits := append([]time.Time(nil), srv.hits...)
	srv.mu.Unlock()

	if len(hits) != 3 {
		t.Fatalf("network calls = %d, want 3", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		gap := hits[i].Sub(hits[i-1])
		// Small slack for scheduling jitter between the gate and the handler.
		if gap < interval-5*time.Millisecond {
			t.Errorf("gap %d = %v, want >= %v", i, gap, interval)
		}
	}
}

func TestBackoffGrowsBetweenAttempts(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	const interval = 10 * time.Millisecond
	c := newTestClient(srv.URL, Config{MinInterval: interval, MaxRetries: 2, BackoffFactor: 2.0})

	start := time.Now()
	_, err := c.Fetch(context.Background(), "q")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error")
	}
	if srv.callCount() != 3 {
		t.Fatalf("network calls = %d, want 3", srv.callCount())
	}
	// Backoff sleeps alone are 10ms + 20ms; throttle adds more on top.
	if elapsed < 25*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 25ms of backoff", elapsed)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv := newRecordingServer(func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	c := newTestClient(srv.URL, Config{MinInterval: 50 * time.Millisecond, MaxRetries: 5, BackoffFactor: 2.0})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, "q")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}
