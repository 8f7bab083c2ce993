package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultBaseURL   = "https://serpapi.com/search"
	defaultCacheSize = 128
	requestTimeout   = 10 * time.Second
	maxDetailLen     = 300
	maxSnippets      = 3
)

// ErrMissingAPIKey is returned when no search credential is configured.
// It is not retryable and no network call is made.
var ErrMissingAPIKey = errors.New("search API key is not configured")

// RequestError is returned after the retry budget is exhausted. Detail holds
// the last response body truncated to 300 chars, or the literal "invalid json"
// when the last failure was a decode error rather than an HTTP status.
type RequestError struct {
	Status int
	Detail string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("search request failed (HTTP %d): %s", e.Status, e.Detail)
}

// Snippet is one organic search result, reduced to the fields the synthesis
// prompt needs.
type Snippet struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
}

// Result is the bounded projection of a search response: the knowledge graph
// plus at most three organic results. The full response is discarded.
type Result struct {
	Snippets       []Snippet      `json:"snippets"`
	KnowledgeGraph map[string]any `json:"knowledge_graph"`
}

// Config holds the search client tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	APIKey        string
	BaseURL       string        // default https://serpapi.com/search
	MinInterval   time.Duration // minimum gap between outbound calls; default 1s
	MaxRetries    int           // additional attempts after the first
	BackoffFactor float64       // backoff multiplier, clamped to >= 1.0
	CacheSize     int           // LRU capacity, default 128
}

// Client looks up web-search nutrition context for a food term. Outbound
// calls are throttled through a single shared gate, retried with exponential
// backoff, and successful results are memoized in a fixed-capacity LRU.
type Client struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	minInterval   time.Duration
	maxRetries    int
	backoffFactor float64

	// gateMu guards lastRequest; it is held across the throttle wait so the
	// pacing decision itself is serialized across all callers.
	gateMu      sync.Mutex
	lastRequest time.Time

	// cache is safe for concurrent use. There is deliberately no
	// single-flight: two concurrent misses on the same key may each hit the
	// network, which is acceptable at this request volume.
	cache *lru.Cache[string, Result]
}

// New creates a search Client from cfg, applying defaults for zero values.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, Result](cfg.CacheSize)
	if err != nil {
		// Only possible with a non-positive size, which is guarded above.
		panic(err)
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: requestTimeout},
		minInterval:   cfg.MinInterval,
		maxRetries:    cfg.MaxRetries,
		backoffFactor: cfg.BackoffFactor,
		cache:         cache,
	}
}

// rawResponse mirrors the parts of the SerpAPI payload we keep.
type rawResponse struct {
	KnowledgeGraph map[string]any `json:"knowledge_graph"`
	OrganicResults []Snippet      `json:"organic_results"`
}

// Fetch returns search context for query. Cache hits bypass both the
// throttle and the network. On exhausted retries the error is a
// *RequestError carrying the last observed status and detail.
func (c *Client) Fetch(ctx context.Context, query string) (Result, error) {
	if c.apiKey == "" {
		return Result{}, ErrMissingAPIKey
	}

	if cached, ok := c.cache.Get(query); ok {
		return cached, nil
	}

	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("api_key", c.apiKey)
	params.Set("hl", "en")
	params.Set("gl", "us")
	requestURL := c.baseURL + "?" + params.Encode()

	backoff := c.minInterval
	var lastStatus int
	var lastDetail string

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.throttle(ctx); err != nil {
			return Result{}, err
		}

		status, body, err := c.doRequest(ctx, requestURL)
		if err != nil {
			// Transport-level failures (DNS, refused connection, timeout)
			// are not retried; the caller degrades the single item instead.
			return Result{}, fmt.Errorf("search request: %w", err)
		}

		lastStatus = status
		lastDetail = truncate(string(body), maxDetailLen)

		if status >= http.StatusBadRequest {
			slog.Warn("search upstream error",
				"status", status, "backoff", backoff, "attempt", attempt+1, "max_attempts", c.maxRetries+1)
			if attempt < c.maxRetries {
				if err := sleepCtx(ctx, backoff); err != nil {
					return Result{}, err
				}
				backoff = time.Duration(float64(backoff) * c.backoffFactor)
				continue
			}
			return Result{}, &RequestError{Status: lastStatus, Detail: lastDetail}
		}

		var raw rawResponse
		if err := json.Unmarshal(body, &raw); err != nil {
			slog.Warn("search response decode failed", "attempt", attempt+1)
			if attempt < c.maxRetries {
				if err := sleepCtx(ctx, backoff); err != nil {
					return Result{}, err
				}
				backoff = time.Duration(float64(backoff) * c.backoffFactor)
				continue
			}
			return Result{}, &RequestError{Status: lastStatus, Detail: "invalid json"}
		}

		result := project(raw)
		c.cache.Add(query, result)
		return result, nil
	}

	// Unreachable: the loop always returns. Kept for the compiler.
	return Result{}, &RequestError{Status: lastStatus, Detail: lastDetail}
}

// throttle enforces the minimum interval between outbound calls. The gate is
// held during the wait so concurrent callers line up rather than racing the
// timestamp; it advances once per attempt regardless of the attempt outcome.
func (c *Client) throttle(ctx context.Context) error {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()

	if wait := c.minInterval - time.Since(c.lastRequest); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	c.lastRequest = time.Now()
	return nil
}

func (c *Client) doRequest(ctx context.Context, requestURL string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// project reduces the raw payload to the bounded Result shape.
func project(raw rawResponse) Result {
	result := Result{
		Snippets:       []Snippet{},
		KnowledgeGraph: raw.KnowledgeGraph,
	}
	if result.KnowledgeGraph == nil {
		result.KnowledgeGraph = map[string]any{}
	}
	for i, s := range raw.OrganicResults {
		if i >= maxSnippets {
			break
		}
		result.Snippets = append(result.Snippets, s)
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
