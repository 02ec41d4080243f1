// Package llm talks to an OpenAI-compatible completion endpoint and
// caches responses so identical prompts within the TTL cost nothing.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/azos-dev/azos/internal/errclass"
)

// Options tune a single completion request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"prompt_tokens"`
	OutputTokens int64 `json:"completion_tokens"`
}

// Completion is one model response.
type Completion struct {
	Text      string
	Model     string
	Usage     Usage
	LatencyMS int64
	Cached    bool
}

// Stats summarizes cache behavior.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Client is a cached OpenAI-compatible API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries uint64

	mu     sync.Mutex // guards cache mutation for invalidation scans
	cache  *lru.LRU[string, *Completion]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewClient creates a client. cacheSize <= 0 still gets a small cache;
// a zero TTL means entries never expire by age.
func NewClient(baseURL, apiKey string, timeout time.Duration, cacheSize int, cacheTTL time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
		cache:      lru.NewLRU[string, *Completion](cacheSize, nil, cacheTTL),
	}
}

// cacheKey derives a stable key from everything that affects the
// response. Options are serialized in fixed field order.
func cacheKey(model, prompt string, opts Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00temp=%g\x00max=%d", model, prompt, opts.Temperature, opts.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Complete requests a completion, serving from cache when possible.
func (c *Client) Complete(ctx context.Context, model, prompt string, opts Options) (*Completion, error) {
	key := cacheKey(model, prompt, opts)
	if cached, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		out := *cached
		out.Cached = true
		return &out, nil
	}
	c.misses.Add(1)

	comp, err := c.complete(ctx, model, prompt, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, comp)
	return comp, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Client) complete(ctx context.Context, model, prompt string, opts Options) (*Completion, error) {
	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	start := time.Now()
	var resp chatResponse
	if err := c.postJSON(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errclass.New(errclass.Fatal, "empty completion response", nil)
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return &Completion{
		Text:      resp.Choices[0].Message.Content,
		Model:     respModel,
		Usage:     resp.Usage,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// Embeddings returns one vector per input. Embeddings are not cached;
// callers batch them instead.
func (c *Client) Embeddings(ctx context.Context, model string, inputs []string) ([][]float64, *Usage, error) {
	var resp embedResponse
	if err := c.postJSON(ctx, "/embeddings", embedRequest{Model: model, Input: inputs}, &resp); err != nil {
		return nil, nil, err
	}
	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, &resp.Usage, nil
}

// postJSON sends a request and decodes the response, retrying
// transient failures with backoff.
func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errclass.New(errclass.Fatal, "encode request", err)
	}

	policy := backoff.WithContext(
		errclass.Policy(errclass.Retryable, 500*time.Millisecond, c.maxRetries), ctx)

	op := func() error {
		err := c.postOnce(ctx, path, payload, respBody)
		if err != nil && !errclass.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, policy)
}

func (c *Client) postOnce(ctx context.Context, path string, payload []byte, respBody any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errclass.New(errclass.Fatal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errclass.ClassifyNetwork(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errclass.ClassifyNetwork(err)
	}
	if err := errclass.ClassifyHTTP(nil, resp.StatusCode); err != nil {
		return err
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return errclass.New(errclass.Fatal, "decode response", err)
	}
	return nil
}

// InvalidateAll drops every cached response.
func (c *Client) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// InvalidateModel drops cached responses produced by one model.
func (c *Client) InvalidateModel(model string) int {
	return c.invalidate(func(comp *Completion) bool {
		return comp.Model == model
	})
}

// InvalidateMatching drops cached responses whose text contains the
// given substring.
func (c *Client) InvalidateMatching(substring string) int {
	return c.invalidate(func(comp *Completion) bool {
		return strings.Contains(comp.Text, substring)
	})
}

func (c *Client) invalidate(match func(*Completion) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var drop []string
	for _, key := range c.cache.Keys() {
		if comp, ok := c.cache.Peek(key); ok && match(comp) {
			drop = append(drop, key)
		}
	}
	sort.Strings(drop)
	for _, key := range drop {
		c.cache.Remove(key)
	}
	return len(drop)
}

// Ping probes the API with a models listing, verifying reachability
// and credentials.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errclass.ClassifyNetwork(err)
	}
	defer resp.Body.Close()
	return errclass.ClassifyHTTP(nil, resp.StatusCode)
}

// Stats returns cache hit/miss counters and the current entry count.
func (c *Client) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.cache.Len(),
	}
}
