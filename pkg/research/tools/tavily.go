package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikeboe/deep-research/pkg/research"
)

// ErrMissingAPIKey is returned by adapters constructed without credentials.
var ErrMissingAPIKey = errors.New("API key is missing")

const (
	defaultTavilyURL = "https://api.tavily.com"
	// maxContentBytes caps the page content handed to the engine.
	maxContentBytes = 32 * 1024
	maxBackoff      = 30 * time.Second
)

// Tavily calls the Tavily search and extract APIs. A single Tavily value is
// safe for concurrent use; all calls share one rate limiter.
type Tavily struct {
	APIKey string
	// BaseURL overrides the API host, mainly for tests.
	BaseURL string
	// Depth is Tavily's search_depth parameter (basic or advanced).
	Depth      string
	MaxResults int

	client  *http.Client
	limiter *rate.Limiter
}

// NewTavily constructs a Tavily adapter issuing at most perSecond requests
// per second. perSecond <= 0 disables client-side limiting.
func NewTavily(apiKey string, perSecond float64) *Tavily {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Tavily{
		APIKey:     apiKey,
		BaseURL:    defaultTavilyURL,
		Depth:      "basic",
		MaxResults: 5,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type tavilySearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

type tavilyExtractResponse struct {
	Results []struct {
		URL        string `json:"url"`
		RawContent string `json:"raw_content"`
	} `json:"results"`
	FailedResults []struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	} `json:"failed_results"`
}

// Search implements research.Searcher.
func (t *Tavily) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	body := map[string]any{
		"query":        query,
		"search_depth": t.Depth,
		"max_results":  t.MaxResults,
	}
	var resp tavilySearchResponse
	if err := t.post(ctx, "/search", body, &resp); err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}

	results := make([]research.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, research.SearchResult{URL: r.URL, Title: r.Title, Content: r.Content})
	}
	slog.Debug("Tavily search complete", "query", query, "results", len(results))
	return results, nil
}

// Extract implements research.Extractor.
func (t *Tavily) Extract(ctx context.Context, url string) (string, error) {
	body := map[string]any{"urls": []string{url}}
	var resp tavilyExtractResponse
	if err := t.post(ctx, "/extract", body, &resp); err != nil {
		return "", fmt.Errorf("tavily extract %s: %w", url, err)
	}
	for _, f := range resp.FailedResults {
		if f.URL == url {
			return "", fmt.Errorf("tavily extract %s: %s", url, f.Error)
		}
	}
	if len(resp.Results) == 0 {
		return "", fmt.Errorf("tavily extract %s: no content returned", url)
	}
	return truncate(resp.Results[0].RawContent, maxContentBytes), nil
}

// post sends a JSON request, retrying on 429 with doubling backoff.
func (t *Tavily) post(ctx context.Context, path string, body map[string]any, out any) error {
	if strings.TrimSpace(t.APIKey) == "" {
		return fmt.Errorf("tavily: %w", ErrMissingAPIKey)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	base := t.BaseURL
	if base == "" {
		base = defaultTavilyURL
	}
	client := t.client
	if client == nil {
		client = http.DefaultClient
	}

	var resp *http.Response
	delay := time.Second
	for {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.APIKey)

		resp, err = client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make API request: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()
		slog.Warn("Tavily rate limited, backing off", "path", path, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < maxBackoff {
			delay *= 2
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
