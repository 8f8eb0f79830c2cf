package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTavily(t *testing.T, h http.HandlerFunc) *Tavily {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tv := NewTavily("tvly-test", 0)
	tv.BaseURL = srv.URL
	return tv
}

func TestTavilySearch(t *testing.T) {
	var got map[string]any
	tv := newTestTavily(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results": [
			{"title": "One", "url": "https://one", "content": "first"},
			{"title": "Two", "url": "https://two", "content": "second"}
		]}`))
	})

	res, err := tv.Search(context.Background(), "quantum dots")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "https://one", res[0].URL)
	assert.Equal(t, "One", res[0].Title)
	assert.Equal(t, "second", res[1].Content)
	assert.Equal(t, "quantum dots", got["query"])
	assert.Equal(t, "basic", got["search_depth"])
}

func TestTavilySearchEmptyIsNotAnError(t *testing.T) {
	tv := newTestTavily(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	})
	res, err := tv.Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestTavilyRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	tv := newTestTavily(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results": [{"title": "t", "url": "https://u", "content": "c"}]}`))
	})

	res, err := tv.Search(context.Background(), "retry")
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTavilyBackoffHonoursContext(t *testing.T) {
	tv := newTestTavily(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tv.Search(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTavilyHTTPError(t *testing.T) {
	tv := newTestTavily(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	_, err := tv.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestTavilyMissingKey(t *testing.T) {
	tv := NewTavily("", 0)
	_, err := tv.Search(context.Background(), "x")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, err = tv.Extract(context.Background(), "https://x")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestTavilyExtract(t *testing.T) {
	long := strings.Repeat("é", maxContentBytes)
	tv := newTestTavily(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		var body struct {
			URLs []string `json:"urls"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.URLs, 1)

		switch body.URLs[0] {
		case "https://ok":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]string{{"url": "https://ok", "raw_content": "page text"}},
			})
		case "https://long":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]string{{"url": "https://long", "raw_content": long}},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results":        []any{},
				"failed_results": []map[string]string{{"url": body.URLs[0], "error": "blocked"}},
			})
		}
	})

	content, err := tv.Extract(context.Background(), "https://ok")
	require.NoError(t, err)
	assert.Equal(t, "page text", content)

	content, err = tv.Extract(context.Background(), "https://long")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(content), maxContentBytes)
	assert.True(t, strings.HasPrefix(long, content))

	_, err = tv.Extract(context.Background(), "https://blocked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

const arxivFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.00001v1</id>
    <title>Solid State
      Electrolytes</title>
    <summary>  A review of
      electrolytes.  </summary>
    <published>2024-01-01T00:00:00Z</published>
    <link href="http://arxiv.org/abs/2401.00001v1" type="text/html"/>
    <link href="http://arxiv.org/pdf/2401.00001v1" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2401.00002v1</id>
    <title>No PDF</title>
    <summary>Abstract only.</summary>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all:batteries", r.URL.Query().Get("search_query"))
		assert.Equal(t, "2", r.URL.Query().Get("max_results"))
		_, _ = w.Write([]byte(arxivFeed))
	}))
	defer srv.Close()

	a := NewArxiv(2)
	a.BaseURL = srv.URL
	res, err := a.Search(context.Background(), "batteries")
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, "http://arxiv.org/pdf/2401.00001v1", res[0].URL)
	assert.Equal(t, "Solid State Electrolytes", res[0].Title)
	assert.Equal(t, "Published 2024-01-01T00:00:00Z. A review of electrolytes.", res[0].Content)
	assert.Equal(t, "http://arxiv.org/abs/2401.00002v1", res[1].URL)
}

func TestArxivSearchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewArxiv(0)
	a.BaseURL = srv.URL
	_, err := a.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestPDFScraperExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string            `json:"model"`
			Document map[string]string `json:"document"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mistral-ocr-latest", body.Model)
		assert.Equal(t, "https://arxiv.org/pdf/1", body.Document["document_url"])
		assert.Equal(t, "Bearer mk", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"pages": [{"index": 0, "markdown": "# Intro"}, {"index": 1, "markdown": "body"}]}`))
	}))
	defer srv.Close()

	p := NewPDFScraper("mk")
	p.Endpoint = srv.URL
	content, err := p.Extract(context.Background(), "http://arxiv.org/pdf/1")
	require.NoError(t, err)
	assert.Equal(t, "- Page 1 -\n# Intro\n\n- Page 2 -\nbody\n\n", content)
}

func TestPDFScraperMissingKey(t *testing.T) {
	_, err := NewPDFScraper("").Extract(context.Background(), "https://x.pdf")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

type stubExtractor struct{ name string }

func (s stubExtractor) Extract(context.Context, string) (string, error) {
	if s.name == "" {
		return "", errors.New("unnamed")
	}
	return s.name, nil
}

func TestRoutingExtractor(t *testing.T) {
	r := RoutingExtractor{Default: stubExtractor{"web"}, PDF: stubExtractor{"pdf"}}

	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/paper.PDF", "pdf"},
		{"https://arxiv.org/pdf/2401.00001v1", "pdf"},
		{"https://export.arxiv.org/pdf/2401.00001v1", "pdf"},
		{"https://arxiv.org/abs/2401.00001v1", "web"},
		{"https://example.com/pdf/guide", "web"},
		{"https://example.com/article", "web"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := r.Extract(context.Background(), tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	noPDF := RoutingExtractor{Default: stubExtractor{"web"}}
	got, err := noPDF.Extract(context.Background(), "https://example.com/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "web", got)
}
