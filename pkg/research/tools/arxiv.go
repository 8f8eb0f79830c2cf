package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/research"
)

const defaultArxivURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// PDFLink returns the entry's PDF URL, falling back to its abstract page.
func (e ArxivEntry) PDFLink() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" {
			return link.Href
		}
	}
	return e.ID
}

// Arxiv searches the arXiv Atom API. Results point at PDF links so that a
// RoutingExtractor sends them through OCR.
type Arxiv struct {
	BaseURL    string
	MaxResults int
	client     *http.Client
}

func NewArxiv(maxResults int) *Arxiv {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Arxiv{
		BaseURL:    defaultArxivURL,
		MaxResults: maxResults,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Search implements research.Searcher.
func (a *Arxiv) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	feed, err := a.query(ctx, query)
	if err != nil {
		return nil, err
	}

	results := make([]research.SearchResult, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		summary := strings.Join(strings.Fields(entry.Summary), " ")
		if entry.Published != "" {
			summary = fmt.Sprintf("Published %s. %s", entry.Published, summary)
		}
		results = append(results, research.SearchResult{
			URL:     entry.PDFLink(),
			Title:   strings.Join(strings.Fields(entry.Title), " "),
			Content: summary,
		})
	}
	return results, nil
}

func (a *Arxiv) query(ctx context.Context, query string) (*ArxivFeed, error) {
	base := a.BaseURL
	if base == "" {
		base = defaultArxivURL
	}
	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(a.MaxResults))
	params.Add("start", "0")
	apiURL := base + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	client := a.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("arXiv returned non-200 status code", "status", resp.StatusCode)
		return nil, fmt.Errorf("arXiv returned status %d: %s", resp.StatusCode, string(body))
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}
	slog.Info("arXiv search complete", "query", query, "entries", len(feed.Entry))
	return &feed, nil
}
