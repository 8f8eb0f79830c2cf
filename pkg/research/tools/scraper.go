package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultMistralOCRURL = "https://api.mistral.ai/v1/ocr"

type OCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OCRResponse struct {
	Pages []OCRPage `json:"pages"`
}

// PDFScraper extracts the text of PDF documents with the Mistral OCR API.
type PDFScraper struct {
	APIKey   string
	Endpoint string
	Model    string
	client   *http.Client
}

func NewPDFScraper(apiKey string) *PDFScraper {
	return &PDFScraper{
		APIKey:   apiKey,
		Endpoint: defaultMistralOCRURL,
		Model:    "mistral-ocr-latest",
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Extract implements research.Extractor. Pages are returned as markdown in
// document order.
func (p *PDFScraper) Extract(ctx context.Context, url string) (string, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return "", fmt.Errorf("mistral ocr: %w", ErrMissingAPIKey)
	}
	url = strings.Replace(url, "http://", "https://", 1)

	reqBody := map[string]any{
		"model": p.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": url,
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	client := p.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OCR request failed with status: %s, body: %s", resp.Status, string(body))
	}

	var ocr OCRResponse
	if err := json.Unmarshal(body, &ocr); err != nil {
		return "", fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}

	var b strings.Builder
	for _, page := range ocr.Pages {
		fmt.Fprintf(&b, "- Page %d -\n%s\n\n", page.Index+1, page.Markdown)
	}
	slog.Info("PDF extracted", "url", url, "pages", len(ocr.Pages))
	return truncate(b.String(), maxContentBytes), nil
}
