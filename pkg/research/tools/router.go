package tools

import (
	"context"
	"net/url"
	"strings"

	"github.com/mikeboe/deep-research/pkg/research"
)

// RoutingExtractor sends PDF documents to PDF and everything else to Default.
// A nil PDF extractor routes every URL to Default.
type RoutingExtractor struct {
	Default research.Extractor
	PDF     research.Extractor
}

func (r RoutingExtractor) Extract(ctx context.Context, rawURL string) (string, error) {
	if r.PDF != nil && IsPDF(rawURL) {
		return r.PDF.Extract(ctx, rawURL)
	}
	return r.Default.Extract(ctx, rawURL)
}

// IsPDF reports whether rawURL points at a PDF document by extension or by
// the arXiv /pdf/ path convention.
func IsPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".pdf") {
		return true
	}
	return strings.HasSuffix(u.Hostname(), "arxiv.org") && strings.HasPrefix(path, "/pdf/")
}
