package clients

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/metrics"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/research/tools"
)

// NewResearchEngine wires the configured search, extraction and generation
// collaborators into an engine. Every collaborator reports latency metrics.
func NewResearchEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*research.ResearchEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Search and extraction share one client so they share its rate limit.
	tavily := tools.NewTavily(cfg.TavilyApiKey, cfg.SearchRatePerSecond)
	searcher, err := NewSearcher(cfg, tavily)
	if err != nil {
		return nil, err
	}

	analyzer, err := newGenerator(ctx, cfg.GoogleApiKey, cfg.FastModel, DefaultFastModel, logger)
	if err != nil {
		return nil, err
	}
	analyzer.JSONMode = true

	synthesizer, err := newGenerator(ctx, cfg.GoogleApiKey, cfg.ReasoningModel, DefaultReasoningModel, logger)
	if err != nil {
		return nil, err
	}

	engine := research.NewEngine(
		searcher,
		NewExtractor(cfg, tavily),
		metrics.Generator{Next: analyzer, Name: "analysis"},
		metrics.Generator{Next: synthesizer, Name: "synthesis"},
		cfg.ResearchOptions(),
	)
	engine.Logger = logger
	return engine, nil
}

// NewSearcher returns the searcher selected by SEARCH_PROVIDER.
func NewSearcher(cfg *config.Config, tavily *tools.Tavily) (research.Searcher, error) {
	switch cfg.SearchProvider {
	case config.ProviderTavily:
		return metrics.Searcher{Next: tavily, Name: "tavily"}, nil
	case config.ProviderArxiv:
		return metrics.Searcher{Next: tools.NewArxiv(5), Name: "arxiv"}, nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.SearchProvider)
	}
}

// NewExtractor returns Tavily extraction, with PDFs routed to Mistral OCR
// when MISTRAL_API_KEY is set.
func NewExtractor(cfg *config.Config, tavily *tools.Tavily) research.Extractor {
	router := tools.RoutingExtractor{
		Default: metrics.Extractor{Next: tavily, Name: "tavily"},
	}
	if cfg.MistralApiKey != "" {
		router.PDF = metrics.Extractor{Next: tools.NewPDFScraper(cfg.MistralApiKey), Name: "mistral_ocr"}
	}
	return router
}

func newGenerator(ctx context.Context, apiKey, model, fallback string, logger *slog.Logger) (*LLMGenerator, error) {
	if model == "" {
		model = fallback
	}
	llm, err := GoogleAI(ctx, apiKey, model)
	if err != nil {
		return nil, err
	}
	gen := NewLLMGenerator(llm, model)
	gen.Logger = logger
	return gen, nil
}
