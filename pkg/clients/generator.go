package clients

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// LLMGenerator adapts a langchaingo model to research.Generator. Each
// generator is bound to one model so analysis and synthesis can use
// different ones.
type LLMGenerator struct {
	LLM    llms.Model
	Model  string
	System string
	// JSONMode asks the provider for a JSON-only response.
	JSONMode    bool
	Temperature float64
	// MaxRetries is the number of attempts per call. The default of one
	// leaves failure handling to the caller.
	MaxRetries  int
	Logger      *slog.Logger
}

func NewLLMGenerator(llm llms.Model, model string) *LLMGenerator {
	return &LLMGenerator{
		LLM:        llm,
		Model:      model,
		MaxRetries: 1,
		Logger:     slog.Default(),
	}
}

// Generate sends prompt as a single human message and returns the first
// choice. With MaxRetries above one, transport errors and empty responses
// are retried with linear backoff.
func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	msgs := make([]llms.MessageContent, 0, 2)
	if g.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, g.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	var opts []llms.CallOption
	if g.Model != "" {
		opts = append(opts, llms.WithModel(g.Model))
	}
	if g.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	if g.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(g.Temperature))
	}

	retries := g.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			logger.Warn("Retrying LLM generation", "model", g.Model, "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second * time.Duration(i)):
			}
		}

		resp, err := g.LLM.GenerateContent(ctx, msgs, opts...)
		if err != nil {
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("llm returned no choices")
			continue
		}
		return resp.Choices[0].Content, nil
	}
	if retries == 1 {
		return "", lastErr
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", retries, lastErr)
}
