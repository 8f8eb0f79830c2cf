package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/googleai"
)

const (
	// DefaultFastModel is used for per-round analysis.
	DefaultFastModel = "gemini-3-flash-preview"
	// DefaultReasoningModel is used for the final synthesis.
	DefaultReasoningModel = "gemini-3-pro-preview"
)

// GoogleAI builds a langchaingo Google AI client bound to model.
func GoogleAI(ctx context.Context, apiKey, model string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
	}
	if model == "" {
		model = DefaultFastModel
	}

	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client for %s: %w", model, err)
	}
	return llm, nil
}
