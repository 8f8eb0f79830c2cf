package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// maxBatch is the largest number of texts sent in one EmbedContent call.
const maxBatch = 100

// GoogleEmbedder wraps Gemini embeddings
type GoogleEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// NewGoogleEmbedder creates a Gemini API embedder producing vectors of the
// given dimensionality.
func NewGoogleEmbedder(ctx context.Context, model, apiKey string, dimensions int) (*GoogleEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini API client: %w", err)
	}

	return &GoogleEmbedder{
		client:     client,
		model:      model,
		dimensions: int32(dimensions),
	}, nil
}

// Dimensions reports the vector size this embedder produces.
func (e *GoogleEmbedder) Dimensions() int { return int(e.dimensions) }

// EmbedText generates embeddings for a single text
func (e *GoogleEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts generates embeddings for multiple texts, batching requests.
// The result is index-aligned with texts.
func (e *GoogleEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))

		contents := make([]*genai.Content, 0, end-start)
		for _, text := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}

		dims := e.dimensions
		res, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			OutputDimensionality: &dims,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to embed texts: %w", err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("expected %d embeddings, got %d", end-start, len(res.Embeddings))
		}
		for _, emb := range res.Embeddings {
			if len(emb.Values) == 0 {
				return nil, fmt.Errorf("empty embedding returned")
			}
			result = append(result, emb.Values)
		}
	}
	return result, nil
}
