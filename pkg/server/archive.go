package server

import (
	"context"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

type chunker interface {
	SplitText(text string) ([]string, error)
}

type embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type documentStore interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error)
	DeleteJob(ctx context.Context, jobID string) (int64, error)
}

// FindingsArchive chunks, embeds and stores the findings of completed runs
// so later runs and MCP clients can search them.
type FindingsArchive struct {
	Splitter chunker
	Embedder embedder
	Store    documentStore
}

func NewFindingsArchive(s chunker, e embedder, store documentStore) *FindingsArchive {
	return &FindingsArchive{Splitter: s, Embedder: e, Store: store}
}

// Index stores every finding of a run and returns the number of chunks
// written.
func (a *FindingsArchive) Index(ctx context.Context, jobID string, res *research.Result) (int, error) {
	titles := make(map[string]string, len(res.Sources))
	for _, s := range res.Sources {
		titles[s.URL] = s.Title
	}

	var texts []string
	var metas []map[string]any
	for _, f := range res.Findings {
		chunks, err := a.Splitter.SplitText(f.Content)
		if err != nil {
			return 0, fmt.Errorf("failed to split finding from %s: %w", f.Source, err)
		}
		for i, chunk := range chunks {
			texts = append(texts, chunk)
			metas = append(metas, map[string]any{
				"job_id": jobID,
				"topic":  res.Topic,
				"source": f.Source,
				"title":  titles[f.Source],
				"chunk":  i,
			})
		}
	}
	if len(texts) == 0 {
		return 0, nil
	}

	vectors, err := a.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed findings: %w", err)
	}

	docs := make([]vectorstore.Document, len(texts))
	for i := range texts {
		docs[i] = vectorstore.Document{Content: texts[i], Metadata: metas[i], Embedding: vectors[i]}
	}
	if err := a.Store.AddDocuments(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Search embeds query and returns the closest archived chunks.
func (a *FindingsArchive) Search(ctx context.Context, query string, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error) {
	vec, err := a.Embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return a.Store.SimilaritySearch(ctx, vec, topK, filter)
}

// Delete drops every chunk archived for jobID.
func (a *FindingsArchive) Delete(ctx context.Context, jobID string) (int64, error) {
	return a.Store.DeleteJob(ctx, jobID)
}
