package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/streaming"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

const stopPlan = `{"analysis":{"summary":"enough material","gaps":[],"nextSteps":[],"shouldContinue":false}}`

type staticSearcher struct {
	results []research.SearchResult
	err     error
}

func (s staticSearcher) Search(context.Context, string) ([]research.SearchResult, error) {
	return s.results, s.err
}

// blockingSearcher waits until the run is cancelled.
type blockingSearcher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSearcher) Search(ctx context.Context, _ string) ([]research.SearchResult, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type mapExtractor map[string]string

func (m mapExtractor) Extract(_ context.Context, url string) (string, error) {
	if c, ok := m[url]; ok {
		return c, nil
	}
	return "", errors.New("not found")
}

type staticGenerator struct {
	text string
	err  error
}

func (g staticGenerator) Generate(context.Context, string) (string, error) {
	return g.text, g.err
}

func testEngine(searcher research.Searcher, synth research.Generator) *research.ResearchEngine {
	return research.NewEngine(
		searcher,
		mapExtractor{
			"https://a.example": "Content about alpha.",
			"https://b.example": "Content about beta.",
		},
		staticGenerator{text: stopPlan},
		synth,
		research.Options{MaxDepth: 2, TimeBudget: time.Minute, MaxFailedAttempts: 1},
	)
}

func defaultSearcher() staticSearcher {
	return staticSearcher{results: []research.SearchResult{
		{URL: "https://a.example", Title: "Alpha", Content: "alpha snippet"},
		{URL: "https://b.example", Title: "Beta", Content: "beta snippet"},
	}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, engine *research.ResearchEngine) (*Service, *MemoryJobStore) {
	t.Helper()
	store := NewMemoryJobStore()
	svc := NewService(store, engine, streaming.NewHub(0))
	svc.Logger = discardLogger()
	svc.HistoryTTL = 0
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, store
}

func waitForStatus(t *testing.T, store JobStore, id uuid.UUID, want database.JobStatus) *database.Job {
	t.Helper()
	var job *database.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

type fakeSplitter struct{ err error }

// SplitText splits on blank lines.
func (f fakeSplitter) SplitText(text string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		if text[i] == '\n' && text[i+1] == '\n' {
			out = append(out, text[start:i])
			start = i + 2
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.EmbedText(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type fakeDocStore struct {
	mu     sync.Mutex
	docs   []vectorstore.Document
	filter vectorstore.Filter
	topK   int
}

func (f *fakeDocStore) AddDocuments(_ context.Context, docs []vectorstore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeDocStore) SimilaritySearch(_ context.Context, _ []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	f.topK = topK
	var out []vectorstore.SimilaritySearchResult
	for _, d := range f.docs {
		if filter.JobID != "" && d.Metadata["job_id"] != filter.JobID {
			continue
		}
		out = append(out, vectorstore.SimilaritySearchResult{Document: d, Score: 0.9})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (f *fakeDocStore) DeleteJob(_ context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.docs[:0]
	for _, d := range f.docs {
		if d.Metadata["job_id"] != jobID {
			kept = append(kept, d)
		}
	}
	n := int64(len(f.docs) - len(kept))
	f.docs = kept
	return n, nil
}

func (f *fakeDocStore) Docs() []vectorstore.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vectorstore.Document(nil), f.docs...)
}
