package research

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

type searchReply struct {
	results []SearchResult
	err     error
}

// scriptedSearcher returns one reply per call and records the queries.
type scriptedSearcher struct {
	mu      sync.Mutex
	replies []searchReply
	queries []string
}

func (s *scriptedSearcher) Search(_ context.Context, query string) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if len(s.replies) == 0 {
		return nil, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.results, r.err
}

func (s *scriptedSearcher) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// brokenSearcher answers the first ok searches from next, then panics with
// a nil map write.
type brokenSearcher struct {
	next  Searcher
	ok    int
	calls int
}

func (b *brokenSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	b.calls++
	if b.calls > b.ok {
		var hits map[string]int
		hits[query]++
	}
	return b.next.Search(ctx, query)
}

// pageExtractor serves page content from a map. Unknown URLs fail and URLs
// in panics panic.
type pageExtractor struct {
	mu     sync.Mutex
	pages  map[string]string
	delays map[string]time.Duration
	panics map[string]bool
	calls  []string
}

func (p *pageExtractor) Extract(ctx context.Context, url string) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, url)
	delay := p.delays[url]
	content, ok := p.pages[url]
	broken := p.panics[url]
	p.mu.Unlock()

	if broken {
		panic("extractor bug on " + url)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		return "", errors.New("page not found")
	}
	return content, nil
}

func (p *pageExtractor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type genReply struct {
	text string
	err  error
}

// scriptedGenerator returns one reply per call. onCall runs before replying.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []genReply
	prompts []string
	onCall  func(n int)
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	n := len(g.prompts)
	var r genReply
	if len(g.replies) > 0 {
		r = g.replies[0]
		g.replies = g.replies[1:]
	} else {
		r = genReply{err: errors.New("no scripted response available")}
	}
	hook := g.onCall
	g.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return r.text, r.err
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func reply(text string) genReply { return genReply{text: text} }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func planJSON(summary string, shouldContinue bool, gaps ...string) string {
	b, _ := json.Marshal(Plan{Analysis: &Analysis{
		Summary:        summary,
		Gaps:           gaps,
		ShouldContinue: shouldContinue,
	}})
	return string(b)
}

func results(urls ...string) []SearchResult {
	out := make([]SearchResult, 0, len(urls))
	for _, u := range urls {
		out = append(out, SearchResult{URL: u, Title: "Title " + u, Content: "snippet for " + u})
	}
	return out
}

func pagesFor(urls ...string) map[string]string {
	m := make(map[string]string, len(urls))
	for _, u := range urls {
		m[u] = "content of " + u
	}
	return m
}

func newTestEngine(s Searcher, x Extractor, analyzer, synth Generator, opts Options, clock *fakeClock) *ResearchEngine {
	e := NewEngine(s, x, analyzer, synth, opts)
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if clock != nil {
		e.Now = clock.Now
	}
	return e
}

func activities(events []Event, t ActivityType, status Status) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == EventActivity && e.Activity == t && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func completed(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Type == EventActivity && e.Status == StatusComplete {
			n++
		}
	}
	return n
}
