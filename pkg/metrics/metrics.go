package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_total",
			Help: "Total number of research runs by outcome",
		},
		[]string{"outcome"}, // success, failed
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_runs_active",
			Help: "Number of research runs in progress",
		},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Wall-clock duration of research runs",
			Buckets: []float64{10, 30, 60, 120, 240, 480, 600, 900},
		},
	)

	RunRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_rounds",
			Help:    "Rounds completed per research run",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 10},
		},
	)

	RunFindings = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_findings",
			Help:    "Extracted findings per research run",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 40},
		},
	)

	// Progress metrics
	ActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_activities_total",
			Help: "Activity events emitted by research runs",
		},
		[]string{"activity", "status"},
	)

	SourcesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sources_total",
			Help: "Search results recorded as sources",
		},
	)

	// Collaborator metrics
	CollaboratorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_collaborator_latency_seconds",
			Help:    "Latency of search, extraction and generation calls",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"collaborator", "outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Emitter counts progress events before passing them to Next.
type Emitter struct {
	Next research.Emitter
}

func (e Emitter) Emit(ev research.Event) {
	switch ev.Type {
	case research.EventActivity:
		ActivitiesTotal.WithLabelValues(string(ev.Activity), string(ev.Status)).Inc()
	case research.EventSource:
		SourcesTotal.Inc()
	}
	if e.Next != nil {
		e.Next.Emit(ev)
	}
}

// RunStarted marks a run in progress. The returned func records its result.
func RunStarted() func(res *research.Result) {
	start := time.Now()
	RunsActive.Inc()
	return func(res *research.Result) {
		RunsActive.Dec()
		RunDuration.Observe(time.Since(start).Seconds())
		if res == nil {
			RunsTotal.WithLabelValues("failed").Inc()
			return
		}
		if res.Success {
			RunsTotal.WithLabelValues("success").Inc()
		} else {
			RunsTotal.WithLabelValues("failed").Inc()
		}
		RunRounds.Observe(float64(res.Rounds))
		RunFindings.Observe(float64(len(res.Findings)))
	}
}

// Searcher records the latency of every search call.
type Searcher struct {
	Next research.Searcher
	Name string
}

func (s Searcher) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	start := time.Now()
	res, err := s.Next.Search(ctx, query)
	CollaboratorLatency.WithLabelValues(s.Name, outcome(err)).Observe(time.Since(start).Seconds())
	return res, err
}

// Extractor records the latency of every extraction call.
type Extractor struct {
	Next research.Extractor
	Name string
}

func (x Extractor) Extract(ctx context.Context, url string) (string, error) {
	start := time.Now()
	content, err := x.Next.Extract(ctx, url)
	CollaboratorLatency.WithLabelValues(x.Name, outcome(err)).Observe(time.Since(start).Seconds())
	return content, err
}

// Generator records the latency of every generation call.
type Generator struct {
	Next research.Generator
	Name string
}

func (g Generator) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := g.Next.Generate(ctx, prompt)
	CollaboratorLatency.WithLabelValues(g.Name, outcome(err)).Observe(time.Since(start).Seconds())
	return text, err
}
