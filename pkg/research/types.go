package research

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyTopic is returned by Run when no topic is given.
var ErrEmptyTopic = errors.New("research topic is empty")

const (
	DefaultMaxDepth          = 3
	DefaultTimeBudget        = 480 * time.Second
	DefaultMaxFailedAttempts = 1

	// stepsPerRound is the fixed per-round step estimate used for progress bars.
	stepsPerRound = 5
	// maxExtractURLs is the number of search result URLs extracted per round.
	maxExtractURLs = 3
)

// SearchResult is a single hit returned by a Searcher.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Finding is a piece of extracted page content and where it came from.
type Finding struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Source is a search result recorded whether or not it was extracted.
type Source struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Searcher runs a web search. An empty result set is not an error.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Extractor returns the readable content of a single page.
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Generator produces text for a prompt. Implementations are bound to a model.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options holds engine-wide limits. They are not per-call parameters.
type Options struct {
	MaxDepth          int
	TimeBudget        time.Duration
	MaxFailedAttempts int
}

// DefaultOptions returns the reference limits.
func DefaultOptions() Options {
	return Options{
		MaxDepth:          DefaultMaxDepth,
		TimeBudget:        DefaultTimeBudget,
		MaxFailedAttempts: DefaultMaxFailedAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = DefaultTimeBudget
	}
	if o.MaxFailedAttempts <= 0 {
		o.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	return o
}

// State is the mutable record threaded through one research invocation.
// It is owned by a single Run call and never shared.
type State struct {
	Topic           string
	Findings        []Finding
	Sources         []Source
	Summaries       []string
	CurrentDepth    int
	MaxDepth        int
	FailedAttempts  int
	CompletedSteps  int
	TotalSteps      int
	NextSearchTopic string
	URLToSearch     string

	startedAt time.Time
	results   []SearchResult
}

func newState(topic string, maxDepth int, now time.Time) *State {
	return &State{
		Topic:      topic,
		MaxDepth:   maxDepth,
		TotalSteps: maxDepth * stepsPerRound,
		Findings:   []Finding{},
		Sources:    []Source{},
		Summaries:  []string{},
		startedAt:  now,
	}
}

// Result is the outcome of one invocation. On failure Synthesis is empty and
// Error carries the reason; partial findings are always preserved.
type Result struct {
	Success        bool      `json:"success"`
	Topic          string    `json:"topic"`
	Findings       []Finding `json:"findings"`
	Sources        []Source  `json:"sources"`
	Summaries      []string  `json:"summaries"`
	Synthesis      string    `json:"synthesis,omitempty"`
	Rounds         int       `json:"rounds"`
	CompletedSteps int       `json:"completedSteps"`
	TotalSteps     int       `json:"totalSteps"`
	Error          string    `json:"error,omitempty"`
}

// Response is the wire shape returned by the invocation surfaces.
type Response struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Data    ResponseData `json:"data"`
}

type ResponseData struct {
	Findings       any    `json:"findings"`
	Analysis       string `json:"analysis,omitempty"`
	CompletedSteps int    `json:"completedSteps"`
	TotalSteps     int    `json:"totalSteps"`
}

// Response converts a Result into the invocation wire shape. On success the
// findings are the collected sources; on failure they are the partial
// extraction findings.
func (r *Result) Response() Response {
	if r.Success {
		return Response{
			Success: true,
			Data: ResponseData{
				Findings:       r.Sources,
				Analysis:       r.Synthesis,
				CompletedSteps: r.CompletedSteps,
				TotalSteps:     r.TotalSteps,
			},
		}
	}
	return Response{
		Success: false,
		Error:   r.Error,
		Data: ResponseData{
			Findings:       r.Findings,
			CompletedSteps: r.CompletedSteps,
			TotalSteps:     r.TotalSteps,
		},
	}
}
