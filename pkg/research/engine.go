package research

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/mikeboe/deep-research/pkg/research")

// Phase is a state of the research machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseSearching
	PhaseExtracting
	PhaseAnalyzing
	PhaseSynthesizing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSearching:
		return "searching"
	case PhaseExtracting:
		return "extracting"
	case PhaseAnalyzing:
		return "analyzing"
	case PhaseSynthesizing:
		return "synthesizing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool { return p == PhaseDone || p == PhaseFailed }

// ResearchEngine drives the search, extract, analyze loop and the final
// synthesis. One engine may serve concurrent Run calls; each call owns its
// own State.
type ResearchEngine struct {
	Searcher    Searcher
	Extractor   Extractor
	Analyzer    Generator
	Synthesizer Generator
	Options     Options
	Logger      *slog.Logger
	// Now is the clock used for the time budget and event timestamps.
	Now func() time.Time
}

func NewEngine(searcher Searcher, extractor Extractor, analyzer, synthesizer Generator, opts Options) *ResearchEngine {
	return &ResearchEngine{
		Searcher:    searcher,
		Extractor:   extractor,
		Analyzer:    analyzer,
		Synthesizer: synthesizer,
		Options:     opts.withDefaults(),
		Logger:      slog.Default(),
		Now:         time.Now,
	}
}

// Run researches topic for at most maxDepth rounds (the engine default when
// maxDepth <= 0) and returns the synthesis. Progress is reported to emitter,
// which may be nil. The returned error is only set for invalid input; every
// other failure is reported through Result.Success and Result.Error.
func (e *ResearchEngine) Run(ctx context.Context, topic string, maxDepth int, emitter Emitter) (*Result, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	opts := e.Options.withDefaults()
	if maxDepth <= 0 {
		maxDepth = opts.MaxDepth
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}

	ctx, span := tracer.Start(ctx, "research.run")
	defer span.End()
	span.SetAttributes(attribute.String("research.topic", topic), attribute.Int("research.max_depth", maxDepth))

	r := &run{
		engine: e,
		opts:   opts,
		topic:  topic,
		state:  newState(topic, maxDepth, now()),
		emit:   emitter,
		logger: logger,
		now:    now,
	}

	logger.Info("Starting research loop", "topic", topic, "max_depth", maxDepth, "budget", opts.TimeBudget)

	phase := r.drive(ctx)

	res := r.result(phase == PhaseDone)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		logger.Error("Research failed", "topic", topic, "error", res.Error, "findings", len(res.Findings))
	} else {
		logger.Info("Research complete", "topic", topic, "rounds", res.Rounds, "sources", len(res.Sources), "findings", len(res.Findings))
	}
	return res, nil
}

// run is the per-invocation machine.
type run struct {
	engine    *ResearchEngine
	opts      Options
	topic     string
	state     *State
	emit      Emitter
	logger    *slog.Logger
	now       func() time.Time
	synthesis string
	err       error
}

// drive steps the machine until it reaches a terminal phase. A panic in a
// collaborator fails the run with the findings gathered so far.
func (r *run) drive(ctx context.Context) (phase Phase) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Research panicked", "panic", p, "stack", string(debug.Stack()))
			phase = r.fail(fmt.Errorf("research aborted: %v", p))
		}
	}()

	phase = PhaseInit
	for !phase.terminal() {
		if err := ctx.Err(); err != nil {
			return r.fail(fmt.Errorf("research cancelled: %w", err))
		}
		phase = r.step(ctx, phase)
	}
	return phase
}

// step executes one phase and returns the next.
func (r *run) step(ctx context.Context, phase Phase) Phase {
	ctx, span := tracer.Start(ctx, "research."+phase.String())
	defer span.End()
	span.SetAttributes(attribute.Int("research.depth", r.state.CurrentDepth))

	switch phase {
	case PhaseInit:
		r.send(Event{Type: EventInit, Topic: r.topic, MaxDepth: r.state.MaxDepth})
		return r.beginRound()
	case PhaseSearching:
		return r.search(ctx)
	case PhaseExtracting:
		return r.extract(ctx)
	case PhaseAnalyzing:
		return r.analyze(ctx)
	case PhaseSynthesizing:
		return r.synthesize(ctx)
	default:
		return phase
	}
}

// beginRound starts the next round, or moves to synthesis when the depth or
// time budget is used up. Depth is incremented before any round work.
func (r *run) beginRound() Phase {
	st := r.state
	if depthExhausted(st) {
		r.logger.Info("Maximum depth reached", "depth", st.CurrentDepth)
		return PhaseSynthesizing
	}
	if budgetExhausted(r.elapsed(), r.opts.TimeBudget) {
		r.logger.Warn("Time budget exhausted", "elapsed", r.elapsed(), "budget", r.opts.TimeBudget)
		return PhaseSynthesizing
	}
	st.CurrentDepth++
	r.logger.Info("Starting round", "depth", st.CurrentDepth, "max", st.MaxDepth, "topic", st.Topic)
	r.send(Event{Type: EventDepth, Depth: st.CurrentDepth, MaxDepth: st.MaxDepth})
	return PhaseSearching
}

// roundFailed records a tolerated phase failure.
func (r *run) roundFailed(reason string) Phase {
	st := r.state
	st.FailedAttempts++
	r.logger.Warn("Round failed", "reason", reason, "failed_attempts", st.FailedAttempts, "max", r.opts.MaxFailedAttempts)
	if toleranceExceeded(st.FailedAttempts, r.opts.MaxFailedAttempts) {
		return PhaseSynthesizing
	}
	return r.beginRound()
}

func (r *run) search(ctx context.Context) Phase {
	st := r.state
	query := st.NextSearchTopic
	if query == "" {
		query = st.Topic
	}
	r.activity(ActivitySearch, StatusPending, fmt.Sprintf("Searching for %q", query))

	results, err := r.engine.Searcher.Search(ctx, query)
	if err != nil {
		r.logger.Error("Search failed", "query", query, "error", err)
		r.activity(ActivitySearch, StatusError, fmt.Sprintf("Search for %q failed: %v", query, err))
		return r.roundFailed("search error")
	}
	if !hasUsableContent(results) {
		r.activity(ActivitySearch, StatusError, fmt.Sprintf("No results found for %q", query))
		return r.roundFailed("no usable search results")
	}

	r.activity(ActivitySearch, StatusComplete, fmt.Sprintf("Found %d results for %q", len(results), query))
	for _, res := range results {
		src := Source{URL: res.URL, Title: res.Title, Description: res.Content}
		st.Sources = append(st.Sources, src)
		r.send(Event{Type: EventSource, Source: &src})
	}
	st.results = results
	return PhaseExtracting
}

func (r *run) extract(ctx context.Context) Phase {
	st := r.state
	urls := extractTargets(st.results, st.URLToSearch)
	st.results = nil

	contents := make([]string, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Extraction panicked", "url", u, "panic", p)
				}
			}()
			content, err := r.engine.Extractor.Extract(ctx, u)
			if err != nil {
				r.logger.Warn("Extraction failed", "url", u, "error", err)
				return nil
			}
			contents[i] = strings.TrimSpace(content)
			return nil
		})
	}
	_ = g.Wait()

	for i, u := range urls {
		if contents[i] == "" {
			continue
		}
		r.activity(ActivityExtract, StatusPending, fmt.Sprintf("Extracting %s", u))
		st.Findings = append(st.Findings, Finding{Content: contents[i], Source: u})
		r.activity(ActivityExtract, StatusComplete, fmt.Sprintf("Extracted %s", u))
	}
	r.logger.Info("Extraction complete", "urls", len(urls), "findings", len(st.Findings))
	return PhaseAnalyzing
}

func (r *run) analyze(ctx context.Context) Phase {
	st := r.state
	r.activity(ActivityThought, StatusPending, "Analyzing findings")

	remaining := r.opts.TimeBudget - r.elapsed()
	text, err := r.engine.Analyzer.Generate(ctx, analysisPrompt(st.Topic, st.Findings, remaining))
	if err != nil {
		r.logger.Error("Analysis generation failed", "error", err)
		r.activity(ActivityThought, StatusError, "Analysis failed")
		return r.roundFailed("analysis error")
	}
	plan, ok := ParsePlan(text)
	if !ok {
		r.logger.Warn("Could not parse analysis", "response_len", len(text))
		r.activity(ActivityThought, StatusError, "Failed to parse analysis")
		return r.roundFailed("unparseable analysis")
	}

	a := plan.Analysis
	r.activity(ActivityThought, StatusComplete, a.Summary)
	st.Summaries = append(st.Summaries, a.Summary)
	st.NextSearchTopic = a.NextSearchTopic
	st.URLToSearch = a.URLToSearch

	if planStops(a) {
		r.logger.Info("Analysis ended research", "should_continue", a.ShouldContinue, "gaps", len(a.Gaps))
		return PhaseSynthesizing
	}
	st.Topic = a.Gaps[0]
	return r.beginRound()
}

func (r *run) synthesize(ctx context.Context) Phase {
	st := r.state
	r.activity(ActivitySynthesis, StatusPending, "Preparing final analysis")

	text, err := r.engine.Synthesizer.Generate(ctx, synthesisPrompt(r.topic, st.Findings, st.Summaries))
	if err != nil {
		return r.fail(fmt.Errorf("synthesis failed: %w", err))
	}

	r.synthesis = text
	r.activity(ActivitySynthesis, StatusComplete, "Research completed")
	r.send(Event{Type: EventFinish, Synthesis: text})
	return PhaseDone
}

// fail reports an error that escaped phase-local handling.
func (r *run) fail(err error) Phase {
	r.err = err
	r.activity(ActivityThought, StatusError, err.Error())
	return PhaseFailed
}

// activity emits an activity event; complete activities advance the step
// counter before the event is stamped.
func (r *run) activity(t ActivityType, status Status, msg string) {
	if status == StatusComplete {
		r.state.CompletedSteps++
	}
	r.send(Event{Type: EventActivity, Activity: t, Status: status, Message: msg, Depth: r.state.CurrentDepth})
}

func (r *run) send(ev Event) {
	ev.Timestamp = r.now()
	ev.CompletedSteps = r.state.CompletedSteps
	ev.TotalSteps = r.state.TotalSteps
	r.emit.Emit(ev)
}

func (r *run) elapsed() time.Duration {
	return r.now().Sub(r.state.startedAt)
}

func (r *run) result(success bool) *Result {
	st := r.state
	res := &Result{
		Success:        success,
		Topic:          r.topic,
		Findings:       st.Findings,
		Sources:        st.Sources,
		Summaries:      st.Summaries,
		Rounds:         st.CurrentDepth,
		CompletedSteps: st.CompletedSteps,
		TotalSteps:     st.TotalSteps,
	}
	if success {
		res.Synthesis = r.synthesis
	} else if r.err != nil {
		res.Error = r.err.Error()
	}
	return res
}

func depthExhausted(st *State) bool {
	return st.CurrentDepth >= st.MaxDepth
}

func budgetExhausted(elapsed, budget time.Duration) bool {
	return elapsed >= budget
}

func toleranceExceeded(failed, limit int) bool {
	return failed >= limit
}

func planStops(a *Analysis) bool {
	return !a.ShouldContinue || len(a.Gaps) == 0
}

func hasUsableContent(results []SearchResult) bool {
	for _, r := range results {
		if strings.TrimSpace(r.Content) != "" {
			return true
		}
	}
	return false
}

// extractTargets picks the first result URLs plus the URL the previous
// analysis asked for.
func extractTargets(results []SearchResult, requested string) []string {
	urls := make([]string, 0, maxExtractURLs+1)
	for _, res := range results {
		if len(urls) == maxExtractURLs {
			break
		}
		if res.URL != "" {
			urls = append(urls, res.URL)
		}
	}
	if requested != "" {
		urls = append(urls, requested)
	}
	return urls
}
