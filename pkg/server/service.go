package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/metrics"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/streaming"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// ErrArchiveDisabled is returned by SearchFindings when no findings archive
// is configured.
var ErrArchiveDisabled = errors.New("findings archive is not configured")

// ErrJobRunning is returned by DeleteJob while the job is still running.
var ErrJobRunning = errors.New("research job is still running")

// EventArchive persists run events and replays them after the hub has
// forgotten the run.
type EventArchive interface {
	streaming.Archiver
	Replay(ctx context.Context, runID string, since uint64) ([]streaming.Message, error)
}

// Service runs research jobs, streams their events and stores the results.
type Service struct {
	Store    JobStore
	Engine   *research.ResearchEngine
	Hub      *streaming.Hub
	Archive  EventArchive
	Findings *FindingsArchive
	Logger   *slog.Logger
	// HistoryTTL is how long a finished run's events stay in the hub.
	HistoryTTL time.Duration

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(store JobStore, engine *research.ResearchEngine, hub *streaming.Hub) *Service {
	return &Service{
		Store:      store,
		Engine:     engine,
		Hub:        hub,
		Logger:     slog.Default(),
		HistoryTTL: 30 * time.Minute,
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

type CreateJobRequest struct {
	Topic    string `json:"topic" binding:"required"`
	MaxDepth int    `json:"maxDepth"`
}

func (s *Service) newJob(ctx context.Context, req CreateJobRequest) (*database.Job, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, research.ErrEmptyTopic
	}
	depth := req.MaxDepth
	if depth <= 0 {
		depth = s.Engine.Options.MaxDepth
	}
	return s.Store.Create(ctx, topic, depth)
}

// CreateJob registers a job and runs it in the background.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*database.Job, error) {
	job, err := s.newJob(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.track(job.ID, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(job.ID)
		s.execute(runCtx, job)
	}()
	return job, nil
}

// RunJob registers a job and runs it on the caller's goroutine. The job is
// cancelled with ctx.
func (s *Service) RunJob(ctx context.Context, req CreateJobRequest) (*database.Job, *research.Result, error) {
	job, err := s.newJob(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(job.ID, cancel)
	defer s.untrack(job.ID)

	res := s.execute(runCtx, job)
	return job, res, nil
}

// CancelJob stops a running job. It reports false when the job is not
// running in this process.
func (s *Service) CancelJob(id uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels all running jobs and waits for background jobs to stop
// or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) track(id uuid.UUID, cancel context.CancelFunc) {
	s.mu.Lock()
	if s.cancels == nil {
		s.cancels = make(map[uuid.UUID]context.CancelFunc)
	}
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, job *database.Job) *research.Result {
	runID := job.ID.String()
	logger := slog.New(fanoutHandler{s.logger().Handler(), NewDBLogHandler(s.Store, job.ID)}).With("job_id", runID)

	// Bookkeeping writes use their own context so a cancelled run is still
	// recorded.
	bg := context.Background()
	if err := s.Store.MarkRunning(bg, job.ID); err != nil {
		logger.Error("Failed to mark job running", "error", err)
	}

	engine := *s.Engine
	engine.Logger = logger
	emitter := metrics.Emitter{Next: &streaming.Emitter{
		Hub:     s.Hub,
		RunID:   runID,
		Archive: s.eventArchive(),
		Logger:  logger,
	}}

	done := metrics.RunStarted()
	res, err := engine.Run(ctx, job.Topic, job.MaxDepth, emitter)
	done(res)
	defer s.closeRun(runID)

	if err != nil {
		if ferr := s.Store.Fail(bg, job.ID, err.Error(), nil); ferr != nil {
			logger.Error("Failed to save job failure", "error", ferr)
		}
		return &research.Result{Topic: job.Topic, Error: err.Error()}
	}

	if !res.Success {
		if ferr := s.Store.Fail(bg, job.ID, res.Error, res); ferr != nil {
			logger.Error("Failed to save job failure", "error", ferr)
		}
		return res
	}

	if err := s.Store.Complete(bg, job.ID, res, res.Synthesis); err != nil {
		logger.Error("Failed to save final report", "error", err)
	}
	if s.Findings != nil {
		n, err := s.Findings.Index(bg, runID, res)
		if err != nil {
			logger.Error("Failed to archive findings", "error", err)
		} else {
			logger.Info("Findings archived", "chunks", n)
		}
	}
	return res
}

// closeRun ends live streams for the run and schedules its history for
// removal.
func (s *Service) closeRun(runID string) {
	s.Hub.Close(runID)
	if s.HistoryTTL > 0 {
		time.AfterFunc(s.HistoryTTL, func() { s.Hub.Forget(runID) })
	}
}

// eventArchive avoids handing a typed nil to the emitter.
func (s *Service) eventArchive() streaming.Archiver {
	if s.Archive == nil {
		return nil
	}
	return s.Archive
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]database.Job, error) {
	return s.Store.List(ctx, 50)
}

// DeleteJob removes a finished job with its logs, archived findings and
// buffered events.
func (s *Service) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	_, running := s.cancels[id]
	s.mu.Unlock()
	if running {
		return ErrJobRunning
	}

	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	runID := id.String()
	s.Hub.Forget(runID)
	if s.Findings != nil {
		n, err := s.Findings.Delete(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to delete archived findings: %w", err)
		}
		s.logger().Info("Job deleted", "job_id", runID, "chunks", n)
	}
	return nil
}

func (s *Service) GetJobLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	return s.Store.Logs(ctx, id)
}

// Replay returns the run's events after since, from the hub when it still
// holds the run and from the event archive otherwise.
func (s *Service) Replay(ctx context.Context, runID string, since uint64) ([]streaming.Message, error) {
	if s.Hub.Known(runID) || s.Archive == nil {
		return s.Hub.ReplaySince(runID, since), nil
	}
	msgs, err := s.Archive.Replay(ctx, runID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to replay archived events: %w", err)
	}
	return msgs, nil
}

func (s *Service) SearchFindings(ctx context.Context, query string, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error) {
	if s.Findings == nil {
		return nil, ErrArchiveDisabled
	}
	return s.Findings.Search(ctx, query, topK, filter)
}
