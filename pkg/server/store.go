package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
)

// JobStore persists research jobs and their logs. database.JobRepository is
// the Postgres implementation.
type JobStore interface {
	Create(ctx context.Context, topic string, maxDepth int) (*database.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*database.Job, error)
	List(ctx context.Context, limit int) ([]database.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, result any, report string) error
	Fail(ctx context.Context, id uuid.UUID, reason string, result any) error
	AppendLog(ctx context.Context, jobID uuid.UUID, ts time.Time, level, message string, metadata []byte) error
	Logs(ctx context.Context, jobID uuid.UUID) ([]database.LogEntry, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

var _ JobStore = (*database.JobRepository)(nil)

// MemoryJobStore keeps jobs in process memory. It is used when no database
// is configured.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*database.Job
	logs map[uuid.UUID][]database.LogEntry
	seq  int
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[uuid.UUID]*database.Job),
		logs: make(map[uuid.UUID][]database.LogEntry),
	}
}

func (m *MemoryJobStore) Create(_ context.Context, topic string, maxDepth int) (*database.Job, error) {
	now := time.Now()
	job := &database.Job{
		ID:        uuid.New(),
		Topic:     topic,
		Status:    database.JobPending,
		MaxDepth:  maxDepth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	copied := *job
	return &copied, nil
}

func (m *MemoryJobStore) Get(_ context.Context, id uuid.UUID) (*database.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *MemoryJobStore) List(_ context.Context, limit int) ([]database.Job, error) {
	m.mu.RLock()
	jobs := make([]database.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, *j)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryJobStore) update(id uuid.UUID, fn func(j *database.Job) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryJobStore) MarkRunning(_ context.Context, id uuid.UUID) error {
	return m.update(id, func(j *database.Job) error {
		j.Status = database.JobRunning
		return nil
	})
}

func (m *MemoryJobStore) Complete(_ context.Context, id uuid.UUID, result any, report string) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return m.update(id, func(j *database.Job) error {
		j.Status = database.JobCompleted
		j.Result = b
		j.Report = &report
		return nil
	})
}

func (m *MemoryJobStore) Fail(_ context.Context, id uuid.UUID, reason string, result any) error {
	var b []byte
	if result != nil {
		var err error
		if b, err = json.Marshal(result); err != nil {
			return err
		}
	}
	return m.update(id, func(j *database.Job) error {
		j.Status = database.JobFailed
		j.Error = &reason
		j.Result = b
		return nil
	})
}

func (m *MemoryJobStore) AppendLog(_ context.Context, jobID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return database.ErrJobNotFound
	}
	m.seq++
	m.logs[jobID] = append(m.logs[jobID], database.LogEntry{
		ID:        m.seq,
		Timestamp: ts,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
	return nil
}

func (m *MemoryJobStore) Logs(_ context.Context, jobID uuid.UUID) ([]database.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]database.LogEntry(nil), m.logs[jobID]...), nil
}

// Delete removes the job and its logs.
func (m *MemoryJobStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return database.ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.logs, id)
	return nil
}
