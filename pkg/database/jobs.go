package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrJobNotFound is returned when no job has the requested id.
var ErrJobNotFound = errors.New("research job not found")

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Status    JobStatus       `json:"status"`
	MaxDepth  int             `json:"max_depth"`
	Result    json.RawMessage `json:"result,omitempty"`
	Report    *string         `json:"report,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

// JobRepository stores research jobs and their logs in Postgres.
type JobRepository struct {
	db *PostgresDB
}

func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, topic, status, max_depth, result, report, error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var result []byte
	err := row.Scan(&job.ID, &job.Topic, &job.Status, &job.MaxDepth, &result,
		&job.Report, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

func (r *JobRepository) Create(ctx context.Context, topic string, maxDepth int) (*Job, error) {
	query := `
		INSERT INTO research_jobs (id, topic, status, max_depth)
		VALUES ($1, $2, 'pending', $3)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, uuid.New(), topic, maxDepth))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs WHERE id = $1`
	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM research_jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "UPDATE research_jobs SET status = 'running', updated_at = NOW() WHERE id = $1", id)
}

// Complete stores the result and the synthesized report.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result any, report string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.exec(ctx,
		"UPDATE research_jobs SET status = 'completed', result = $2, report = $3, updated_at = NOW() WHERE id = $1",
		id, resultJSON, report)
}

// Fail records the failure reason together with any partial result.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, reason string, result any) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = b
	}
	return r.exec(ctx,
		"UPDATE research_jobs SET status = 'failed', error = $2, result = $3, updated_at = NOW() WHERE id = $1",
		id, reason, resultJSON)
}

// Delete removes the job; its logs go with it through the foreign key.
func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "DELETE FROM research_jobs WHERE id = $1", id)
}

func (r *JobRepository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) AppendLog(ctx context.Context, jobID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	query := `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Pool.Exec(ctx, query, jobID, ts, level, message, metadata); err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

func (r *JobRepository) Logs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return logs, nil
}
