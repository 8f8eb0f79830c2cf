package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Document is a finding chunk with its embedding. Metadata carries job_id,
// source, title and chunk.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Filter narrows a similarity search. Empty fields do not filter.
type Filter struct {
	JobID  string
	Source string
}

// PGVectorStore handles pgvector operations
type PGVectorStore struct {
	pool      *pgxpool.Pool
	tableName string
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

// isValidTableName validates that a table name contains only safe characters
// to prevent SQL injection attacks
func isValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// ValidateTableName reports whether name can be used as a collection table.
func ValidateTableName(name string) error {
	if !isValidTableName(name) {
		return fmt.Errorf("invalid table name %q: must contain only alphanumeric characters and underscores, start with a lowercase letter or underscore, and be 1-63 characters long", name)
	}
	return nil
}

// NewPGVectorStore creates a new PGVector store
func NewPGVectorStore(pool *pgxpool.Pool, tableName string) (*PGVectorStore, error) {
	if err := ValidateTableName(tableName); err != nil {
		return nil, err
	}
	return &PGVectorStore{
		pool:      pool,
		tableName: tableName,
	}, nil
}

// AddDocuments adds documents with embeddings to the vector store
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, pgx.Identifier{vs.tableName}.Sanitize())

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(query, doc.Content, metadataJSON, pgvector.NewVector(doc.Embedding))
	}

	br := vs.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}

	return nil
}

// SimilaritySearchResult represents a search result with score
type SimilaritySearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// SimilaritySearch returns the topK documents closest to queryEmbedding by
// cosine distance.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter Filter) ([]SimilaritySearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	args := []any{pgvector.NewVector(queryEmbedding)}
	where := buildFilter(filter, &args)
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) as similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, pgx.Identifier{vs.tableName}.Sanitize(), where, len(args))

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	defer rows.Close()

	var results []SimilaritySearchResult
	for rows.Next() {
		var doc Document
		var metadataJSON []byte
		var similarity float64

		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		results = append(results, SimilaritySearchResult{Document: doc, Score: similarity})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return results, nil
}

// DeleteJob removes every document archived for jobID.
func (vs *PGVectorStore) DeleteJob(ctx context.Context, jobID string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE metadata->>'job_id' = $1`, pgx.Identifier{vs.tableName}.Sanitize())
	tag, err := vs.pool.Exec(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents for job %s: %w", jobID, err)
	}
	return tag.RowsAffected(), nil
}

// buildFilter appends filter values to args and returns the WHERE clause
// referencing them.
func buildFilter(f Filter, args *[]any) string {
	var conditions []string
	if f.JobID != "" {
		*args = append(*args, f.JobID)
		conditions = append(conditions, fmt.Sprintf("metadata->>'job_id' = $%d", len(*args)))
	}
	if f.Source != "" {
		*args = append(*args, f.Source)
		conditions = append(conditions, fmt.Sprintf("metadata->>'source' = $%d", len(*args)))
	}
	if len(conditions) == 0 {
		return "TRUE"
	}
	return strings.Join(conditions, " AND ")
}
