package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidTableName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Valid standard", "research_findings", true},
		{"Valid with numbers", "findings2025", true},
		{"Valid short", "a", true},
		{"Valid max length", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_", true}, // 63 chars
		{"Invalid start with number", "1findings", false},
		{"Invalid uppercase start", "Findings", false},
		{"Invalid special chars", "research-findings", false},
		{"Invalid space", "research findings", false},
		{"Invalid SQL injection", "findings; DROP TABLE research_jobs", false},
		{"Invalid empty", "", false},
		{"Invalid too long", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789__", false}, // 64 chars
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isValidTableName(tt.input))
			if tt.expected {
				assert.NoError(t, ValidateTableName(tt.input))
			} else {
				assert.Error(t, ValidateTableName(tt.input))
			}
		})
	}
}

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name      string
		filter    Filter
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "No filter",
			filter:    Filter{},
			wantWhere: "TRUE",
			wantArgs:  []any{"embedding"},
		},
		{
			name:      "Job only",
			filter:    Filter{JobID: "job-1"},
			wantWhere: "metadata->>'job_id' = $2",
			wantArgs:  []any{"embedding", "job-1"},
		},
		{
			name:      "Source only",
			filter:    Filter{Source: "https://a"},
			wantWhere: "metadata->>'source' = $2",
			wantArgs:  []any{"embedding", "https://a"},
		},
		{
			name:      "Job and source",
			filter:    Filter{JobID: "job-1", Source: "https://a"},
			wantWhere: "metadata->>'job_id' = $2 AND metadata->>'source' = $3",
			wantArgs:  []any{"embedding", "job-1", "https://a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := []any{"embedding"}
			where := buildFilter(tt.filter, &args)
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
