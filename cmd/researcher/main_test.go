package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/research"
)

func TestWriteOutputs(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	res := &research.Result{
		Success:   true,
		Topic:     "solid state batteries",
		Synthesis: "## Findings\nThey are promising.",
		Sources:   []research.Source{{URL: "https://a.example", Title: "A"}},
	}

	events := []research.Event{
		{Type: research.EventInit, Topic: "solid state batteries", MaxDepth: 1},
		{Type: research.EventFinish, Synthesis: res.Synthesis, CompletedSteps: 1},
	}

	require.NoError(t, writeOutputs(dir, res, events, now))

	report, err := os.ReadFile(filepath.Join(dir, "report_20250301_123000.md"))
	require.NoError(t, err)
	assert.Equal(t, "# solid state batteries\n\n## Findings\nThey are promising.\n", string(report))

	raw, err := os.ReadFile(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	var body research.Response
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.True(t, body.Success)
	assert.Equal(t, "## Findings\nThey are promising.", body.Data.Analysis)

	raw, err = os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)
	var trace []research.Event
	require.NoError(t, json.Unmarshal(raw, &trace))
	require.Len(t, trace, 2)
	assert.Equal(t, research.EventFinish, trace[1].Type)
}

func TestWriteOutputsFailureSkipsReport(t *testing.T) {
	dir := t.TempDir()
	res := &research.Result{
		Topic:    "t",
		Error:    "synthesis failed",
		Findings: []research.Finding{{Source: "https://a.example", Content: "partial"}},
	}

	require.NoError(t, writeOutputs(dir, res, nil, time.Now()))

	matches, _ := filepath.Glob(filepath.Join(dir, "report_*.md"))
	assert.Empty(t, matches)

	raw, err := os.ReadFile(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "synthesis failed")
	assert.Contains(t, string(raw), "partial")

	raw, err = os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}
