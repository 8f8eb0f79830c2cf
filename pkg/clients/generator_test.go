package clients

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel replays scripted responses and records what it was sent.
type fakeModel struct {
	responses []*llms.ContentResponse
	errs      []error
	calls     int
	messages  [][]llms.MessageContent
	options   []llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.messages = append(f.messages, msgs)
	f.options = append(f.options, opts)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &llms.ContentResponse{}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func text(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

func quietGenerator(m llms.Model, model string) *LLMGenerator {
	g := NewLLMGenerator(m, model)
	g.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return g
}

func TestLLMGeneratorGenerate(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{text("hello")}}
	g := quietGenerator(m, "gemini-test")
	g.System = "be brief"
	g.JSONMode = true

	out, err := g.Generate(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	require.Len(t, m.messages, 1)
	msgs := m.messages[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, llms.TextContent{Text: "say hi"}, msgs[1].Parts[0])

	assert.Equal(t, "gemini-test", m.options[0].Model)
	assert.True(t, m.options[0].JSONMode)
}

func TestLLMGeneratorRetriesEmptyResponse(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{{}, text("second try")}}
	g := quietGenerator(m, "")
	g.MaxRetries = 2

	out, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "second try", out)
	assert.Equal(t, 2, m.calls)
	assert.Len(t, m.messages[0], 1)
}

func TestLLMGeneratorMakesSingleAttemptByDefault(t *testing.T) {
	boom := errors.New("quota exceeded")
	m := &fakeModel{errs: []error{boom, boom, boom}}
	g := quietGenerator(m, "")

	start := time.Now()
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	m = &fakeModel{responses: []*llms.ContentResponse{{}, text("late")}}
	_, err = quietGenerator(m, "").Generate(context.Background(), "p")
	assert.ErrorContains(t, err, "no choices")
	assert.Equal(t, 1, m.calls)
}

func TestLLMGeneratorGivesUpAfterRetries(t *testing.T) {
	boom := errors.New("quota exceeded")
	m := &fakeModel{errs: []error{boom, boom}}
	g := quietGenerator(m, "")
	g.MaxRetries = 2

	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, 2, m.calls)
}

func TestLLMGeneratorStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &fakeModel{errs: []error{context.Canceled}}
	g := quietGenerator(m, "")

	_, err := g.Generate(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.calls)
}
