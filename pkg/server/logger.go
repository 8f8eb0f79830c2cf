package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogSink receives structured log records for a job.
type LogSink interface {
	AppendLog(ctx context.Context, jobID uuid.UUID, ts time.Time, level, message string, metadata []byte) error
}

// DBLogHandler is a slog.Handler that writes records to the job log store
type DBLogHandler struct {
	Sink  LogSink
	JobID uuid.UUID
	Level slog.Leveler

	attrs  []scopedAttrs
	groups []string
}

// scopedAttrs are attributes added under the group path that was open at the
// time.
type scopedAttrs struct {
	groups []string
	attrs  []slog.Attr
}

func NewDBLogHandler(sink LogSink, jobID uuid.UUID) *DBLogHandler {
	return &DBLogHandler{Sink: sink, JobID: jobID, Level: slog.LevelInfo}
}

func (h *DBLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.Level != nil {
		threshold = h.Level.Level()
	}
	return level >= threshold
}

func (h *DBLogHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	for _, sa := range h.attrs {
		target := groupMap(attrs, sa.groups)
		for _, a := range sa.attrs {
			addAttr(target, a)
		}
	}
	target := groupMap(attrs, h.groups)
	r.Attrs(func(a slog.Attr) bool {
		addAttr(target, a)
		return true
	})

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Logs must persist even when the request that started the run is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Sink.AppendLog(ctx, h.JobID, r.Time, r.Level.String(), r.Message, metaJSON)
}

func groupMap(m map[string]any, groups []string) map[string]any {
	for _, g := range groups {
		sub, ok := m[g].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			m[g] = sub
		}
		m = sub
	}
	return m
}

func addAttr(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		sub := make(map[string]any)
		for _, ga := range v.Group() {
			addAttr(sub, ga)
		}
		m[a.Key] = sub
	case slog.KindDuration:
		m[a.Key] = v.Duration().String()
	default:
		if err, ok := v.Any().(error); ok {
			m[a.Key] = err.Error()
			return
		}
		m[a.Key] = v.Any()
	}
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = append(append([]scopedAttrs(nil), h.attrs...), scopedAttrs{groups: h.groups, attrs: attrs})
	return &next
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
