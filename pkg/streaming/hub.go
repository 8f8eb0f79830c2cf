package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mikeboe/deep-research/pkg/research"
)

// Message is a research event stamped with its run and a per-run sequence
// number. Seq starts at 1 and doubles as the SSE event id.
type Message struct {
	RunID string         `json:"runId"`
	Seq   uint64         `json:"seq"`
	Event research.Event `json:"event"`
}

// Marshal returns JSON for the message payload.
func (m Message) Marshal() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Hub provides in-memory pub/sub for research runs. Each run keeps a ring
// buffer of its recent events so late subscribers can replay.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Message]struct{}
	history     map[string]*ring
	capacity    int
}

const DefaultCapacity = 512

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		subscribers: make(map[string]map[chan Message]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for runID; the caller must drain it and
// call Unsubscribe. The channel is closed when the run is closed.
func (h *Hub) Subscribe(runID string, buffer int) chan Message {
	ch := make(chan Message, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if rg := h.history[runID]; rg != nil && rg.closed {
		close(ch)
		return ch
	}
	subs := h.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Message]struct{})
		h.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (h *Hub) Unsubscribe(runID string, ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, runID)
		}
	}
}

// Publish records ev in the run's history and sends it to all subscribers
// without blocking. Slow subscribers miss live events but can replay them.
func (h *Hub) Publish(runID string, ev research.Event) Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	rg := h.history[runID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[runID] = rg
	}
	rg.nextSeq++
	msg := Message{RunID: runID, Seq: rg.nextSeq, Event: ev}
	rg.push(msg)
	// Sends never block, so holding the lock keeps Close from racing them.
	for ch := range h.subscribers[runID] {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg
}

// Close marks runID finished and closes its subscriber channels. History is
// kept for replay until Forget.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rg := h.history[runID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[runID] = rg
	}
	rg.closed = true
	for ch := range h.subscribers[runID] {
		close(ch)
	}
	delete(h.subscribers, runID)
}

// Closed reports whether runID has been closed.
func (h *Hub) Closed(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rg := h.history[runID]
	return rg != nil && rg.closed
}

// Known reports whether the hub holds any history for runID.
func (h *Hub) Known(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.history[runID] != nil
}

// Forget drops the run's history.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	delete(h.history, runID)
	h.mu.Unlock()
}

// ReplaySince returns messages with Seq > since (best-effort within ring
// capacity).
func (h *Hub) ReplaySince(runID string, since uint64) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rg := h.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Archiver persists published messages outside the process.
type Archiver interface {
	Append(ctx context.Context, msg Message) error
}

// Emitter publishes a run's events into the hub and, when Archive is set,
// appends them to the archive. Archive failures are logged and dropped.
type Emitter struct {
	Hub     *Hub
	RunID   string
	Archive Archiver
	Logger  *slog.Logger
}

func (e *Emitter) Emit(ev research.Event) {
	msg := e.Hub.Publish(e.RunID, ev)
	if e.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Archive.Append(ctx, msg); err != nil {
		logger := e.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Failed to archive research event", "run_id", e.RunID, "seq", msg.Seq, "error", err)
	}
}

// ring is a fixed-capacity ring buffer of messages.
type ring struct {
	buf     []Message
	start   int
	count   int
	nextSeq uint64
	closed  bool
}

func newRing(capacity int) *ring { return &ring{buf: make([]Message, capacity)} }

func (r *ring) push(m Message) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Message {
	if r.count == 0 {
		return nil
	}
	out := make([]Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		m := r.buf[(r.start+i)%len(r.buf)]
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}
