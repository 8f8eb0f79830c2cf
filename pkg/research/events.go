package research

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names the kind of a progress event.
type EventType string

const (
	EventInit     EventType = "init"
	EventDepth    EventType = "depth"
	EventActivity EventType = "activity"
	EventSource   EventType = "source"
	EventFinish   EventType = "finish"
)

// ActivityType is the phase an activity event reports on.
type ActivityType string

const (
	ActivitySearch    ActivityType = "search"
	ActivityExtract   ActivityType = "extract"
	ActivityThought   ActivityType = "thought"
	ActivitySynthesis ActivityType = "synthesis"
)

// Status of an activity event.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Event is a single progress notification. Only the fields relevant to Type
// are populated; CompletedSteps and TotalSteps are echoed on every event.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// init
	Topic    string `json:"topic,omitempty"`
	MaxDepth int    `json:"maxDepth,omitempty"`

	// depth, activity
	Depth int `json:"depth"`

	// activity
	Activity ActivityType `json:"activity,omitempty"`
	Status   Status       `json:"status,omitempty"`
	Message  string       `json:"message,omitempty"`

	// source
	Source *Source `json:"source,omitempty"`

	// finish
	Synthesis string `json:"synthesis,omitempty"`

	CompletedSteps int `json:"completedSteps"`
	TotalSteps     int `json:"totalSteps"`
}

// Marshal returns the JSON encoding of the event.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Name is the SSE event name: the activity type for activity events,
// otherwise the event type.
func (e Event) Name() string {
	if e.Type == EventActivity && e.Activity != "" {
		return string(e.Activity)
	}
	return string(e.Type)
}

// Emitter receives progress events in the order the engine produces them.
// Emit must not reorder or drop events it accepts.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// MultiEmitter forwards each event to every emitter in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

// ChannelEmitter sends events to a channel owned by the consumer. The send
// blocks, so the consumer must drain the channel while the run is active.
type ChannelEmitter chan<- Event

func (c ChannelEmitter) Emit(e Event) { c <- e }

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have the given type.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}
