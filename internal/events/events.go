// Package events carries fire-and-forget notifications about generation
// state to UI and automation consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/manash/gentrack/pkg/models"
)

type Type string

const (
	GenerationDetected  Type = "generation-detected"
	HistoryUpdated      Type = "history-updated"
	RailProgress        Type = "rail-progress"
	ModerationDetected  Type = "moderation-detected"
	RetryScheduled      Type = "retry-scheduled"
	RetryExhausted      Type = "retry-exhausted"
	GenerationFinalized Type = "generation-finalized"
)

// Event is the payload published for every notification. Fields not
// relevant to a type are left empty.
type Event struct {
	Type       Type          `json:"type"`
	ImageID    string        `json:"imageId,omitempty"`
	ImageIDs   []string      `json:"imageIds,omitempty"`
	AccountID  string        `json:"accountId,omitempty"`
	AttemptID  string        `json:"attemptId,omitempty"`
	RequestID  string        `json:"requestId,omitempty"`
	Progress   int           `json:"progress"`
	Moderated  bool          `json:"moderated,omitempty"`
	Status     models.Status `json:"status,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	VideoURL   string        `json:"videoUrl,omitempty"`
	RetryCount int           `json:"retryCount,omitempty"`
	DelayMs    int64         `json:"delayMs,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Publisher delivers events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
