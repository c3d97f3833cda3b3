package models

import "unicode/utf8"

const (
	DefaultMaxAttempts           = 50
	DefaultMaxProgressEvents     = 200
	DefaultRawStreamBudget       = 64 * 1024
	DefaultPayloadSnapshotBudget = 16 * 1024
)

// Limits bounds the size of persisted history records. Zero fields fall
// back to the defaults.
type Limits struct {
	MaxAttempts           int
	MaxProgressEvents     int
	RawStreamBudget       int
	PayloadSnapshotBudget int
}

func DefaultLimits() Limits {
	return Limits{
		MaxAttempts:           DefaultMaxAttempts,
		MaxProgressEvents:     DefaultMaxProgressEvents,
		RawStreamBudget:       DefaultRawStreamBudget,
		PayloadSnapshotBudget: DefaultPayloadSnapshotBudget,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = d.MaxAttempts
	}
	if l.MaxProgressEvents <= 0 {
		l.MaxProgressEvents = d.MaxProgressEvents
	}
	if l.RawStreamBudget <= 0 {
		l.RawStreamBudget = d.RawStreamBudget
	}
	if l.PayloadSnapshotBudget <= 0 {
		l.PayloadSnapshotBudget = d.PayloadSnapshotBudget
	}
	return l
}

// ApplyEntry trims e in place and reports whether anything was removed.
// Attempts are newest first, so the oldest ones are dropped from the tail.
func (l Limits) ApplyEntry(e *ImageEntry) bool {
	l = l.withDefaults()
	changed := false
	if len(e.Attempts) > l.MaxAttempts {
		e.Attempts = e.Attempts[:l.MaxAttempts]
		changed = true
	}
	for _, a := range e.Attempts {
		if l.ApplyAttempt(a) {
			changed = true
		}
	}
	return changed
}

func (l Limits) ApplyAttempt(a *Attempt) bool {
	l = l.withDefaults()
	changed := false
	if n := len(a.ProgressEvents); n > l.MaxProgressEvents {
		a.ProgressEvents = append([]ProgressEvent(nil), a.ProgressEvents[n-l.MaxProgressEvents:]...)
		changed = true
	}
	if len(a.RawStream) > l.RawStreamBudget {
		a.RawStream = KeepTail(a.RawStream, l.RawStreamBudget)
		changed = true
	}
	if len(a.PayloadSnapshot) > l.PayloadSnapshotBudget {
		a.PayloadSnapshot = KeepHead(a.PayloadSnapshot, l.PayloadSnapshotBudget)
		changed = true
	}
	return changed
}

// KeepTail returns at most max bytes from the end of s without splitting a
// UTF-8 sequence.
func KeepTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// KeepHead returns at most max bytes from the start of s without splitting a
// UTF-8 sequence.
func KeepHead(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
