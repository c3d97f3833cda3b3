package retry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
	StateModerated  State = "moderated"
	StateRetrying   State = "retrying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// A moderated or retrying job can drop back to idle when the user leaves
// the image page; terminal states restart on a new generation.
var transitions = map[State][]State{
	StateIdle:       {StateGenerating},
	StateGenerating: {StateModerated, StateCompleted, StateFailed},
	StateModerated:  {StateRetrying, StateFailed, StateIdle, StateGenerating},
	StateRetrying:   {StateGenerating, StateFailed, StateIdle},
	StateCompleted:  {StateGenerating},
	StateFailed:     {StateGenerating},
}

func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// HistoryRecord is one moderation seen by a job.
type HistoryRecord struct {
	RetryCount int           `json:"retryCount"`
	Reason     string        `json:"reason"`
	Tier       int           `json:"tier"`
	Prompt     string        `json:"prompt,omitempty"`
	Delay      time.Duration `json:"delay"`
	Fallback   bool          `json:"fallback,omitempty"`
	At         time.Time     `json:"at"`
}

// Job is the retry state of one image.
type Job struct {
	ImageID        string          `json:"imageId"`
	AccountID      string          `json:"accountId"`
	AssetURL       string          `json:"assetUrl,omitempty"`
	OriginalPrompt string          `json:"originalPrompt"`
	Mode           string          `json:"mode,omitempty"`
	State          State           `json:"state"`
	RetryCount     int             `json:"retryCount"`
	LastReason     string          `json:"lastReason,omitempty"`
	FallbackUsed   bool            `json:"fallbackUsed"`
	History        []HistoryRecord `json:"history"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (j *Job) transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	return nil
}

func (j *Job) reset() {
	j.RetryCount = 0
	j.History = nil
	j.FallbackUsed = false
	j.LastReason = ""
}

func (j *Job) clone() Job {
	cp := *j
	cp.History = append([]HistoryRecord(nil), j.History...)
	return cp
}
