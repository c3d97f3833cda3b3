package events

import (
	"context"
	"time"

	"github.com/manash/gentrack/internal/clock"
	"github.com/manash/gentrack/internal/lifecycle"
	"github.com/manash/gentrack/pkg/models"
)

// Notifier turns state transition results into events. It is the only
// place engine components reach the event bus through.
type Notifier struct {
	pub   Publisher
	clock clock.Clock
}

func NewNotifier(pub Publisher, c clock.Clock) *Notifier {
	if pub == nil {
		pub = Discard
	}
	return &Notifier{pub: pub, clock: clock.OrReal(c)}
}

func (n *Notifier) emit(ctx context.Context, ev Event) {
	ev.Timestamp = n.clock.Now()
	n.pub.Publish(ctx, ev)
}

func (n *Notifier) Detected(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt) {
	n.emit(ctx, Event{
		Type:      GenerationDetected,
		ImageID:   armed.ImageID,
		AccountID: armed.AccountID,
		AttemptID: armed.AttemptID,
		RequestID: armed.RequestID,
		Status:    a.Status,
	})
	n.HistoryUpdated(ctx, armed.ImageID)
}

func (n *Notifier) Progress(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt, u lifecycle.Update) {
	if u.ProgressRecorded {
		n.emit(ctx, Event{
			Type:      RailProgress,
			ImageID:   armed.ImageID,
			AccountID: armed.AccountID,
			AttemptID: a.ID,
			Progress:  a.CurrentProgress,
			Moderated: a.Moderated,
		})
	}
	if u.NewlyModerated {
		n.emit(ctx, Event{
			Type:      ModerationDetected,
			ImageID:   armed.ImageID,
			AccountID: armed.AccountID,
			AttemptID: a.ID,
			Progress:  a.CurrentProgress,
			Moderated: true,
			Reason:    a.ModerationReason,
		})
	}
}

func (n *Notifier) Finalized(ctx context.Context, armed *models.ArmedRequest, _ *models.ImageEntry, a *models.Attempt) {
	n.emit(ctx, Event{
		Type:      GenerationFinalized,
		ImageID:   armed.ImageID,
		AccountID: armed.AccountID,
		AttemptID: a.ID,
		Progress:  a.CurrentProgress,
		Moderated: a.Moderated,
		Status:    a.Status,
		Reason:    a.Error,
		VideoURL:  a.VideoURL,
	})
	n.HistoryUpdated(ctx, armed.ImageID)
}

func (n *Notifier) RetryScheduled(ctx context.Context, imageID string, retryCount int, delay time.Duration) {
	n.emit(ctx, Event{
		Type:       RetryScheduled,
		ImageID:    imageID,
		RetryCount: retryCount,
		DelayMs:    delay.Milliseconds(),
	})
}

func (n *Notifier) RetryExhausted(ctx context.Context, imageID string, retryCount int, reason string) {
	n.emit(ctx, Event{
		Type:       RetryExhausted,
		ImageID:    imageID,
		RetryCount: retryCount,
		Reason:     reason,
		Status:     models.StatusFailed,
	})
}

// HistoryUpdated announces that the given entries changed in the store.
func (n *Notifier) HistoryUpdated(ctx context.Context, imageIDs ...string) {
	if len(imageIDs) == 0 {
		return
	}
	ev := Event{Type: HistoryUpdated, ImageIDs: imageIDs}
	if len(imageIDs) == 1 {
		ev.ImageID = imageIDs[0]
	}
	n.emit(ctx, ev)
}
