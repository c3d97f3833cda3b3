// Package lifecycle holds the pure state transitions of an Attempt: applying
// stream signals, choosing terminal outcomes and finalizing. Nothing here
// performs I/O or emits events; callers inspect the returned results.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/manash/gentrack/pkg/models"
)

const (
	InitialGuard = 60 * time.Second
	LateGuard    = 150 * time.Second
	MidGuard     = 120 * time.Second
	EarlyGuard   = 90 * time.Second

	// StallSuccessProgress is the progress at or above which a stalled
	// attempt is treated as complete.
	StallSuccessProgress = 99
)

// GuardWindow returns the stall window to arm after an update at progress.
func GuardWindow(progress int) time.Duration {
	switch {
	case progress >= 95:
		return LateGuard
	case progress >= 75:
		return MidGuard
	default:
		return EarlyGuard
	}
}

// Signal is what one stream record says about the attempt. Empty strings
// and HasProgress=false mean "not present".
type Signal struct {
	Progress         int
	HasProgress      bool
	Moderated        bool
	ModerationReason string
	VideoID          string
	VideoURL         string
	UpscaledVideoURL string
	ThumbnailURL     string
	Prompt           string
	ImageReference   string
	ModelName        string
	Mode             string
	ResponseID       string
}

// Empty reports whether the signal carries nothing applicable.
func (s Signal) Empty() bool {
	return !s.HasProgress && !s.Moderated && s.VideoID == "" && s.VideoURL == "" &&
		s.UpscaledVideoURL == "" && s.ThumbnailURL == "" && s.Prompt == "" &&
		s.ImageReference == "" && s.ModelName == "" && s.Mode == "" && s.ResponseID == ""
}

// Update describes the effect of ApplySignal.
type Update struct {
	Changed          bool
	ProgressRecorded bool
	NewlyModerated   bool
	// Complete is set when the attempt reached 100 and should be finalized.
	Complete bool
	// Ignored is set when a clean progress value below LastCleanProgress
	// was dropped.
	Ignored bool
}

// ApplySignal folds sig into a. Finalized attempts are left untouched.
//
// Clean (non-moderated) progress never moves backwards; once moderation is
// seen, ModeratedAtProgress is frozen at the highest clean progress instead
// of whatever the moderated record reports.
func ApplySignal(a *models.Attempt, sig Signal, now time.Time) Update {
	var u Update
	if a == nil || a.IsFinalized() {
		return u
	}

	setString := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			u.Changed = true
		}
	}
	setString(&a.VideoID, sig.VideoID)
	setString(&a.VideoURL, sig.VideoURL)
	setString(&a.UpscaledVideoURL, sig.UpscaledVideoURL)
	setString(&a.ThumbnailURL, sig.ThumbnailURL)
	setString(&a.ModelName, sig.ModelName)
	setString(&a.Mode, sig.Mode)
	setString(&a.ResponseID, sig.ResponseID)
	if a.Prompt == "" {
		setString(&a.Prompt, sig.Prompt)
	}

	if sig.Moderated && !a.Moderated {
		a.Moderated = true
		if sig.ModerationReason != "" {
			a.ModerationReason = sig.ModerationReason
		}
		u.NewlyModerated = true
		u.Changed = true
	}
	if a.Moderated {
		freeze := a.LastCleanProgress
		if a.ModeratedAtProgress == nil || *a.ModeratedAtProgress < freeze {
			a.ModeratedAtProgress = &freeze
			u.Changed = true
		}
	}

	progress := a.CurrentProgress
	if sig.HasProgress {
		switch {
		case !sig.Moderated && sig.Progress < a.LastCleanProgress:
			u.Ignored = true
		default:
			progress = clamp(sig.Progress)
		}
	}

	if progress != a.CurrentProgress || u.NewlyModerated {
		a.CurrentProgress = progress
		a.ProgressEvents = append(a.ProgressEvents, models.ProgressEvent{
			Progress:  progress,
			Moderated: sig.Moderated,
			Timestamp: now,
		})
		if !sig.Moderated && progress > a.LastCleanProgress {
			a.LastCleanProgress = progress
		}
		u.ProgressRecorded = true
		u.Changed = true
	}

	if sig.HasProgress && !u.Ignored && clamp(sig.Progress) >= 100 {
		u.Complete = true
	}
	return u
}

// Outcome is a terminal decision for an attempt.
type Outcome struct {
	Status models.Status
	Error  string
}

// Completed is the outcome for an attempt that reached 100.
func Completed(a *models.Attempt) Outcome {
	if a.Moderated {
		return Outcome{Status: models.StatusModerated, Error: a.ModerationReason}
	}
	return Outcome{Status: models.StatusSuccess}
}

// StreamEnded is the outcome for a stream that closed cleanly without
// reaching 100.
func StreamEnded(a *models.Attempt) Outcome {
	if a.Moderated {
		return Outcome{Status: models.StatusModerated, Error: a.ModerationReason}
	}
	return Outcome{
		Status: models.StatusFailed,
		Error:  fmt.Sprintf("stream ended at %d%%", a.CurrentProgress),
	}
}

// StreamFailed is the outcome for a transport or read error.
func StreamFailed(err error) Outcome {
	msg := "stream failed"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: models.StatusFailed, Error: msg}
}

// Stalled is the outcome when the guard window expires with no terminal
// record. A moderated attempt stays moderated so the retry policy still
// applies. A near-complete attempt, or one whose video URL is already
// known, is treated as done.
func Stalled(a *models.Attempt) Outcome {
	if a.Moderated {
		return Outcome{Status: models.StatusModerated, Error: a.ModerationReason}
	}
	if a.CurrentProgress >= StallSuccessProgress || a.VideoURL != "" {
		return Completed(a)
	}
	return Outcome{
		Status: models.StatusFailed,
		Error:  fmt.Sprintf("stalled at %d%%", a.CurrentProgress),
	}
}

// Finalize applies out to the attempt identified by attemptID and updates
// the entry counters. It returns false, changing nothing, if the attempt is
// missing or already finalized.
func Finalize(e *models.ImageEntry, attemptID string, out Outcome, now time.Time) bool {
	if e == nil {
		return false
	}
	a := e.FindAttempt(attemptID)
	if a == nil || a.IsFinalized() {
		return false
	}
	if !out.Status.IsTerminal() {
		out.Status = models.StatusFailed
	}

	finished := now
	a.Status = out.Status
	a.FinishedAt = &finished
	if out.Error != "" && out.Status != models.StatusSuccess {
		a.Error = out.Error
	}

	switch out.Status {
	case models.StatusSuccess:
		e.SuccessCount++
		e.LastSuccessAt = &finished
	case models.StatusModerated:
		e.FailCount++
		e.LastModeratedAt = &finished
	case models.StatusFailed:
		e.FailCount++
	}
	if e.ThumbnailURL == "" && a.ThumbnailURL != "" {
		e.ThumbnailURL = a.ThumbnailURL
	}
	e.SyncUpscaledURL()
	e.Touch(now)
	return true
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
