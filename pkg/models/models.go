package models

import (
	"errors"
	"net/http"
	"slices"
	"sort"
	"time"
)

var (
	ErrEmptyImageID     = errors.New("image id cannot be empty")
	ErrEmptyAttemptID   = errors.New("attempt id cannot be empty")
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrInvalidStatus    = errors.New("invalid attempt status")
	ErrAlreadyFinalized = errors.New("attempt already finalized")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusModerated Status = "moderated"
	StatusFailed    Status = "failed"
)

func ValidStatuses() []Status {
	return []Status{StatusPending, StatusSuccess, StatusModerated, StatusFailed}
}

func (s Status) IsValid() bool {
	return slices.Contains(ValidStatuses(), s)
}

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusModerated || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// Source records which data source created an attempt.
type Source string

const (
	SourceStream  Source = "stream"
	SourceListing Source = "listing"
)

type ProgressEvent struct {
	Progress  int       `json:"progress"`
	Moderated bool      `json:"moderated"`
	Timestamp time.Time `json:"timestamp"`
}

// Attempt is one try at generating a video for a source image.
type Attempt struct {
	ID                  string          `json:"id"`
	StartedAt           time.Time       `json:"startedAt"`
	FinishedAt          *time.Time      `json:"finishedAt"`
	Prompt              string          `json:"prompt"`
	Status              Status          `json:"status"`
	Moderated           bool            `json:"moderated"`
	ModerationReason    string          `json:"moderationReason,omitempty"`
	ProgressEvents      []ProgressEvent `json:"progressEvents"`
	CurrentProgress     int             `json:"currentProgress"`
	LastCleanProgress   int             `json:"lastCleanProgress"`
	ModeratedAtProgress *int            `json:"moderatedAtProgress,omitempty"`
	VideoID             string          `json:"videoId,omitempty"`
	VideoURL            string          `json:"videoUrl,omitempty"`
	UpscaledVideoURL    string          `json:"upscaledVideoUrl,omitempty"`
	ThumbnailURL        string          `json:"thumbnailUrl,omitempty"`
	ResponseID          string          `json:"responseId,omitempty"`
	Mode                string          `json:"mode,omitempty"`
	ModelName           string          `json:"modelName,omitempty"`
	Source              Source          `json:"source,omitempty"`
	RawStream           string          `json:"rawStream,omitempty"`
	PayloadSnapshot     string          `json:"payloadSnapshot,omitempty"`
	Error               string          `json:"error,omitempty"`
}

func NewAttempt(id, prompt string, startedAt time.Time) *Attempt {
	return &Attempt{
		ID:        id,
		StartedAt: startedAt,
		Prompt:    prompt,
		Status:    StatusPending,
		Source:    SourceStream,
	}
}

// Clone returns a deep copy of a.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	cp := *a
	cp.ProgressEvents = append([]ProgressEvent(nil), a.ProgressEvents...)
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		cp.FinishedAt = &t
	}
	if a.ModeratedAtProgress != nil {
		p := *a.ModeratedAtProgress
		cp.ModeratedAtProgress = &p
	}
	return &cp
}

func (a *Attempt) IsFinalized() bool {
	return a.FinishedAt != nil || a.Status.IsTerminal()
}

// Matches reports whether id names this attempt either directly or through
// the remote video id.
func (a *Attempt) Matches(id string) bool {
	if id == "" {
		return false
	}
	return a.ID == id || a.VideoID == id
}

// ImageEntry aggregates every attempt made for one source image.
type ImageEntry struct {
	ImageID          string     `json:"imageId"`
	AccountID        string     `json:"accountId"`
	ThumbnailURL     string     `json:"thumbnailUrl,omitempty"`
	Prompt           string     `json:"prompt,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	ModelName        string     `json:"modelName,omitempty"`
	UpscaledVideoURL string     `json:"upscaledVideoUrl,omitempty"`
	Attempts         []*Attempt `json:"attempts"`
	SuccessCount     int        `json:"successCount"`
	FailCount        int        `json:"failCount"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	LastModeratedAt  *time.Time `json:"lastModeratedAt,omitempty"`
	CompletenessLock bool       `json:"completenessLock"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func NewImageEntry(imageID, accountID string, now time.Time) *ImageEntry {
	return &ImageEntry{
		ImageID:   imageID,
		AccountID: accountID,
		Attempts:  []*Attempt{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e *ImageEntry) Validate() error {
	if e.ImageID == "" {
		return ErrEmptyImageID
	}
	for _, a := range e.Attempts {
		if a.ID == "" {
			return ErrEmptyAttemptID
		}
		if !a.Status.IsValid() {
			return ErrInvalidStatus
		}
	}
	return nil
}

func (e *ImageEntry) FindAttempt(id string) *Attempt {
	for _, a := range e.Attempts {
		if a.Matches(id) {
			return a
		}
	}
	return nil
}

// ReplaceAttempt swaps in a for the attempt with the same ID, or inserts it
// when no such attempt exists.
func (e *ImageEntry) ReplaceAttempt(a *Attempt) {
	for i, existing := range e.Attempts {
		if existing.ID == a.ID {
			e.Attempts[i] = a
			return
		}
	}
	e.InsertAttempt(a)
}

// PrependAttempt adds a as the newest attempt.
func (e *ImageEntry) PrependAttempt(a *Attempt) {
	e.Attempts = append([]*Attempt{a}, e.Attempts...)
}

// InsertAttempt adds a keeping attempts ordered newest first by StartedAt.
func (e *ImageEntry) InsertAttempt(a *Attempt) {
	e.Attempts = append(e.Attempts, a)
	sort.SliceStable(e.Attempts, func(i, j int) bool {
		return e.Attempts[i].StartedAt.After(e.Attempts[j].StartedAt)
	})
}

// Touch moves UpdatedAt forward, never backward.
func (e *ImageEntry) Touch(t time.Time) bool {
	if t.After(e.UpdatedAt) {
		e.UpdatedAt = t
		return true
	}
	return false
}

// SyncUpscaledURL mirrors the newest attempt-level upscaled URL onto the
// entry while the entry field is still empty.
func (e *ImageEntry) SyncUpscaledURL() bool {
	if e.UpscaledVideoURL != "" {
		return false
	}
	for _, a := range e.Attempts {
		if a.UpscaledVideoURL != "" {
			e.UpscaledVideoURL = a.UpscaledVideoURL
			return true
		}
	}
	return false
}

// ArmedRequest correlates an in-flight generation request with the attempt
// it created. It lives from request send until the stream is finalized.
type ArmedRequest struct {
	RequestID string      `json:"requestId"`
	AccountID string      `json:"accountId"`
	ImageID   string      `json:"imageId"`
	AttemptID string      `json:"attemptId"`
	Headers   http.Header `json:"-"`
	CreatedAt time.Time   `json:"createdAt"`
}
