// Package stream consumes the streamed response of a generation request,
// folds its records into the tracked Attempt and finalizes the attempt on
// completion, error, end of stream or stall.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manash/gentrack/internal/clock"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/lifecycle"
	"github.com/manash/gentrack/pkg/models"
)

const (
	readChunkSize = 32 * 1024
	// finishedMemory bounds how many finalized attempt ids are remembered
	// so a late Consume does not reopen them.
	finishedMemory = 1024
)

// Notifier observes state transitions. Implementations must not block.
type Notifier interface {
	Progress(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt, u lifecycle.Update)
	Finalized(ctx context.Context, armed *models.ArmedRequest, entry *models.ImageEntry, a *models.Attempt)
}

// FinalizeFunc is called once per attempt after it has been finalized.
type FinalizeFunc func(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt)

type Options struct {
	Updater         *history.Updater
	Clock           clock.Clock
	Logger          *slog.Logger
	Notifier        Notifier
	AssetHost       string
	InitialGuard    time.Duration
	RawStreamBudget int
	OnFinalized     FinalizeFunc
}

// Stats summarizes one Consume call.
type Stats struct {
	Lines     int
	Records   int
	Malformed int
	Finalized bool
	Status    models.Status
}

// Processor tracks every in-flight attempt. It is safe for concurrent use;
// each attempt is expected to be consumed by one goroutine.
type Processor struct {
	updater   *history.Updater
	clock     clock.Clock
	logger    *slog.Logger
	notifier  Notifier
	assetHost string
	initial   time.Duration
	rawBudget int
	onFinal   FinalizeFunc

	mu       sync.Mutex
	sessions map[string]*session
	finished map[string]struct{}
	order    []string
}

type session struct {
	mu        sync.Mutex
	armed     *models.ArmedRequest
	attempt   *models.Attempt
	imageRef  string
	guard     *Guard
	completed bool
}

func NewProcessor(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial := opts.InitialGuard
	if initial <= 0 {
		initial = lifecycle.InitialGuard
	}
	budget := opts.RawStreamBudget
	if budget <= 0 {
		budget = models.DefaultRawStreamBudget
	}
	return &Processor{
		updater:   opts.Updater,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger,
		notifier:  opts.Notifier,
		assetHost: opts.AssetHost,
		initial:   initial,
		rawBudget: budget,
		onFinal:   opts.OnFinalized,
		sessions:  make(map[string]*session),
		finished:  make(map[string]struct{}),
	}
}

// Watch starts tracking the attempt armed by the correlator and schedules
// the initial stall guard. It is idempotent per attempt.
func (p *Processor) Watch(armed *models.ArmedRequest, attempt *models.Attempt) {
	p.session(armed, attempt)
}

// Active reports how many attempts are being tracked.
func (p *Processor) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Processor) session(armed *models.ArmedRequest, attempt *models.Attempt) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[armed.AttemptID]; ok {
		return s
	}
	if _, done := p.finished[armed.AttemptID]; done {
		return nil
	}

	if attempt == nil {
		attempt = models.NewAttempt(armed.AttemptID, "", armed.CreatedAt)
	}
	s := &session{armed: armed, attempt: attempt.Clone()}
	s.guard = NewGuard(p.clock, func() { p.expire(s) })
	s.guard.Reset(p.initial)
	p.sessions[armed.AttemptID] = s
	return s
}

// Consume reads r until EOF, applying each record to the armed attempt.
// After the attempt is finalized the rest of r is drained unprocessed so a
// tee'd writer never blocks.
func (p *Processor) Consume(ctx context.Context, armed *models.ArmedRequest, r io.Reader) Stats {
	s := p.session(armed, nil)
	if s == nil {
		p.logger.Debug("stream for finalized attempt ignored", "attempt", armed.AttemptID)
		_, _ = io.Copy(io.Discard, r)
		return Stats{Finalized: true}
	}
	var (
		stats Stats
		dec   LineDecoder
		buf   = make([]byte, readChunkSize)
	)

	for {
		if err := ctx.Err(); err != nil {
			p.finalize(ctx, s, lifecycle.StreamFailed(err))
			break
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				p.handleLine(ctx, s, line, &stats)
			}
			if dropped := dec.TakeDropped(); dropped > 0 {
				stats.Malformed += dropped
				p.logger.Debug("oversized stream line dropped", "attempt", armed.AttemptID, "limit", MaxLineBytes)
			}
		}
		if errors.Is(err, io.EOF) {
			if rest := dec.Flush(); rest != "" {
				p.handleLine(ctx, s, rest, &stats)
			}
			p.finalize(ctx, s, lifecycle.StreamEnded(s.snapshot()))
			break
		}
		if err != nil {
			p.logger.Warn("stream read failed", "attempt", armed.AttemptID, "error", err)
			p.finalize(ctx, s, lifecycle.StreamFailed(err))
			break
		}
	}

	_, _ = io.Copy(io.Discard, r)

	final := s.snapshot()
	stats.Finalized = final.IsFinalized()
	stats.Status = final.Status
	return stats
}

func (p *Processor) handleLine(ctx context.Context, s *session, line string, stats *Stats) {
	stats.Lines++
	if s.isCompleted() {
		return
	}

	doc, kind := ParseRecord(line)
	switch kind {
	case KindSkip:
		return
	case KindMalformed:
		stats.Malformed++
		p.logger.Debug("skipping malformed stream line", "attempt", s.armed.AttemptID, "line", models.KeepHead(line, 200))
		return
	}
	stats.Records++

	sig, ok := ExtractSignal(doc, p.assetHost)
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.attempt.RawStream = models.KeepTail(s.attempt.RawStream+line+"\n", p.rawBudget)
	if !ok {
		s.mu.Unlock()
		return
	}
	if sig.ImageReference != "" {
		s.imageRef = sig.ImageReference
	}
	u := lifecycle.ApplySignal(s.attempt, sig, p.clock.Now())
	if u.Changed {
		s.guard.Reset(lifecycle.GuardWindow(s.attempt.CurrentProgress))
		p.persist(ctx, s)
	}
	attempt := s.attempt.Clone()
	s.mu.Unlock()

	if u.Changed && p.notifier != nil {
		p.notifier.Progress(ctx, s.armed, attempt, u)
	}
	if u.Complete {
		p.finalize(ctx, s, lifecycle.Completed(attempt))
	}
}

// persist writes the session's working copy into its entry. Store failures
// are logged and the working copy is kept, so a later write catches up.
// Caller holds s.mu.
func (p *Processor) persist(ctx context.Context, s *session) *models.ImageEntry {
	if p.updater == nil {
		return nil
	}
	now := p.clock.Now()
	entry, err := p.updater.Update(ctx, s.armed.ImageID, p.creator(s, now), func(e *models.ImageEntry) bool {
		p.mergeInto(e, s, now)
		return true
	})
	if err != nil {
		p.logger.Error("failed to persist attempt", "image", s.armed.ImageID, "attempt", s.armed.AttemptID, "error", err)
	}
	return entry
}

func (p *Processor) creator(s *session, now time.Time) func() *models.ImageEntry {
	return func() *models.ImageEntry {
		return models.NewImageEntry(s.armed.ImageID, s.armed.AccountID, now)
	}
}

// mergeInto stores the working attempt in e. Fields the stream has not
// produced yet keep whatever another writer already filled.
func (p *Processor) mergeInto(e *models.ImageEntry, s *session, now time.Time) {
	if stored := e.FindAttempt(s.attempt.ID); stored != nil {
		fill := func(dst *string, v string) {
			if *dst == "" {
				*dst = v
			}
		}
		fill(&s.attempt.VideoURL, stored.VideoURL)
		fill(&s.attempt.UpscaledVideoURL, stored.UpscaledVideoURL)
		fill(&s.attempt.ThumbnailURL, stored.ThumbnailURL)
		fill(&s.attempt.Prompt, stored.Prompt)
		fill(&s.attempt.PayloadSnapshot, stored.PayloadSnapshot)
	}
	e.ReplaceAttempt(s.attempt.Clone())
	if e.ThumbnailURL == "" && s.imageRef != "" {
		e.ThumbnailURL = s.imageRef
	}
	e.SyncUpscaledURL()
	e.Touch(now)
}

// Finalize ends the attempt with out. It returns false if the attempt was
// already finalized, in which case nothing is written.
func (p *Processor) Finalize(ctx context.Context, attemptID string, out lifecycle.Outcome) bool {
	p.mu.Lock()
	s, ok := p.sessions[attemptID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.finalize(ctx, s, out)
}

func (p *Processor) expire(s *session) {
	ctx := context.Background()
	out := lifecycle.Stalled(s.snapshot())
	p.logger.Info("stall guard expired", "image", s.armed.ImageID, "attempt", s.armed.AttemptID, "status", out.Status)
	p.finalize(ctx, s, out)
}

func (p *Processor) finalize(ctx context.Context, s *session, out lifecycle.Outcome) bool {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return false
	}
	s.completed = true
	s.guard.Stop()

	now := p.clock.Now()
	var entry *models.ImageEntry
	if p.updater != nil {
		var err error
		entry, err = p.updater.Update(ctx, s.armed.ImageID, p.creator(s, now), func(e *models.ImageEntry) bool {
			p.mergeInto(e, s, now)
			lifecycle.Finalize(e, s.attempt.ID, out, now)
			return true
		})
		if err != nil {
			p.logger.Error("failed to persist finalized attempt", "image", s.armed.ImageID, "attempt", s.armed.AttemptID, "error", err)
		}
	}
	if entry == nil {
		entry = models.NewImageEntry(s.armed.ImageID, s.armed.AccountID, now)
		p.mergeInto(entry, s, now)
		lifecycle.Finalize(entry, s.attempt.ID, out, now)
	}
	if final := entry.FindAttempt(s.attempt.ID); final != nil {
		s.attempt = final.Clone()
	}
	attempt := s.attempt.Clone()
	s.mu.Unlock()

	p.mu.Lock()
	delete(p.sessions, s.armed.AttemptID)
	p.rememberLocked(s.armed.AttemptID)
	p.mu.Unlock()

	p.logger.Info("attempt finalized",
		"image", s.armed.ImageID,
		"attempt", attempt.ID,
		"status", attempt.Status,
		"progress", attempt.CurrentProgress,
	)
	if p.notifier != nil {
		p.notifier.Finalized(ctx, s.armed, entry, attempt)
	}
	if p.onFinal != nil {
		p.onFinal(ctx, s.armed, attempt)
	}
	return true
}

func (p *Processor) rememberLocked(attemptID string) {
	p.finished[attemptID] = struct{}{}
	p.order = append(p.order, attemptID)
	if len(p.order) > finishedMemory {
		delete(p.finished, p.order[0])
		p.order = p.order[1:]
	}
}

func (s *session) snapshot() *models.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt.Clone()
}

func (s *session) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
