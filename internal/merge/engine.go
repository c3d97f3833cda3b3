// Package merge reconciles the bulk post listing with the history store.
// Entries are backfilled only where fields are empty, and once an entry
// holds both a thumbnail and a prompt it is locked: later passes may still
// fill empty fields on its attempts but never overwrite anything.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/manash/gentrack/internal/account"
	"github.com/manash/gentrack/internal/clock"
	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/pkg/models"
)

// Notifier is told which entries a pass wrote.
type Notifier interface {
	HistoryUpdated(ctx context.Context, imageIDs ...string)
}

type EngineOptions struct {
	Repository history.Repository
	Locks      *history.Locks
	Notifier   Notifier
	Clock      clock.Clock
	Logger     *slog.Logger
	AssetHost  string
}

// Options apply to a single Merge call.
type Options struct {
	// Accounts resolves the owner of posts without a userId.
	Accounts *account.Context
	// AccountID is used when neither the post nor Accounts name one.
	AccountID string
}

// Result summarizes one pass. Dropped is set when another pass was already
// running; nothing else is filled in that case.
type Result struct {
	Dropped         bool     `json:"dropped"`
	Posts           int      `json:"posts"`
	Skipped         int      `json:"skipped"`
	Targets         int      `json:"targets"`
	EntriesCreated  int      `json:"entriesCreated"`
	EntriesUpdated  int      `json:"entriesUpdated"`
	EntriesLocked   int      `json:"entriesLocked"`
	AttemptsCreated int      `json:"attemptsCreated"`
	AttemptsUpdated int      `json:"attemptsUpdated"`
	Saved           []string `json:"saved"`
}

type Engine struct {
	repo      history.Repository
	locks     *history.Locks
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger
	assetHost string
	gate      Gate
}

func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		repo:      opts.Repository,
		locks:     opts.Locks,
		notifier:  opts.Notifier,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger,
		assetHost: opts.AssetHost,
	}
	if e.locks == nil {
		e.locks = history.NewLocks()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Merge runs one reconciliation pass over posts. A call that overlaps a
// running pass returns immediately with Result.Dropped set.
//
// Only entries changed by the pass are written, in a single SaveBatch. A
// failed write is returned together with the result; the pass itself is
// not rolled back.
func (e *Engine) Merge(ctx context.Context, posts []Post, opts Options) (*Result, error) {
	if !e.gate.TryAcquire() {
		e.logger.Debug("merge already in flight, dropping call", "posts", len(posts))
		return &Result{Dropped: true}, nil
	}
	defer func() {
		if err := e.gate.Release(); err != nil {
			e.logger.Error("merge gate release failed", "error", err)
		}
	}()

	res := &Result{Posts: len(posts)}
	groups, order := e.group(posts, opts, res)
	res.Targets = len(order)
	if len(order) == 0 {
		return res, nil
	}

	unlock := e.locks.LockAll(order)
	defer unlock()

	existing, err := e.repo.GetBatch(ctx, order)
	if err != nil {
		return res, fmt.Errorf("failed to load entries: %w", err)
	}

	now := e.clock.Now()
	var dirty []*models.ImageEntry
	for _, id := range order {
		g := groups[id]
		entry, found := existing[id]
		fresh := !found
		if fresh {
			entry = models.NewImageEntry(id, g.accountID, time.Time{})
		}
		wasLocked := entry.CompletenessLock

		changed := e.apply(entry, g, res)
		if fresh {
			e.settleTimes(entry, g, now)
			res.EntriesCreated++
			changed = true
		} else if changed {
			res.EntriesUpdated++
		}
		if entry.CompletenessLock && !wasLocked {
			res.EntriesLocked++
		}
		if changed {
			dirty = append(dirty, entry)
		}
	}

	if len(dirty) == 0 {
		e.logger.Debug("merge pass made no changes", "posts", res.Posts, "targets", res.Targets)
		return res, nil
	}

	if err := e.repo.SaveBatch(ctx, dirty); err != nil {
		e.logger.Error("failed to save merged entries", "entries", len(dirty), "error", err)
		return res, fmt.Errorf("failed to save merged entries: %w", err)
	}
	for _, entry := range dirty {
		res.Saved = append(res.Saved, entry.ImageID)
	}

	e.logger.Info("merge pass saved entries",
		"posts", res.Posts,
		"created", res.EntriesCreated,
		"updated", res.EntriesUpdated,
		"attemptsCreated", res.AttemptsCreated,
	)
	if e.notifier != nil {
		e.notifier.HistoryUpdated(ctx, res.Saved...)
	}
	return res, nil
}

// group collects the image posts and videos that target each entry.
type group struct {
	accountID string
	images    []Post
	videos    []Video
}

func (e *Engine) group(posts []Post, opts Options, res *Result) (map[string]*group, []string) {
	groups := make(map[string]*group)
	var order []string

	fallbackAccount := opts.AccountID
	if opts.Accounts != nil {
		if active := opts.Accounts.Active(); active != "" {
			fallbackAccount = active
		}
	}

	get := func(id, accountID string) *group {
		g, ok := groups[id]
		if !ok {
			g = &group{}
			groups[id] = g
			order = append(order, id)
		}
		if g.accountID == "" {
			g.accountID = accountID
		}
		return g
	}

	for _, p := range posts {
		accountID := extract.UUID(p.UserID)
		if accountID == "" {
			accountID = fallbackAccount
		}

		if p.IsVideo() {
			target := extract.UUID(p.OriginalPostID)
			if target == "" {
				res.Skipped++
				continue
			}
			g := get(target, accountID)
			g.videos = append(g.videos, p.asVideo())
			continue
		}

		target := extract.UUID(p.ID)
		if target == "" {
			res.Skipped++
			continue
		}
		g := get(target, accountID)
		g.images = append(g.images, p)
		for _, v := range append(append([]Video(nil), p.ChildPosts...), p.Videos...) {
			if v.MediaType == MediaImage {
				continue
			}
			g.videos = append(g.videos, v)
		}
	}

	sort.Strings(order)
	return groups, order
}

// apply runs the backfill and video rules for one entry and reports
// whether the entry changed.
func (e *Engine) apply(entry *models.ImageEntry, g *group, res *Result) bool {
	changed := false
	locked := entry.CompletenessLock
	if !locked {
		for _, p := range g.images {
			if e.backfill(entry, p) {
				changed = true
			}
		}
		if entry.AccountID == "" && g.accountID != "" {
			entry.AccountID = g.accountID
			changed = true
		}
		if entry.ThumbnailURL != "" && entry.Prompt != "" {
			entry.CompletenessLock = true
			changed = true
		}
	}

	var latest time.Time
	for _, v := range g.videos {
		if e.reconcileVideo(entry, v, locked, res) {
			changed = true
		}
		if v.CreateTime.After(latest) {
			latest = v.CreateTime.Time
		}
	}

	if entry.SyncUpscaledURL() {
		changed = true
	}
	if !latest.IsZero() && entry.Touch(latest) {
		changed = true
	}
	return changed
}

// backfill fills the entry fields that are still empty from an image post.
func (e *Engine) backfill(entry *models.ImageEntry, p Post) bool {
	changed := false
	fill := func(dst *string, candidates ...string) {
		if *dst != "" {
			return
		}
		for _, c := range candidates {
			if c = strings.TrimSpace(c); c != "" {
				*dst = c
				changed = true
				return
			}
		}
	}

	fill(&entry.ThumbnailURL, e.asset(p.ThumbnailURL), e.asset(p.MediaURL))
	fill(&entry.Prompt, p.OriginalPrompt, p.Prompt)
	fill(&entry.Resolution, string(p.Resolution))
	fill(&entry.ModelName, p.ModelName)
	if entry.CreatedAt.IsZero() && !p.CreateTime.IsZero() {
		entry.CreatedAt = p.CreateTime.Time
		changed = true
	}
	return changed
}

// reconcileVideo matches v to an attempt by id or video id. Unknown videos
// become new success attempts. Known attempts on an entry that was locked
// before this pass are only touched when the video URL, thumbnail or prompt
// is missing.
func (e *Engine) reconcileVideo(entry *models.ImageEntry, v Video, locked bool, res *Result) bool {
	id := videoID(v)
	if id == "" {
		return false
	}

	a := entry.FindAttempt(id)
	if a == nil {
		entry.InsertAttempt(e.newAttempt(id, v))
		entry.SuccessCount++
		if ts := v.CreateTime.Time; !ts.IsZero() && (entry.LastSuccessAt == nil || ts.After(*entry.LastSuccessAt)) {
			entry.LastSuccessAt = &ts
		}
		res.AttemptsCreated++
		return true
	}

	changed := false
	fill := func(dst *string, value string) {
		if *dst == "" && value != "" {
			*dst = value
			changed = true
		}
	}

	if locked {
		if a.VideoURL != "" && a.ThumbnailURL != "" && a.Prompt != "" {
			return false
		}
		fill(&a.VideoURL, e.asset(v.MediaURL))
		fill(&a.ThumbnailURL, e.asset(v.ThumbnailURL))
		fill(&a.Prompt, videoPrompt(v))
	} else {
		fill(&a.VideoURL, e.asset(v.MediaURL))
		fill(&a.UpscaledVideoURL, e.asset(v.HDMediaURL))
		fill(&a.ThumbnailURL, e.asset(v.ThumbnailURL))
		fill(&a.Prompt, videoPrompt(v))
		fill(&a.VideoID, id)
		fill(&a.ModelName, v.ModelName)
	}
	if changed {
		res.AttemptsUpdated++
	}
	return changed
}

func (e *Engine) newAttempt(id string, v Video) *models.Attempt {
	started := v.CreateTime.Time
	if started.IsZero() {
		started = e.clock.Now()
	}
	finished := started

	a := models.NewAttempt(id, videoPrompt(v), started)
	a.Source = models.SourceListing
	a.Status = models.StatusSuccess
	a.FinishedAt = &finished
	a.CurrentProgress = 100
	a.LastCleanProgress = 100
	a.ProgressEvents = []models.ProgressEvent{{Progress: 100, Timestamp: started}}
	a.VideoID = id
	a.VideoURL = e.asset(v.MediaURL)
	a.UpscaledVideoURL = e.asset(v.HDMediaURL)
	a.ThumbnailURL = e.asset(v.ThumbnailURL)
	a.ModelName = v.ModelName
	return a
}

// settleTimes fills the timestamps of an entry created by this pass.
func (e *Engine) settleTimes(entry *models.ImageEntry, g *group, now time.Time) {
	if entry.CreatedAt.IsZero() {
		for _, v := range g.videos {
			if ts := v.CreateTime.Time; !ts.IsZero() && (entry.CreatedAt.IsZero() || ts.Before(entry.CreatedAt)) {
				entry.CreatedAt = ts
			}
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.Touch(entry.CreatedAt)
}

func (e *Engine) asset(raw string) string {
	return extract.NormalizeAssetURL(raw, e.assetHost)
}

func videoID(v Video) string {
	if id := extract.UUID(v.ID); id != "" {
		return id
	}
	return strings.TrimSpace(v.ID)
}

func videoPrompt(v Video) string {
	if p := strings.TrimSpace(v.OriginalPrompt); p != "" {
		return p
	}
	return strings.TrimSpace(v.Prompt)
}
