// Package retry reacts to moderated generations: it backs off, softens the
// prompt progressively and reissues it while the user is still on the
// image page, falling back to normal mode once when retries run out.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/manash/gentrack/internal/clock"
	"github.com/manash/gentrack/internal/correlate"
	"github.com/manash/gentrack/internal/generator"
)

type Config struct {
	Enabled              bool
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	Multiplier           float64
	ProgressiveSoftening bool
	FallbackToNormal     bool
}

func DefaultConfig() Config {
	return Config{
		Enabled:              false,
		MaxRetries:           3,
		BaseDelay:            2 * time.Second,
		MaxDelay:             30 * time.Second,
		Multiplier:           1.5,
		ProgressiveSoftening: true,
		FallbackToNormal:     true,
	}
}

// Delay returns min(BaseDelay * Multiplier^retryCount, MaxDelay).
func (c Config) Delay(retryCount int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(retryCount))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Sender reissues a prompt. generator.Generator satisfies it.
type Sender interface {
	Send(ctx context.Context, req *generator.Request) error
}

// PageChecker reports whether a video-capable page for the image is still
// open. account.Context satisfies it.
type PageChecker interface {
	VideoPageActive(accountID, imageID string) bool
}

type Notifier interface {
	RetryScheduled(ctx context.Context, imageID string, retryCount int, delay time.Duration)
	RetryExhausted(ctx context.Context, imageID string, retryCount int, reason string)
}

type Options struct {
	Config   Config
	Sender   Sender
	Pages    PageChecker
	Notifier Notifier
	Softener *Softener
	Clock    clock.Clock
	Logger   *slog.Logger
	// Sleep waits between moderation and reissue. Defaults to clock.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Generation describes a newly observed generation for an image.
type Generation struct {
	ImageID   string
	AccountID string
	Prompt    string
	Mode      string
	AssetURL  string
	// Retry is true when the request was issued by this controller.
	Retry bool
}

type Controller struct {
	cfg      Config
	sender   Sender
	pages    PageChecker
	notifier Notifier
	softener *Softener
	clock    clock.Clock
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

func NewController(opts Options) *Controller {
	c := &Controller{
		cfg:      opts.Config,
		sender:   opts.Sender,
		pages:    opts.Pages,
		notifier: opts.Notifier,
		softener: opts.Softener,
		clock:    clock.OrReal(opts.Clock),
		logger:   opts.Logger,
		sleep:    opts.Sleep,
		jobs:     make(map[string]*Job),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.softener == nil {
		c.softener = DefaultSoftener()
	}
	if c.sleep == nil {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			return clock.Sleep(ctx, c.clock, d)
		}
	}
	return c
}

// Job returns a copy of the job for imageID.
func (c *Controller) Job(imageID string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[imageID]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Wait blocks until every scheduled reissue has run.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) jobLocked(imageID string) *Job {
	j, ok := c.jobs[imageID]
	if !ok {
		j = &Job{ImageID: imageID, State: StateIdle}
		c.jobs[imageID] = j
	}
	return j
}

// OnGenerationStarted records a new generation. A user-initiated generation
// resets the retry counter; one issued by the controller keeps counting.
func (c *Controller) OnGenerationStarted(g Generation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobLocked(g.ImageID)
	now := c.clock.Now()

	if g.AccountID != "" {
		j.AccountID = g.AccountID
	}
	if g.AssetURL != "" {
		j.AssetURL = g.AssetURL
	}
	if !g.Retry {
		j.reset()
		j.OriginalPrompt = g.Prompt
		j.Mode = g.Mode
	}
	if j.State == StateGenerating {
		return nil
	}
	return j.transition(StateGenerating, now)
}

// OnCompleted ends the job successfully and resets its counter.
func (c *Controller) OnCompleted(imageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobLocked(imageID)
	if err := j.transition(StateCompleted, c.clock.Now()); err != nil {
		return err
	}
	j.reset()
	return nil
}

// OnFailed ends the job without retry.
func (c *Controller) OnFailed(imageID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobLocked(imageID)
	j.LastReason = reason
	return j.transition(StateFailed, c.clock.Now())
}

// OnModerated handles a moderated generation. When a reissue is scheduled
// it runs on its own goroutine; the returned error only reports an invalid
// state transition.
func (c *Controller) OnModerated(ctx context.Context, imageID, reason string) error {
	c.mu.Lock()
	j := c.jobLocked(imageID)
	now := c.clock.Now()
	if err := j.transition(StateModerated, now); err != nil {
		c.mu.Unlock()
		return err
	}
	j.RetryCount++
	j.LastReason = reason
	record := HistoryRecord{RetryCount: j.RetryCount, Reason: reason, Tier: j.RetryCount - 1, At: now}

	if !c.cfg.Enabled {
		j.History = append(j.History, record)
		c.mu.Unlock()
		c.logger.Info("generation moderated, auto-retry disabled", "image", imageID, "retryCount", record.RetryCount)
		return nil
	}
	if c.pages != nil && !c.pages.VideoPageActive(j.AccountID, imageID) {
		j.History = append(j.History, record)
		err := j.transition(StateIdle, now)
		c.mu.Unlock()
		c.logger.Info("generation moderated, page no longer active", "image", imageID)
		return err
	}

	req := &generator.Request{
		ImageID:   imageID,
		AccountID: j.AccountID,
		AssetURL:  j.AssetURL,
		Mode:      j.Mode,
		Retry:     true,
	}
	if j.RetryCount > c.cfg.MaxRetries {
		if !c.cfg.FallbackToNormal || j.FallbackUsed || !correlate.IsSpicy(j.Mode) {
			j.History = append(j.History, record)
			err := j.transition(StateFailed, now)
			count := j.RetryCount
			c.mu.Unlock()
			c.logger.Warn("retries exhausted", "image", imageID, "retryCount", count)
			if c.notifier != nil {
				c.notifier.RetryExhausted(ctx, imageID, count, reason)
			}
			return err
		}
		j.FallbackUsed = true
		j.Mode = correlate.ModeNormal
		req.Mode = correlate.ModeNormal
		req.Prompt = j.OriginalPrompt
		req.Raw = true
		record.Fallback = true
	} else {
		req.Prompt = j.OriginalPrompt
		if c.cfg.ProgressiveSoftening {
			req.Prompt = c.softener.Soften(j.OriginalPrompt, record.Tier)
		}
	}

	delay := c.cfg.Delay(j.RetryCount)
	record.Prompt = req.Prompt
	record.Delay = delay
	j.History = append(j.History, record)
	if err := j.transition(StateRetrying, now); err != nil {
		c.mu.Unlock()
		return err
	}
	count := j.RetryCount
	c.mu.Unlock()

	c.logger.Info("retry scheduled",
		"image", imageID,
		"retryCount", count,
		"tier", record.Tier,
		"fallback", record.Fallback,
		"delay", delay,
	)
	if c.notifier != nil {
		c.notifier.RetryScheduled(ctx, imageID, count, delay)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reissue(context.WithoutCancel(ctx), req, delay)
	}()
	return nil
}

func (c *Controller) reissue(ctx context.Context, req *generator.Request, delay time.Duration) {
	if err := c.sleep(ctx, delay); err != nil {
		c.toIdle(req.ImageID, "retry wait cancelled")
		return
	}

	c.mu.Lock()
	j := c.jobLocked(req.ImageID)
	if j.State != StateRetrying {
		c.mu.Unlock()
		return
	}
	if c.pages != nil && !c.pages.VideoPageActive(j.AccountID, req.ImageID) {
		j.transition(StateIdle, c.clock.Now())
		c.mu.Unlock()
		c.logger.Info("retry cancelled, page no longer active", "image", req.ImageID)
		return
	}
	// The reissued request is correlated while Send is still in flight, so
	// the job must already be generating.
	if err := j.transition(StateGenerating, c.clock.Now()); err != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.send(ctx, req); err != nil {
		c.logger.Error("retry reissue failed", "image", req.ImageID, "error", err)
		c.mu.Lock()
		j := c.jobLocked(req.ImageID)
		j.LastReason = err.Error()
		if j.State == StateGenerating {
			j.transition(StateFailed, c.clock.Now())
		}
		c.mu.Unlock()
	}
}

func (c *Controller) send(ctx context.Context, req *generator.Request) (err error) {
	if c.sender == nil {
		return fmt.Errorf("no generator configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panicked: %v", r)
		}
	}()
	return c.sender.Send(ctx, req)
}

func (c *Controller) toIdle(imageID, why string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.jobLocked(imageID)
	if j.State == StateRetrying {
		j.transition(StateIdle, c.clock.Now())
	}
	c.logger.Info("retry abandoned", "image", imageID, "reason", why)
}
