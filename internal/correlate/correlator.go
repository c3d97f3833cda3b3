// Package correlate matches outbound new-generation requests to the image
// entry and attempt they belong to, and arms them for stream tracking.
package correlate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/manash/gentrack/internal/account"
	"github.com/manash/gentrack/internal/clock"
	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/pkg/models"
)

const (
	DefaultGenerationPath = "/rest/app-chat/conversations/new"

	// RetryHeader marks requests reissued by the retry controller; its
	// value is the image id being retried.
	RetryHeader = "X-Gentrack-Retry"
)

// Request is the observable part of an outbound request.
type Request struct {
	Method  string
	Path    string
	Header  http.Header
	Body    []byte
	PageURL string
}

// Notifier receives the generation-detected notification.
type Notifier interface {
	Detected(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt)
}

// ArmedFunc is called for every request armed by Observe, with the new
// attempt. The tracker uses it to start stream tracking.
type ArmedFunc func(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt)

type Options struct {
	Accounts              *account.Context
	Updater               *history.Updater
	Registry              *Registry
	Notifier              Notifier
	Clock                 clock.Clock
	Logger                *slog.Logger
	GenerationPath        string
	AssetHost             string
	PayloadSnapshotBudget int
	OnArmed               ArmedFunc
	NewID                 func() string
}

type Correlator struct {
	accounts  *account.Context
	updater   *history.Updater
	registry  *Registry
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger
	path      string
	assetHost string
	snapshot  int
	onArmed   ArmedFunc
	newID     func() string
}

func New(opts Options) *Correlator {
	c := &Correlator{
		accounts:  opts.Accounts,
		updater:   opts.Updater,
		registry:  opts.Registry,
		notifier:  opts.Notifier,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger,
		path:      opts.GenerationPath,
		assetHost: opts.AssetHost,
		snapshot:  opts.PayloadSnapshotBudget,
		onArmed:   opts.OnArmed,
		newID:     opts.NewID,
	}
	if c.accounts == nil {
		c.accounts = account.NewContext()
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.path == "" {
		c.path = DefaultGenerationPath
	}
	if c.snapshot <= 0 {
		c.snapshot = models.DefaultPayloadSnapshotBudget
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

func (c *Correlator) Registry() *Registry { return c.registry }

func (c *Correlator) Accounts() *account.Context { return c.accounts }

// Matches reports whether the request targets the new-generation endpoint.
func (c *Correlator) Matches(method, path string) bool {
	if !strings.EqualFold(method, http.MethodPost) {
		return false
	}
	path = strings.TrimSuffix(path, "/")
	return path == c.path || strings.HasSuffix(path, c.path)
}

// Resolution is the outcome of identifier resolution for one request.
type Resolution struct {
	AccountID     string
	AccountSource string
	ImageID       string
	ImageSource   string
	AssetURL      string
	Prompt        string
	Mode          string
}

// Resolve extracts account and image ids from req without side effects.
func (c *Correlator) Resolve(req *Request) (Resolution, bool) {
	var res Resolution
	doc := gjson.ParseBytes(req.Body)
	message := doc.Get("message").String()

	res.AssetURL = assetURLOf(doc, message)
	res.Prompt, res.Mode = ParseMessage(message)

	res.ImageID, res.ImageSource, _ = payloadImage(res.AssetURL).Resolve(doc)

	if id, src, ok := accountChain(res.AssetURL).Resolve(doc); ok {
		res.AccountID, res.AccountSource = id, src
	}
	if res.AccountID == "" && res.ImageID != "" {
		if id, ok := c.accounts.PendingUpload(res.ImageID); ok {
			res.AccountID, res.AccountSource = id, "pendingUpload"
		}
	}
	if res.AccountID == "" {
		if id := c.accounts.Active(); id != "" {
			res.AccountID, res.AccountSource = id, "activeAccount"
		}
	}

	if res.ImageID == "" && res.AccountID != "" {
		if id := c.accounts.LastImage(res.AccountID); id != "" {
			res.ImageID, res.ImageSource = id, "lastImage"
		}
	}
	if res.ImageID == "" {
		if id := pageImage(req); id != "" && id != res.AccountID {
			res.ImageID, res.ImageSource = id, "pageLocation"
		}
	}
	return res, res.ImageID != ""
}

// Observe correlates req. It returns (nil, false) when the request is not a
// new-generation request or its image cannot be resolved; the request then
// proceeds untracked.
func (c *Correlator) Observe(ctx context.Context, req *Request) (*models.ArmedRequest, bool) {
	if req == nil || !c.Matches(req.Method, req.Path) {
		return nil, false
	}
	res, ok := c.Resolve(req)
	if !ok {
		c.logger.Debug("generation request not correlated", "path", req.Path, "account", res.AccountID)
		return nil, false
	}

	now := c.clock.Now()
	attempt := models.NewAttempt(c.newID(), res.Prompt, now)
	attempt.Mode = res.Mode
	attempt.PayloadSnapshot = models.KeepHead(string(req.Body), c.snapshot)

	thumbnail := ""
	if res.AssetURL != "" && extract.ImageFromAssetURL(res.AssetURL) == res.ImageID {
		thumbnail = extract.NormalizeAssetURL(res.AssetURL, c.assetHost)
	}

	if c.updater != nil {
		_, err := c.updater.Update(ctx, res.ImageID, func() *models.ImageEntry {
			return models.NewImageEntry(res.ImageID, res.AccountID, now)
		}, func(e *models.ImageEntry) bool {
			if e.AccountID == "" {
				e.AccountID = res.AccountID
			}
			if e.ThumbnailURL == "" {
				e.ThumbnailURL = thumbnail
			}
			e.PrependAttempt(attempt.Clone())
			e.Touch(now)
			return true
		})
		if err != nil {
			c.logger.Error("failed to record attempt", "image", res.ImageID, "attempt", attempt.ID, "error", err)
		}
	}

	armed := &models.ArmedRequest{
		RequestID: requestID(req.Header, c.newID),
		AccountID: res.AccountID,
		ImageID:   res.ImageID,
		AttemptID: attempt.ID,
		Headers:   req.Header.Clone(),
		CreatedAt: now,
	}
	c.registry.Arm(armed)
	if res.AccountID != "" {
		c.accounts.TouchImage(res.AccountID, res.ImageID)
	}
	if res.AccountSource == "pendingUpload" {
		c.accounts.ConsumeUpload(res.ImageID)
	}

	c.logger.Info("generation detected",
		"image", res.ImageID,
		"imageSource", res.ImageSource,
		"account", res.AccountID,
		"accountSource", res.AccountSource,
		"attempt", attempt.ID,
		"mode", res.Mode,
	)
	if c.notifier != nil {
		c.notifier.Detected(ctx, armed, attempt)
	}
	if c.onArmed != nil {
		c.onArmed(ctx, armed, attempt)
	}
	return armed, true
}

// Disarm drops the correlation for requestID.
func (c *Correlator) Disarm(requestID string) bool {
	return c.registry.Disarm(requestID)
}

func requestID(h http.Header, newID func() string) string {
	if id := strings.TrimSpace(h.Get("X-Request-Id")); id != "" {
		return id
	}
	return newID()
}
