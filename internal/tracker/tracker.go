// Package tracker assembles the proxy, the stream processor, the retry
// controller and the history API into one running service.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/manash/gentrack/internal/account"
	"github.com/manash/gentrack/internal/api"
	"github.com/manash/gentrack/internal/clock"
	"github.com/manash/gentrack/internal/config"
	"github.com/manash/gentrack/internal/correlate"
	"github.com/manash/gentrack/internal/events"
	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/generator"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/keys"
	"github.com/manash/gentrack/internal/merge"
	"github.com/manash/gentrack/internal/proxy"
	"github.com/manash/gentrack/internal/retry"
	"github.com/manash/gentrack/internal/security"
	"github.com/manash/gentrack/internal/stream"
	"github.com/manash/gentrack/pkg/models"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var ErrConfigRequired = errors.New("tracker config is required")

// Repository is the storage the tracker needs. history.Store and
// history.MemoryStore both satisfy it.
type Repository interface {
	history.Repository
	api.Lister
}

type Options struct {
	Config *config.Config
	// Repository overrides the sqlite store opened from Config.DBPath.
	Repository  Repository
	Credentials *keys.Store
	// Publishers receive every event next to the in-process bus.
	Publishers []events.Publisher
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Tracker struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	repo     Repository
	closers  []func() error
	accounts *account.Context
	bus      *events.Bus
	notifier *events.Notifier

	correlator *correlate.Correlator
	processor  *stream.Processor
	retry      *retry.Controller
	headers    *generator.HeaderCache
	creds      *keys.Store
	gen        atomic.Pointer[generator.Generator]
	merger     *merge.Engine
	proxy      *proxy.Proxy
	handler    http.Handler
}

// New wires every component. The generator initially targets
// Config.ListenAddr; Serve repoints it at the actual listener.
func New(ctx context.Context, opts Options) (*Tracker, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	upstream, err := security.ValidateUpstreamURL(cfg.UpstreamURL, cfg.AllowInsecureUpstream)
	if err != nil {
		return nil, fmt.Errorf("upstream_url: %w", err)
	}

	t := &Tracker{
		cfg:      cfg,
		logger:   opts.Logger,
		clock:    clock.OrReal(opts.Clock),
		repo:     opts.Repository,
		accounts: account.NewContext(),
		bus:      events.NewBus(),
		headers:  generator.NewHeaderCache(),
		creds:    opts.Credentials,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	if t.repo == nil {
		store, err := history.NewStoreWithPath(cfg.DBPath, cfg.HistoryOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		t.repo = store
		t.closers = append(t.closers, store.Close)
	}

	pubs := events.Multi{t.bus}
	pubs = append(pubs, opts.Publishers...)
	if cfg.Redis.Addr != "" {
		client, err := events.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		pubs = append(pubs, events.NewRedisPublisher(client, cfg.Redis.Channel, t.logger.With("component", "redis")))
		t.closers = append(t.closers, client.Close)
	}
	t.notifier = events.NewNotifier(pubs, t.clock)

	locks := history.NewLocks()
	updater := history.NewUpdater(t.repo, locks)

	t.processor = stream.NewProcessor(stream.Options{
		Updater:         updater,
		Clock:           t.clock,
		Logger:          t.logger.With("component", "stream"),
		Notifier:        t.notifier,
		AssetHost:       cfg.AssetHost,
		InitialGuard:    cfg.InitialGuard,
		RawStreamBudget: cfg.Limits.RawStreamBudget,
		OnFinalized:     t.onFinalized,
	})
	t.correlator = correlate.New(correlate.Options{
		Accounts:              t.accounts,
		Updater:               updater,
		Notifier:              t.notifier,
		Clock:                 t.clock,
		Logger:                t.logger.With("component", "correlate"),
		GenerationPath:        cfg.GenerationPath,
		AssetHost:             cfg.AssetHost,
		PayloadSnapshotBudget: cfg.Limits.PayloadSnapshotBudget,
		OnArmed:               t.onArmed,
	})
	t.retry = retry.NewController(retry.Options{
		Config:   cfg.Retry,
		Sender:   t,
		Pages:    t.accounts,
		Notifier: t.notifier,
		Clock:    t.clock,
		Logger:   t.logger.With("component", "retry"),
	})
	if err := t.pointGenerator(cfg.ListenAddr); err != nil {
		t.Close()
		return nil, err
	}
	t.merger = merge.NewEngine(merge.EngineOptions{
		Repository: t.repo,
		Locks:      locks,
		Notifier:   t.notifier,
		Clock:      t.clock,
		Logger:     t.logger.With("component", "merge"),
		AssetHost:  cfg.AssetHost,
	})

	t.proxy, err = proxy.New(proxy.Options{
		Upstream:   upstream,
		Correlator: t.correlator,
		Consumer:   t.processor,
		Accounts:   t.accounts,
		UploadPath: cfg.UploadPath,
		Logger:     t.logger.With("component", "proxy"),
	})
	if err != nil {
		t.Close()
		return nil, err
	}

	server := api.New(api.Options{
		Repository: t.repo,
		Lister:     t.repo,
		Merger:     t.merger,
		Accounts:   t.accounts,
		Jobs:       t.retry,
		Events:     events.NewHub(t.bus, t.logger.With("component", "hub")),
		Active:     t.processor.Active,
		Logger:     t.logger.With("component", "api"),
	})
	t.handler = server.Router(t.proxy)
	return t, nil
}

func (t *Tracker) pointGenerator(addr string) error {
	gen, err := generator.New(generator.Config{
		BaseURL: "http://" + addr,
		Path:    t.cfg.GenerationPath,
		Verbose: t.cfg.Verbose,
	}, t.headers, t.creds)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}
	t.gen.Store(gen)
	return nil
}

// Send reissues through the local proxy so retries are correlated and
// tracked like any other generation.
func (t *Tracker) Send(ctx context.Context, req *generator.Request) error {
	return t.gen.Load().Send(ctx, req)
}

func (t *Tracker) onArmed(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt) {
	t.processor.Watch(armed, a)
	t.headers.Remember(armed.AccountID, armed.Headers)
	err := t.retry.OnGenerationStarted(retry.Generation{
		ImageID:   armed.ImageID,
		AccountID: armed.AccountID,
		Prompt:    a.Prompt,
		Mode:      a.Mode,
		AssetURL:  snapshotAssetURL(a.PayloadSnapshot),
		Retry:     armed.Headers.Get(correlate.RetryHeader) != "",
	})
	if err != nil {
		t.logger.Debug("retry state not updated", "image", armed.ImageID, "error", err)
	}
}

func (t *Tracker) onFinalized(ctx context.Context, armed *models.ArmedRequest, a *models.Attempt) {
	t.correlator.Disarm(armed.RequestID)

	var err error
	switch a.Status {
	case models.StatusSuccess:
		err = t.retry.OnCompleted(armed.ImageID)
	case models.StatusModerated:
		err = t.retry.OnModerated(context.WithoutCancel(ctx), armed.ImageID, a.ModerationReason)
	default:
		err = t.retry.OnFailed(armed.ImageID, a.Error)
	}
	if err != nil {
		t.logger.Debug("retry state not updated", "image", armed.ImageID, "status", a.Status, "error", err)
	}
}

func snapshotAssetURL(snapshot string) string {
	if snapshot == "" {
		return ""
	}
	doc := gjson.Parse(snapshot)
	if u := extract.AssetURL(doc.Get("message").String()); u != "" {
		return u
	}
	return extract.AssetURL(snapshot)
}

// Handler serves the API and proxies everything else upstream.
func (t *Tracker) Handler() http.Handler { return t.handler }

func (t *Tracker) Merger() *merge.Engine        { return t.merger }
func (t *Tracker) Repository() Repository       { return t.repo }
func (t *Tracker) Accounts() *account.Context   { return t.accounts }
func (t *Tracker) Processor() *stream.Processor { return t.processor }
func (t *Tracker) Retry() *retry.Controller     { return t.retry }
func (t *Tracker) Bus() *events.Bus             { return t.bus }

// ListenAndServe listens on Config.ListenAddr and serves until ctx is done.
func (t *Tracker) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}
	return t.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and
// waits for scheduled retries to settle.
func (t *Tracker) Serve(ctx context.Context, ln net.Listener) error {
	if err := t.pointGenerator(ln.Addr().String()); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           t.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("tracker listening", "addr", ln.Addr().String(), "upstream", t.cfg.UpstreamURL)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	t.logger.Info("shutting down", "activeStreams", t.processor.Active())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	t.retry.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the store and the redis connection.
func (t *Tracker) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}
