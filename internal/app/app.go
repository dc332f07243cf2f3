// Package app wires all subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves webhooks and media streams while the reminder
// scheduler ticks, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMemory, WithDialer). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmdzco/donna2/internal/config"
	"github.com/dmdzco/donna2/internal/contextcache"
	"github.com/dmdzco/donna2/internal/health"
	"github.com/dmdzco/donna2/internal/httpapi"
	"github.com/dmdzco/donna2/internal/observe"
	"github.com/dmdzco/donna2/internal/postcall"
	"github.com/dmdzco/donna2/internal/resilience"
	"github.com/dmdzco/donna2/internal/scheduler"
	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	storepg "github.com/dmdzco/donna2/internal/store/postgres"
	"github.com/dmdzco/donna2/internal/tools"
	"github.com/dmdzco/donna2/pkg/memory"
	memorypg "github.com/dmdzco/donna2/pkg/memory/postgres"
	"github.com/dmdzco/donna2/pkg/provider/embeddings"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	"github.com/dmdzco/donna2/pkg/provider/stt"
	"github.com/dmdzco/donna2/pkg/provider/tts"
	"github.com/dmdzco/donna2/pkg/telephony/twilio"
)

// defaultEmbeddingDims matches OpenAI text-embedding-3-small.
const defaultEmbeddingDims = 1536

// Providers holds one provider instance per runtime role. Populated by
// cmd/donna via the config registry.
type Providers struct {
	// Voice generates the words spoken on the call.
	Voice llm.Provider

	// Director is the low-latency observer analysing the conversation.
	Director llm.Provider

	// Analysis handles everything off the hot path: summaries, post-call
	// analysis, memory extraction, news digests.
	Analysis llm.Provider

	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers Providers

	pool     *pgxpool.Pool
	store    store.Store
	guard    *store.Guard
	locks    scheduler.AdvisoryLocker
	memories memory.Service
	memIndex memory.Index
	cache    *contextcache.Cache
	news     *tools.NewsService
	host     *tools.Host
	dialer   scheduler.Dialer
	sessions *session.Manager
	sched    *scheduler.Scheduler
	post     *postcall.Processor
	metrics  *observe.Metrics

	httpSrv *http.Server

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option injects a test double into New.
type Option func(*App)

// WithStore injects a store instead of connecting to Postgres. Advisory
// locking is disabled unless the store also implements
// [scheduler.AdvisoryLocker].
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMemory injects the semantic memory service and its index instead of
// creating pgvector-backed ones.
func WithMemory(svc memory.Service, index memory.Index) Option {
	return func(a *App) {
		a.memories = svc
		a.memIndex = index
	}
}

// WithDialer injects a telephony dialer instead of a Twilio client.
func WithDialer(d scheduler.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from cmd/donna (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	a.initTelephony()
	a.initScheduler()
	a.initHTTP()

	return a, nil
}

// initStore connects the Postgres store, runs migrations and wraps the
// conversation slice in the degradation guard.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		pool, err := storepg.NewPool(ctx, a.cfg.Database.URL)
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

		st, err := storepg.NewStore(ctx, pool)
		if err != nil {
			return err
		}
		a.store = st
		a.locks = st
	}
	if a.locks == nil {
		if l, ok := a.store.(scheduler.AdvisoryLocker); ok {
			a.locks = l
		}
	}
	a.guard = store.NewGuard(a.store)
	return nil
}

// initMemory builds the pgvector index and the memory service over it.
func (a *App) initMemory(ctx context.Context) error {
	if a.memories != nil {
		return nil
	}
	if a.pool == nil {
		return errors.New("memory service must be injected when the store is")
	}

	dims := defaultEmbeddingDims
	if v, ok := a.cfg.Providers.Embeddings.Options["dimensions"].(int); ok && v > 0 {
		dims = v
	}
	index, err := memorypg.NewIndex(ctx, a.pool, dims)
	if err != nil {
		return err
	}
	a.memIndex = index
	a.memories = memory.NewService(index, a.providers.Embeddings, a.providers.Analysis)
	return nil
}

// initTools sets up the news service, the context cache and the tool host,
// and attaches configured MCP servers.
func (a *App) initTools(ctx context.Context) error {
	a.news = tools.NewNewsService(a.providers.Analysis)
	a.cache = contextcache.New(contextcache.Deps{
		Tenants: a.store,
		Convos:  a.store,
		Daily:   a.store,
		Memory:  memorySource{Service: a.memories, index: a.memIndex},
		News:    a.news,
	})

	a.host = tools.NewHost()
	a.closers = append(a.closers, a.host.Close)
	for _, srv := range a.cfg.MCP.Servers {
		if err := a.host.RegisterServer(ctx, srv.ToolServer()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

func (a *App) initTelephony() {
	if a.dialer == nil {
		a.dialer = resilience.NewRetryingDialer(
			twilio.NewClient(a.cfg.Telephony.AccountSID, a.cfg.Telephony.AuthToken))
	}
	a.sessions = session.NewManager()
}

func (a *App) initScheduler() {
	a.post = postcall.New(postcall.Config{
		Convos:   a.store,
		Analyses: a.store,
		Daily:    a.store,
		Tenants:  a.store,
		Memory:   a.memories,
		Analysis: a.providers.Analysis,
	})
	a.closers = append(a.closers, func() error {
		a.post.Wait()
		return nil
	})

	base := trimTrailingSlash(a.cfg.Server.PublicURL)
	a.sched = scheduler.New(scheduler.Config{
		Reminders:         a.store,
		Deliveries:        a.store,
		Tenants:           a.store,
		Dialer:            a.dialer,
		Sessions:          a.sessions,
		Locks:             a.locks,
		Context:           a.cache,
		FromNumber:        a.cfg.Telephony.FromNumber,
		AnswerURL:         base + "/voice/answer",
		StatusCallbackURL: base + "/voice/status",
		Tick:              a.cfg.Scheduler.Tick(),
		RetryDelay:        a.cfg.Scheduler.RetryDelay(),
		MaxAttempts:       a.cfg.Scheduler.MaxAttempts,
		RingTimeout:       a.cfg.Scheduler.RingTimeout(),
	})
}

func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "store-guard", Check: func(context.Context) error {
			if a.guard.IsDegraded() {
				return errors.New("conversation store degraded")
			}
			return nil
		}},
		{Name: "llm", Check: func(context.Context) error {
			if a.providers.Voice == nil {
				return errors.New("voice provider not configured")
			}
			return nil
		}},
		{Name: "stt", Check: func(context.Context) error {
			if a.providers.STT == nil {
				return errors.New("stt provider not configured")
			}
			return nil
		}},
		{Name: "tts", Check: func(context.Context) error {
			if a.providers.TTS == nil {
				return errors.New("tts provider not configured")
			}
			return nil
		}},
	}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: a.pool.Ping,
		})
	}

	srv := httpapi.NewServer(httpapi.Config{
		AuthToken:   a.cfg.Telephony.AuthToken,
		PublicURL:   a.cfg.Server.PublicURL,
		StreamURL:   a.cfg.Server.StreamURL,
		Sessions:    a.sessions,
		Tenants:     a.store,
		Deliveries:  a.store,
		MaxAttempts: a.cfg.Scheduler.MaxAttempts,
		RunCall:     a.runCall,
		Health:      health.New(checkers...),
		Metrics:     a.metrics,
	})

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler exposes the HTTP handler for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Run starts the scheduler and serves HTTP until ctx is cancelled or the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	// Warm the context cache so the first dials of the day carry context.
	if err := a.cache.PrefetchDaily(ctx); err != nil {
		slog.Warn("daily context prefetch failed", "err", err)
	}

	a.sched.Start(ctx)
	defer a.sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears down subsystems in order: stop accepting work, wait for
// post-call pipelines, then release resources. It respects the context
// deadline; closers remaining when it expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.sessions.Active())

		a.sched.Stop()
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// memorySource adapts the memory service and index to the context cache's
// read interface: context blocks come from the service, recent raw contents
// from the index.
type memorySource struct {
	memory.Service
	index memory.Index
}

func (m memorySource) RecentContents(ctx context.Context, tenantID string, since time.Time) ([]string, error) {
	return m.index.RecentContents(ctx, tenantID, since)
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
