// Package contextcache holds the per-tenant context a call needs at pickup:
// memory context, today's call history, prior summaries, a rotated greeting,
// and optionally a news headline. Entries are prefetched in the tenant's
// early morning so answering a call never waits on the database.
package contextcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/internal/tools"
)

const (
	// staleAfter is the lazy-refresh threshold for cached entries.
	staleAfter = 24 * time.Hour

	// prefetchHour is the local hour at which the daily prefetch runs.
	// The scheduler triggers hourly; only tenants whose local time is in
	// [prefetchHour, prefetchHour+1) are refreshed.
	prefetchHour = 5

	// priorSummaryCount is how many recent call summaries ride along.
	priorSummaryCount = 3
)

// Entry is everything prefetched for one tenant.
type Entry struct {
	// MemoryContext is the formatted long-term memory block.
	MemoryContext string

	// DailyContext is today's accumulated call context, nil when no calls
	// happened yet.
	DailyContext *store.DailyContext

	// GreetingTemplate is the opening line for the next call, already
	// filled in with the tenant's name and a rotated interest.
	GreetingTemplate string

	// PriorCallSummaries are the most recent completed-call summaries,
	// newest first.
	PriorCallSummaries []string

	// NewsHeadlines holds a short news snippet about one of the tenant's
	// interests, empty when none was available.
	NewsHeadlines string

	PrefetchedAt time.Time
}

// MemorySource is the slice of the memory layer the cache reads: the
// formatted context block plus raw recent contents for interest weighting.
type MemorySource interface {
	BuildContext(ctx context.Context, tenantID string) (string, error)
	RecentContents(ctx context.Context, tenantID string, since time.Time) ([]string, error)
}

// Deps are the collaborators a Cache reads from. News may be nil.
type Deps struct {
	Tenants store.TenantStore
	Convos  store.ConversationStore
	Daily   store.DailyContextStore
	Memory  MemorySource
	News    *tools.NewsService
}

// Cache is the process-wide context cache. Safe for concurrent use; refresh
// of a single tenant is serialized by a per-tenant lock so concurrent
// getters don't stampede the database.
type Cache struct {
	deps Deps
	now  func() time.Time

	mu           sync.Mutex
	entries      map[string]*Entry
	locks        map[string]*sync.Mutex
	lastGreeting map[string]int
}

// Option configures a Cache.
type Option func(*Cache)

// withClock overrides time for tests.
func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty Cache.
func New(deps Deps, opts ...Option) *Cache {
	c := &Cache{
		deps:         deps,
		now:          time.Now,
		entries:      make(map[string]*Entry),
		locks:        make(map[string]*sync.Mutex),
		lastGreeting: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the tenant's entry, refreshing it first when missing or older
// than the staleness threshold.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Entry, error) {
	if e := c.fresh(tenantID); e != nil {
		return e, nil
	}

	lock := c.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	// Another getter may have refreshed while we waited on the lock.
	if e := c.fresh(tenantID); e != nil {
		return e, nil
	}
	return c.refresh(ctx, tenantID)
}

// Invalidate drops the tenant's entry. Called when a call completes so the
// next call sees the post-call updates.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// PrefetchDaily refreshes every active tenant whose local time is currently
// inside the morning prefetch window and whose entry predates today's
// window. Tenants already fresh are skipped, so hourly invocation costs
// nothing outside the window.
func (c *Cache) PrefetchDaily(ctx context.Context) error {
	tenants, err := c.deps.Tenants.ActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("contextcache: list active tenants: %w", err)
	}

	for i := range tenants {
		t := &tenants[i]
		loc, err := time.LoadLocation(t.Timezone)
		if err != nil {
			slog.Warn("contextcache: bad tenant timezone", "tenant", t.ID, "tz", t.Timezone)
			continue
		}
		local := c.now().In(loc)
		if local.Hour() != prefetchHour {
			continue
		}
		windowStart := time.Date(local.Year(), local.Month(), local.Day(), prefetchHour, 0, 0, 0, loc)
		if e := c.lookup(t.ID); e != nil && !e.PrefetchedAt.Before(windowStart) {
			continue
		}

		lock := c.tenantLock(t.ID)
		lock.Lock()
		if _, err := c.refresh(ctx, t.ID); err != nil {
			slog.Warn("contextcache: prefetch failed", "tenant", t.ID, "err", err)
		}
		lock.Unlock()
	}
	return nil
}

// fresh returns the entry if present and within the staleness threshold.
func (c *Cache) fresh(tenantID string) *Entry {
	e := c.lookup(tenantID)
	if e == nil || c.now().Sub(e.PrefetchedAt) >= staleAfter {
		return nil
	}
	return e
}

func (c *Cache) lookup(tenantID string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[tenantID]
}

// tenantLock returns the per-tenant refresh lock, creating it on first use.
func (c *Cache) tenantLock(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[tenantID] = lock
	}
	return lock
}

// refresh rebuilds the tenant's entry. The tenant row itself is required;
// every other field degrades to empty on failure so a flaky dependency
// never blocks call pickup. Caller must hold the tenant lock.
func (c *Cache) refresh(ctx context.Context, tenantID string) (*Entry, error) {
	tenant, err := c.deps.Tenants.Tenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("contextcache: load tenant %s: %w", tenantID, err)
	}

	now := c.now()
	entry := &Entry{PrefetchedAt: now}

	if c.deps.Memory != nil {
		if block, err := c.deps.Memory.BuildContext(ctx, tenantID); err != nil {
			slog.Warn("contextcache: memory context failed", "tenant", tenantID, "err", err)
		} else {
			entry.MemoryContext = block
		}
	}

	if daily, err := c.deps.Daily.TodaysContext(ctx, tenantID, localDate(tenant, now)); err != nil {
		slog.Warn("contextcache: daily context failed", "tenant", tenantID, "err", err)
	} else {
		entry.DailyContext = daily
	}

	if summaries, err := c.deps.Convos.RecentSummaries(ctx, tenantID, priorSummaryCount); err != nil {
		slog.Warn("contextcache: recent summaries failed", "tenant", tenantID, "err", err)
	} else {
		entry.PriorCallSummaries = summaries
	}

	interest := c.pickInterest(ctx, tenant, now)
	entry.GreetingTemplate = c.rotateGreeting(tenant, now, interest)

	if c.deps.News != nil && interest != "" {
		if items, err := c.deps.News.Lookup(ctx, interest); err == nil {
			entry.NewsHeadlines = items
		}
	}

	c.mu.Lock()
	c.entries[tenantID] = entry
	c.mu.Unlock()
	return entry, nil
}

// localDate formats now as the tenant's local calendar date. Falls back to
// UTC when the timezone fails to load.
func localDate(t *store.Tenant, now time.Time) string {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}
