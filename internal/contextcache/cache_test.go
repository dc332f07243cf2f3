package contextcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/store"
)

// fakeBackend implements the store slices and MemorySource the cache reads,
// counting refresh-path calls.
type fakeBackend struct {
	tenants map[string]*store.Tenant

	tenantCalls  int
	dailyCalls   int
	summaryCalls int

	memoryBlock string
	recent      []string
	summaries   []string
	dailyErr    error
}

func (f *fakeBackend) Tenant(_ context.Context, id string) (*store.Tenant, error) {
	f.tenantCalls++
	t, ok := f.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeBackend) TenantByPhone(context.Context, string) (*store.Tenant, error) {
	return nil, store.ErrNotFound
}

func (f *fakeBackend) ActiveTenants(context.Context) ([]store.Tenant, error) {
	var out []store.Tenant
	for _, t := range f.tenants {
		if t.Active {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateConversation(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeBackend) Conversation(context.Context, string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (f *fakeBackend) ConversationByCallSID(context.Context, string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (f *fakeBackend) UpdateTranscript(context.Context, string, []store.TranscriptTurn) error {
	return nil
}
func (f *fakeBackend) CompleteConversation(context.Context, string, store.ConversationStatus, time.Time) error {
	return nil
}
func (f *fakeBackend) SetSummary(context.Context, string, string, string) error { return nil }

func (f *fakeBackend) RecentSummaries(context.Context, string, int) ([]string, error) {
	f.summaryCalls++
	return f.summaries, nil
}

func (f *fakeBackend) SaveCallContext(context.Context, string, string, string, store.DailyContextUpdate) error {
	return nil
}

func (f *fakeBackend) TodaysContext(_ context.Context, tenantID, date string) (*store.DailyContext, error) {
	f.dailyCalls++
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	return &store.DailyContext{TenantID: tenantID, Date: date, Topics: []string{"garden"}}, nil
}

func (f *fakeBackend) BuildContext(context.Context, string) (string, error) {
	return f.memoryBlock, nil
}

func (f *fakeBackend) RecentContents(context.Context, string, time.Time) ([]string, error) {
	return f.recent, nil
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		tenants: map[string]*store.Tenant{
			"t1": {
				ID:        "t1",
				Name:      "Margaret",
				Timezone:  "America/New_York",
				Interests: []string{"knitting"},
				Active:    true,
			},
		},
		memoryBlock: "WHAT YOU KNOW ABOUT Margaret:\n- Loves knitting.",
		summaries:   []string{"Talked about the garden."},
	}
}

func newCache(b *fakeBackend, now *time.Time) *Cache {
	return New(Deps{Tenants: b, Convos: b, Daily: b, Memory: b},
		withClock(func() time.Time { return *now }))
}

func TestGetRefreshesOnceAndCaches(t *testing.T) {
	b := newBackend()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	c := newCache(b, &now)

	e, err := c.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.MemoryContext != b.memoryBlock {
		t.Errorf("memory context = %q", e.MemoryContext)
	}
	if e.DailyContext == nil || e.DailyContext.Topics[0] != "garden" {
		t.Errorf("daily context = %+v", e.DailyContext)
	}
	if len(e.PriorCallSummaries) != 1 {
		t.Errorf("summaries = %v", e.PriorCallSummaries)
	}
	if !strings.Contains(e.GreetingTemplate, "Margaret") {
		t.Errorf("greeting not personalized: %q", e.GreetingTemplate)
	}

	// A second Get within the staleness threshold serves from cache.
	now = now.Add(time.Hour)
	if _, err := c.Get(context.Background(), "t1"); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if b.tenantCalls != 1 {
		t.Errorf("expected one tenant load, got %d", b.tenantCalls)
	}
}

func TestGetRefreshesStaleEntry(t *testing.T) {
	b := newBackend()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	c := newCache(b, &now)

	if _, err := c.Get(context.Background(), "t1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	now = now.Add(25 * time.Hour)
	if _, err := c.Get(context.Background(), "t1"); err != nil {
		t.Fatalf("stale get: %v", err)
	}
	if b.tenantCalls != 2 {
		t.Errorf("expected stale entry to refresh, tenant loads = %d", b.tenantCalls)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	b := newBackend()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	c := newCache(b, &now)

	if _, err := c.Get(context.Background(), "t1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Invalidate("t1")
	if _, err := c.Get(context.Background(), "t1"); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if b.tenantCalls != 2 {
		t.Errorf("expected refresh after invalidate, tenant loads = %d", b.tenantCalls)
	}
}

func TestGetUnknownTenantFails(t *testing.T) {
	b := newBackend()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	c := newCache(b, &now)

	if _, err := c.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetDegradesWhenDailyContextFails(t *testing.T) {
	b := newBackend()
	b.dailyErr = errors.New("db down")
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	c := newCache(b, &now)

	e, err := c.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get must tolerate daily-context failure: %v", err)
	}
	if e.DailyContext != nil {
		t.Errorf("daily context should be empty on failure, got %+v", e.DailyContext)
	}
	if e.MemoryContext == "" {
		t.Error("other fields must still populate")
	}
}

func TestPrefetchDailyOnlyInsideLocalWindow(t *testing.T) {
	b := newBackend()
	// 05:30 in New York.
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 10, 5, 30, 0, 0, loc)
	c := newCache(b, &now)

	if err := c.PrefetchDaily(context.Background()); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if b.tenantCalls != 1 {
		t.Fatalf("expected prefetch inside window, tenant loads = %d", b.tenantCalls)
	}

	// A second run in the same window is a no-op.
	now = now.Add(10 * time.Minute)
	if err := c.PrefetchDaily(context.Background()); err != nil {
		t.Fatalf("repeat prefetch: %v", err)
	}
	if b.tenantCalls != 1 {
		t.Errorf("fresh entry must not refetch, tenant loads = %d", b.tenantCalls)
	}

	// Outside the window nothing happens even for stale entries.
	c.Invalidate("t1")
	now = now.Add(6 * time.Hour)
	if err := c.PrefetchDaily(context.Background()); err != nil {
		t.Fatalf("off-window prefetch: %v", err)
	}
	if b.tenantCalls != 1 {
		t.Errorf("off-window prefetch must be a no-op, tenant loads = %d", b.tenantCalls)
	}
}
