package postcall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/convo"
	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	memmock "github.com/dmdzco/donna2/pkg/memory/mock"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	llmmock "github.com/dmdzco/donna2/pkg/provider/llm/mock"
)

type fakeConvos struct {
	mu          sync.Mutex
	transcripts [][]store.TranscriptTurn
	summary     string
	sentiment   string
	updateErr   error
}

func (f *fakeConvos) CreateConversation(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}
func (f *fakeConvos) Conversation(context.Context, string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConvos) ConversationByCallSID(context.Context, string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConvos) UpdateTranscript(_ context.Context, _ string, turns []store.TranscriptTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.transcripts = append(f.transcripts, turns)
	return nil
}
func (f *fakeConvos) CompleteConversation(context.Context, string, store.ConversationStatus, time.Time) error {
	return nil
}
func (f *fakeConvos) SetSummary(_ context.Context, _, summary, sentiment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary, f.sentiment = summary, sentiment
	return nil
}
func (f *fakeConvos) RecentSummaries(context.Context, string, int) ([]string, error) {
	return nil, nil
}

type fakeAnalyses struct {
	mu    sync.Mutex
	saved []store.CallAnalysis
}

func (f *fakeAnalyses) SaveAnalysis(_ context.Context, a store.CallAnalysis) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return "an-1", nil
}
func (f *fakeAnalyses) RecentConcerns(context.Context, string, time.Time) ([]store.Concern, error) {
	return nil, nil
}

type dailySave struct {
	tenantID, date, callSID string
	upd                     store.DailyContextUpdate
}

type fakeDaily struct {
	mu    sync.Mutex
	saves []dailySave
}

func (f *fakeDaily) SaveCallContext(_ context.Context, tenantID, date, callSID string, upd store.DailyContextUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, dailySave{tenantID, date, callSID, upd})
	return nil
}
func (f *fakeDaily) TodaysContext(context.Context, string, string) (*store.DailyContext, error) {
	return &store.DailyContext{}, nil
}

type fakeTenants struct{ tenant *store.Tenant }

func (f *fakeTenants) Tenant(context.Context, string) (*store.Tenant, error) {
	if f.tenant == nil {
		return nil, store.ErrNotFound
	}
	return f.tenant, nil
}
func (f *fakeTenants) TenantByPhone(context.Context, string) (*store.Tenant, error) {
	return nil, store.ErrNotFound
}
func (f *fakeTenants) ActiveTenants(context.Context) ([]store.Tenant, error) { return nil, nil }

type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeCache) Invalidate(tenantID string) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, tenantID)
	f.mu.Unlock()
}

func testReport() session.CallReport {
	return session.CallReport{
		ConversationID: "conv-1",
		CallSID:        "CA1",
		TenantID:       "t1",
		StartedAt:      time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC),
		Transcript: []convo.Turn{
			{Role: "assistant", Content: "Good morning Margaret!"},
			{Role: "user", Content: "Oh hello dear, I was just in the garden."},
		},
		Topics:        []string{"the garden"},
		Advice:        []string{"Make sure you drink some water out there."},
		ReminderTitle: "Morning medication",
	}
}

const goodAnalysisJSON = `{
	"summary": "Margaret was cheerful and talked about her garden.",
	"topics": ["gardening", "the garden"],
	"engagement_score": 8,
	"concerns": [
		{"type": "health", "severity": "low", "description": "Mentioned sore knees.", "recommendation": "Mention to family."},
		{"type": "gossip", "severity": "low", "description": "Invalid type, dropped."}
	],
	"positive_observations": ["Laughed often"],
	"follow_up_suggestions": ["Ask about the tomatoes"],
	"call_quality": "good",
	"sentiment": "positive"
}`

func TestProcessRunsAllSteps(t *testing.T) {
	convos := &fakeConvos{}
	analyses := &fakeAnalyses{}
	daily := &fakeDaily{}
	mem := &memmock.Service{}
	cache := &fakeCache{}
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: goodAnalysisJSON}}

	p := New(Config{
		Convos:   convos,
		Analyses: analyses,
		Daily:    daily,
		Tenants:  &fakeTenants{tenant: &store.Tenant{ID: "t1", Name: "Margaret", Timezone: "America/New_York"}},
		Memory:   mem,
		Analysis: model,
		Cache:    cache,
	})

	p.Process(testReport())
	p.Wait()

	if len(convos.transcripts) != 1 || len(convos.transcripts[0]) != 2 {
		t.Errorf("transcript writes = %+v", convos.transcripts)
	}
	if len(analyses.saved) != 1 {
		t.Fatalf("analyses saved = %d", len(analyses.saved))
	}
	a := analyses.saved[0]
	if a.Summary != "Margaret was cheerful and talked about her garden." || a.EngagementScore != 8 {
		t.Errorf("analysis = %+v", a)
	}
	if len(a.Concerns) != 1 || a.Concerns[0].Type != store.ConcernHealth {
		t.Errorf("concerns = %+v", a.Concerns)
	}
	if convos.summary == "" || convos.sentiment != "positive" {
		t.Errorf("summary=%q sentiment=%q", convos.summary, convos.sentiment)
	}
	if mem.ExtractCalls != 1 {
		t.Errorf("extract calls = %d", mem.ExtractCalls)
	}

	if len(daily.saves) != 1 {
		t.Fatalf("daily saves = %d", len(daily.saves))
	}
	save := daily.saves[0]
	// 14:05 UTC is 09:05 in New York, same calendar day.
	if save.tenantID != "t1" || save.date != "2026-03-02" || save.callSID != "CA1" {
		t.Errorf("daily save = %+v", save)
	}
	if got := strings.Join(save.upd.Topics, "|"); got != "the garden|gardening" {
		t.Errorf("merged topics = %q", got)
	}
	if len(save.upd.RemindersDelivered) != 1 || save.upd.RemindersDelivered[0] != "Morning medication" {
		t.Errorf("reminders delivered = %v", save.upd.RemindersDelivered)
	}
	if len(save.upd.Highlights) != 1 || save.upd.Highlights[0] != "Laughed often" {
		t.Errorf("highlights = %v", save.upd.Highlights)
	}

	if len(cache.invalidated) != 1 || cache.invalidated[0] != "t1" {
		t.Errorf("invalidated = %v", cache.invalidated)
	}
}

func TestMalformedAnalysisFallsBack(t *testing.T) {
	analyses := &fakeAnalyses{}
	convos := &fakeConvos{}
	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "I couldn't really tell."}}

	p := New(Config{
		Convos:   convos,
		Analyses: analyses,
		Daily:    &fakeDaily{},
		Tenants:  &fakeTenants{tenant: &store.Tenant{ID: "t1", Timezone: "UTC"}},
		Analysis: model,
	})
	p.Process(testReport())
	p.Wait()

	if len(analyses.saved) != 1 {
		t.Fatalf("analyses saved = %d", len(analyses.saved))
	}
	a := analyses.saved[0]
	if a.Summary != "Analysis unavailable" || a.EngagementScore != 5 || a.CallQuality != "unknown" {
		t.Errorf("fallback analysis = %+v", a)
	}
	if convos.sentiment != "unknown" {
		t.Errorf("sentiment = %q", convos.sentiment)
	}
}

func TestStepFailuresAreIndependent(t *testing.T) {
	convos := &fakeConvos{updateErr: errors.New("db down")}
	analyses := &fakeAnalyses{}
	daily := &fakeDaily{}
	mem := &memmock.Service{Err: errors.New("embeddings down")}
	cache := &fakeCache{}

	p := New(Config{
		Convos:   convos,
		Analyses: analyses,
		Daily:    daily,
		Tenants:  &fakeTenants{tenant: &store.Tenant{ID: "t1", Timezone: "UTC"}},
		Memory:   mem,
		Cache:    cache,
	})
	p.Process(testReport())
	p.Wait()

	// Transcript persist and memory extraction failed; everything else
	// still ran.
	if len(analyses.saved) != 1 {
		t.Error("analysis step must survive earlier failures")
	}
	if len(daily.saves) != 1 {
		t.Error("daily context step must survive earlier failures")
	}
	if len(cache.invalidated) != 1 {
		t.Error("cache invalidation must survive earlier failures")
	}
}

func TestParseAnalysisTolerantOfFences(t *testing.T) {
	payload, err := parseAnalysis("Here you go:\n```json\n{\"summary\": \"ok\", \"engagement_score\": 3}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload.Summary != "ok" || payload.EngagementScore != 3 {
		t.Errorf("payload = %+v", payload)
	}

	if _, err := parseAnalysis("no json here"); err == nil {
		t.Error("expected error without JSON")
	}
}

func TestClampScore(t *testing.T) {
	for in, want := range map[int]int{0: 5, -3: 5, 11: 5, 1: 1, 10: 10, 7: 7} {
		if got := clampScore(in); got != want {
			t.Errorf("clampScore(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMergeUnique(t *testing.T) {
	got := mergeUnique([]string{"Garden", "weather"}, []string{"garden", "Family", ""})
	want := []string{"Garden", "weather", "Family"}
	if len(got) != len(want) {
		t.Fatalf("merged = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("merged[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
