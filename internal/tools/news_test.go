package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/resilience"
	"github.com/dmdzco/donna2/pkg/provider/llm"
	llmmock "github.com/dmdzco/donna2/pkg/provider/llm/mock"
)

func TestNewsLookupCachesWithinTTL(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "The local garden show opens Saturday."},
	}
	current := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	n := NewNewsService(provider, withClock(func() time.Time { return current }))

	first, err := n.Lookup(context.Background(), "Gardening")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	// Same topic under different casing and spacing hits the cache.
	current = current.Add(30 * time.Minute)
	second, err := n.Lookup(context.Background(), "  gardening ")
	if err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if first != second {
		t.Errorf("cached result differs: %q vs %q", first, second)
	}
	if got := len(provider.CompleteCalls); got != 1 {
		t.Errorf("expected one backend call, got %d", got)
	}

	// Past the TTL the backend is consulted again.
	current = current.Add(time.Hour)
	if _, err := n.Lookup(context.Background(), "gardening"); err != nil {
		t.Fatalf("expired lookup: %v", err)
	}
	if got := len(provider.CompleteCalls); got != 2 {
		t.Errorf("expected refetch after TTL, got %d calls", got)
	}
}

func TestNewsLookupNothingFoundIsAnError(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "NOTHING_FOUND"},
	}
	n := NewNewsService(provider)

	if _, err := n.Lookup(context.Background(), "obscure topic"); err == nil {
		t.Fatal("expected error for NOTHING_FOUND")
	}
	if got := n.CachedTopics(); len(got) != 0 {
		t.Errorf("empty results must not be cached: %v", got)
	}
}

func TestNewsLookupEmptyTopicRejected(t *testing.T) {
	n := NewNewsService(&llmmock.Provider{})
	if _, err := n.Lookup(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestNewsBreakerStopsCallingFailingBackend(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	n := NewNewsService(provider)

	for i := 0; i < 3; i++ {
		if _, err := n.Lookup(context.Background(), "weather"); err == nil {
			t.Fatalf("lookup %d should fail", i)
		}
	}
	calls := len(provider.CompleteCalls)

	_, err := n.Lookup(context.Background(), "weather")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected open circuit, got %v", err)
	}
	if len(provider.CompleteCalls) != calls {
		t.Error("open circuit must not reach the backend")
	}
}

func TestNewsCachedTopicsDropExpired(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "A new bakery opened downtown."},
	}
	current := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	n := NewNewsService(provider, withClock(func() time.Time { return current }))

	if _, err := n.Lookup(context.Background(), "Local News"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := n.CachedTopics(); len(got) != 1 || got[0] != "local news" {
		t.Errorf("cached topics = %v", got)
	}

	current = current.Add(2 * time.Hour)
	if got := n.CachedTopics(); len(got) != 0 {
		t.Errorf("expired topics still listed: %v", got)
	}
}

func TestNormalizeTopic(t *testing.T) {
	cases := map[string]string{
		"  The   Weather ": "the weather",
		"Gardening":        "gardening",
		"":                 "",
		"   ":              "",
	}
	for in, want := range cases {
		if got := normalizeTopic(in); got != want {
			t.Errorf("normalizeTopic(%q) = %q, want %q", in, got, want)
		}
	}
}
