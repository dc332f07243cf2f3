package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dmdzco/donna2/internal/resilience"
	"github.com/dmdzco/donna2/pkg/provider/llm"
)

const (
	// newsTTL is how long a looked-up topic stays cached. News staleness
	// within the hour is fine for conversation.
	newsTTL = time.Hour

	// newsTimeout bounds one lookup round-trip.
	newsTimeout = 8 * time.Second
)

const newsPrompt = `Find the latest news about the topic the user gives you.
Reply with at most two items, one sentence each, plain conversational language
suitable for reading aloud to an elderly listener. No URLs, no markdown.
If you find nothing relevant, reply exactly: NOTHING_FOUND`

// NewsService looks up current-events snippets through a web-search-capable
// model, with a per-topic TTL cache and a circuit breaker so a failing
// backend stops being called. Safe for concurrent use.
type NewsService struct {
	provider llm.Provider
	breaker  *resilience.CircuitBreaker

	mu    sync.Mutex
	cache map[string]newsEntry

	ttl time.Duration
	now func() time.Time
}

type newsEntry struct {
	items string
	at    time.Time
}

// NewsOption configures a NewsService.
type NewsOption func(*NewsService)

// WithNewsTTL overrides the cache TTL.
func WithNewsTTL(ttl time.Duration) NewsOption {
	return func(n *NewsService) { n.ttl = ttl }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) NewsOption {
	return func(n *NewsService) { n.now = now }
}

// NewNewsService creates a NewsService over a web-search-capable model.
func NewNewsService(provider llm.Provider, opts ...NewsOption) *NewsService {
	n := &NewsService{
		provider: provider,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "news",
			MaxFailures:  3,
			ResetTimeout: 2 * time.Minute,
		}),
		cache: make(map[string]newsEntry),
		ttl:   newsTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Lookup returns up to two short news items about the topic. Cache hits
// within the TTL skip the backend entirely.
func (n *NewsService) Lookup(ctx context.Context, topic string) (string, error) {
	key := normalizeTopic(topic)
	if key == "" {
		return "", fmt.Errorf("news: empty topic")
	}

	n.mu.Lock()
	if entry, ok := n.cache[key]; ok && n.now().Sub(entry.at) < n.ttl {
		n.mu.Unlock()
		return entry.items, nil
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, newsTimeout)
	defer cancel()

	var items string
	err := n.breaker.Execute(func() error {
		resp, err := n.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: newsPrompt,
			Messages:     []llm.Message{{Role: "user", Content: topic}},
			Temperature:  0.3,
			MaxTokens:    200,
		})
		if err != nil {
			return err
		}
		items = strings.TrimSpace(resp.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("news: lookup %q: %w", key, err)
	}

	if items == "" || strings.Contains(items, "NOTHING_FOUND") {
		return "", fmt.Errorf("news: nothing found for %q", key)
	}

	n.mu.Lock()
	n.cache[key] = newsEntry{items: items, at: n.now()}
	n.mu.Unlock()

	slog.Debug("news lookup cached", "topic", key)
	return items, nil
}

// CachedTopics lists topics currently held in the cache, for prompt
// context.
func (n *NewsService) CachedTopics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	topics := make([]string, 0, len(n.cache))
	for key, entry := range n.cache {
		if n.now().Sub(entry.at) < n.ttl {
			topics = append(topics, key)
		}
	}
	return topics
}

// normalizeTopic is the cache key: lowercased with collapsed whitespace.
func normalizeTopic(topic string) string {
	return strings.Join(strings.Fields(strings.ToLower(topic)), " ")
}
