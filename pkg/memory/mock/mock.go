// Package mock provides in-memory test doubles for the memory layer.
//
// [Index] is a functional in-memory vector index that computes real cosine
// similarities, so service-level behaviour (dedup, ranking) can be tested
// without a database. [Service] is a canned-response double for callers that
// only need the service interface.
package mock

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dmdzco/donna2/pkg/memory"
)

// Index is an in-memory [memory.Index].
type Index struct {
	mu       sync.Mutex
	seq      int
	Memories []memory.Memory

	// Err, when non-nil, is returned by every method.
	Err error
}

// NewIndex returns an empty in-memory index.
func NewIndex() *Index {
	return &Index{}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Insert implements [memory.Index].
func (ix *Index) Insert(_ context.Context, m memory.Memory) (string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Err != nil {
		return "", ix.Err
	}
	ix.seq++
	if m.ID == "" {
		m.ID = "mem-" + strconv.Itoa(ix.seq)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.LastAccessedAt = m.CreatedAt
	ix.Memories = append(ix.Memories, m)
	return m.ID, nil
}

// Nearest implements [memory.Index].
func (ix *Index) Nearest(_ context.Context, tenantID string, typ memory.Type, embedding []float32) (*memory.Memory, float64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Err != nil {
		return nil, 0, ix.Err
	}
	var (
		best    *memory.Memory
		bestSim float64
	)
	for i := range ix.Memories {
		m := &ix.Memories[i]
		if m.TenantID != tenantID || m.Type != typ {
			continue
		}
		sim := cosine(embedding, m.Embedding)
		if best == nil || sim > bestSim {
			cp := *m
			best = &cp
			bestSim = sim
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestSim, nil
}

// Search implements [memory.Index].
func (ix *Index) Search(_ context.Context, tenantID string, embedding []float32, limit int, minSimilarity float64, types []memory.Type) ([]memory.SearchResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Err != nil {
		return nil, ix.Err
	}
	typeOK := func(t memory.Type) bool {
		if len(types) == 0 {
			return true
		}
		for _, want := range types {
			if t == want {
				return true
			}
		}
		return false
	}

	results := []memory.SearchResult{}
	for _, m := range ix.Memories {
		if m.TenantID != tenantID || !typeOK(m.Type) {
			continue
		}
		sim := cosine(embedding, m.Embedding)
		if sim >= minSimilarity {
			results = append(results, memory.SearchResult{Memory: m, Similarity: sim})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Bump implements [memory.Index].
func (ix *Index) Bump(_ context.Context, id string, delta int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Err != nil {
		return ix.Err
	}
	for i := range ix.Memories {
		if ix.Memories[i].ID == id {
			ix.Memories[i].Importance = min(100, ix.Memories[i].Importance+delta)
			ix.Memories[i].LastAccessedAt = time.Now()
			ix.Memories[i].AccessCount++
			return nil
		}
	}
	return nil
}

// TopByType implements [memory.Index].
func (ix *Index) TopByType(_ context.Context, tenantID string, typ memory.Type, limit int) ([]memory.Memory, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Err != nil {
		return nil, ix.Err
	}
	matches := []memory.Memory{}
	for _, m := range ix.Memories {
		if m.TenantID == tenantID && m.Type == typ {
			matches = append(matches, m)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Importance != matches[j].Importance {
			return matches[i].Importance > matches[j].Importance
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// RecentContents implements [memory.Index].
func (ix *Index) RecentContents(_ context.Context, tenantID string, since time.Time) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.Err != nil {
		return nil, ix.Err
	}
	contents := []string{}
	for _, m := range ix.Memories {
		if m.TenantID == tenantID && !m.CreatedAt.Before(since) {
			contents = append(contents, m.Content)
		}
	}
	return contents, nil
}

// Compile-time check.
var _ memory.Index = (*Index)(nil)

// StoreCall records one call to [Service.Store].
type StoreCall struct {
	TenantID   string
	Type       memory.Type
	Content    string
	Source     string
	Importance int
}

// Service is a canned-response [memory.Service] double.
type Service struct {
	mu sync.Mutex

	// SearchResults is returned by Search.
	SearchResults []memory.SearchResult

	// ContextBlock is returned by BuildContext.
	ContextBlock string

	// Err, when non-nil, is returned by every method.
	Err error

	// StoreCalls records every Store invocation.
	StoreCalls []StoreCall

	// SearchQueries records every query passed to Search.
	SearchQueries []string

	// ExtractCalls counts ExtractFromConversation invocations.
	ExtractCalls int
}

// Store implements [memory.Service].
func (s *Service) Store(_ context.Context, tenantID string, typ memory.Type, content, source string, importance int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	s.StoreCalls = append(s.StoreCalls, StoreCall{tenantID, typ, content, source, importance})
	return "mem-" + strconv.Itoa(len(s.StoreCalls)), nil
}

// Search implements [memory.Service].
func (s *Service) Search(_ context.Context, _ string, query string, _ ...memory.SearchOpt) ([]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.SearchQueries = append(s.SearchQueries, query)
	return s.SearchResults, nil
}

// BuildContext implements [memory.Service].
func (s *Service) BuildContext(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	return s.ContextBlock, nil
}

// ExtractFromConversation implements [memory.Service].
func (s *Service) ExtractFromConversation(_ context.Context, _ string, _ []memory.Turn, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExtractCalls++
	return s.Err
}

// Compile-time check.
var _ memory.Service = (*Service)(nil)
