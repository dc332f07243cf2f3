// Package memory implements the long-term semantic memory layer for donna2
// tenants.
//
// Memories are embedded text units ([Memory]) stored in a vector index
// ([Index]) and managed by a [Service] that handles deduplication on store,
// decay-weighted retrieval, per-type context assembly, and LLM-based
// extraction from call transcripts. The postgres subpackage provides the
// production [Index] over pgvector.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyContent is returned by Store when the memory content is empty.
var ErrEmptyContent = errors.New("memory: empty content")

// Index is the vector store beneath the memory service. Callers are
// responsible for producing embeddings before calling Insert or Search.
type Index interface {
	// Insert stores a new memory and returns its ID.
	Insert(ctx context.Context, m Memory) (string, error)

	// Nearest returns the single closest memory of the same tenant and type
	// together with its cosine similarity, or (nil, 0, nil) when the tenant
	// has no memories of that type. Used for near-duplicate detection.
	Nearest(ctx context.Context, tenantID string, typ Type, embedding []float32) (*Memory, float64, error)

	// Search returns up to limit memories for the tenant whose cosine
	// similarity to embedding is at least minSimilarity, most similar first.
	// An empty types slice searches all types.
	Search(ctx context.Context, tenantID string, embedding []float32, limit int, minSimilarity float64, types []Type) ([]SearchResult, error)

	// Bump increments the memory's importance by delta (clamped to 100),
	// updates last_accessed_at, and increments access_count.
	Bump(ctx context.Context, id string, delta int) error

	// TopByType returns the tenant's highest-importance memories of one
	// type, capped at limit. Used for context assembly.
	TopByType(ctx context.Context, tenantID string, typ Type, limit int) ([]Memory, error)

	// RecentContents returns the content of memories created since the given
	// instant, newest first. Used to bias greeting interest selection toward
	// recently discussed topics.
	RecentContents(ctx context.Context, tenantID string, since time.Time) ([]string, error)
}

// Service is the memory API consumed by the call pipeline, tools, and
// post-call processing.
type Service interface {
	// Store embeds content and persists it as a new memory, unless a
	// near-duplicate (cosine ≥ the dedup threshold, same tenant and type)
	// already exists — in that case the existing memory's importance is
	// bumped and its ID returned.
	Store(ctx context.Context, tenantID string, typ Type, content, sourceConversationID string, importance int) (string, error)

	// Search embeds the query and returns the best-matching memories,
	// ranked by similarity, then decay-weighted importance, then recency.
	// Query options override the default limit and similarity floor.
	Search(ctx context.Context, tenantID, query string, opts ...SearchOpt) ([]SearchResult, error)

	// BuildContext assembles the tenant's strongest memories across types
	// into a single human-readable block for prompt injection.
	BuildContext(ctx context.Context, tenantID string) (string, error)

	// ExtractFromConversation submits the transcript to the extraction LLM
	// and stores each validated memory (dedup applies). Failures degrade
	// gracefully: items stored before the failure stay stored and no retry
	// is attempted.
	ExtractFromConversation(ctx context.Context, tenantID string, transcript []Turn, sourceConversationID string) error
}
