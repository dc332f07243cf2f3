package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dmdzco/donna2/pkg/provider/embeddings"
	"github.com/dmdzco/donna2/pkg/provider/llm"
)

const (
	// dedupThreshold is the cosine similarity above which a new memory is
	// considered a duplicate of an existing one of the same tenant and type.
	dedupThreshold = 0.92

	// dedupBump is added to the duplicate's importance instead of inserting.
	dedupBump = 5

	// maxImportance caps the importance scale.
	maxImportance = 100

	// defaultSearchLimit and defaultMinSimilarity apply when the caller
	// passes no overriding options.
	defaultSearchLimit   = 3
	defaultMinSimilarity = 0.65

	// decayDays is the e-folding time of the temporal decay applied to
	// importance during ranking. Storage is unchanged.
	decayDays = 180.0

	// searchTimeout bounds a retrieval round-trip on the voice hot path.
	// On timeout the search returns empty rather than stalling the turn.
	searchTimeout = 800 * time.Millisecond
)

// contextCaps is the per-type cap applied by BuildContext.
var contextCaps = []struct {
	typ   Type
	cap   int
	label string
}{
	{TypeFact, 3, "Facts"},
	{TypePreference, 3, "Preferences"},
	{TypeRelationship, 2, "Relationships"},
	{TypeEvent, 3, "Recent events"},
	{TypeConcern, 2, "Concerns"},
	{TypeStory, 2, "Stories they've shared"},
}

// extractionPrompt is the system prompt for transcript memory extraction.
const extractionPrompt = `You extract durable memories from a phone conversation between an assistant and an elderly person.
Return a JSON array of objects: {"type": "...", "content": "...", "importance": N}.
Valid types: fact, preference, event, concern, relationship, story.
Content must be a single self-contained sentence about the person (not the assistant).
Importance is 1-100: routine details 30-50, health or safety items 70-90.
Return [] if nothing durable was said. Return only JSON.`

// service is the production [Service] implementation.
type service struct {
	index      Index
	embedder   embeddings.Provider
	extraction llm.Provider
}

// NewService creates a [Service] over the given vector index, embedding
// provider, and extraction LLM. The extraction provider may be nil, in which
// case ExtractFromConversation is a no-op.
func NewService(index Index, embedder embeddings.Provider, extraction llm.Provider) Service {
	return &service{index: index, embedder: embedder, extraction: extraction}
}

// Store implements [Service].
func (s *service) Store(ctx context.Context, tenantID string, typ Type, content, sourceConversationID string, importance int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if !typ.IsValid() {
		return "", fmt.Errorf("memory: invalid type %q", typ)
	}
	if importance < 0 {
		importance = 0
	}
	if importance > maxImportance {
		importance = maxImportance
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("memory: embed content: %w", err)
	}

	// Dedup: a near-identical memory of the same tenant and type absorbs
	// the insert as an importance bump.
	existing, similarity, err := s.index.Nearest(ctx, tenantID, typ, embedding)
	if err != nil {
		return "", fmt.Errorf("memory: dedup lookup: %w", err)
	}
	if existing != nil && similarity >= dedupThreshold {
		if err := s.index.Bump(ctx, existing.ID, dedupBump); err != nil {
			return "", fmt.Errorf("memory: bump duplicate: %w", err)
		}
		slog.Debug("memory dedup hit",
			"tenant_id", tenantID, "type", typ, "existing_id", existing.ID,
			"similarity", similarity)
		return existing.ID, nil
	}

	id, err := s.index.Insert(ctx, Memory{
		TenantID:             tenantID,
		Type:                 typ,
		Content:              content,
		Importance:           importance,
		SourceConversationID: sourceConversationID,
		Embedding:            embedding,
	})
	if err != nil {
		return "", fmt.Errorf("memory: insert: %w", err)
	}
	return id, nil
}

// Search implements [Service].
func (s *service) Search(ctx context.Context, tenantID, query string, opts ...SearchOpt) ([]SearchResult, error) {
	params := ApplySearchOpts(opts)
	if params.Limit <= 0 {
		params.Limit = defaultSearchLimit
	}
	if params.MinSimilarity <= 0 {
		params.MinSimilarity = defaultMinSimilarity
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			slog.Warn("memory search timed out, returning empty", "tenant_id", tenantID)
			return []SearchResult{}, nil
		}
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	results, err := s.index.Search(ctx, tenantID, embedding, params.Limit, params.MinSimilarity, params.Types)
	if err != nil {
		if ctx.Err() != nil {
			slog.Warn("memory search timed out, returning empty", "tenant_id", tenantID)
			return []SearchResult{}, nil
		}
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	rankResults(results, time.Now())
	return results, nil
}

// rankResults orders results by similarity, breaking near-ties by
// decay-weighted importance and then by recency. The decay affects ranking
// only; stored importance is untouched.
func rankResults(results []SearchResult, now time.Time) {
	const similarityTie = 1e-6
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if math.Abs(a.Similarity-b.Similarity) > similarityTie {
			return a.Similarity > b.Similarity
		}
		da := decayedImportance(a.Memory, now)
		db := decayedImportance(b.Memory, now)
		if da != db {
			return da > db
		}
		return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
	})
}

// decayedImportance applies exponential temporal decay for ranking.
func decayedImportance(m Memory, now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return float64(m.Importance) * math.Exp(-ageDays/decayDays)
}

// BuildContext implements [Service].
func (s *service) BuildContext(ctx context.Context, tenantID string) (string, error) {
	var sb strings.Builder
	for _, c := range contextCaps {
		memories, err := s.index.TopByType(ctx, tenantID, c.typ, c.cap)
		if err != nil {
			return "", fmt.Errorf("memory: build context (%s): %w", c.typ, err)
		}
		if len(memories) == 0 {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("WHAT YOU REMEMBER ABOUT THEM:\n")
		}
		fmt.Fprintf(&sb, "%s:\n", c.label)
		for _, m := range memories {
			fmt.Fprintf(&sb, "- %s\n", m.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// extractedItem is one element of the extraction LLM's JSON response.
type extractedItem struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

// ExtractFromConversation implements [Service]. Each validated item is
// stored independently; a failing store logs and moves on so partial
// extraction still lands.
func (s *service) ExtractFromConversation(ctx context.Context, tenantID string, transcript []Turn, sourceConversationID string) error {
	if s.extraction == nil || len(transcript) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, t := range transcript {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Content)
	}

	resp, err := s.extraction.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("memory: extraction completion: %w", err)
	}

	items, err := parseExtraction(resp.Content)
	if err != nil {
		return fmt.Errorf("memory: parse extraction: %w", err)
	}

	stored := 0
	for _, item := range items {
		typ := Type(item.Type)
		if !typ.IsValid() || strings.TrimSpace(item.Content) == "" {
			slog.Debug("skipping invalid extracted memory",
				"tenant_id", tenantID, "type", item.Type)
			continue
		}
		if _, err := s.Store(ctx, tenantID, typ, item.Content, sourceConversationID, item.Importance); err != nil {
			slog.Warn("failed to store extracted memory, continuing",
				"tenant_id", tenantID, "type", typ, "err", err)
			continue
		}
		stored++
	}

	slog.Info("memory extraction complete",
		"tenant_id", tenantID, "conversation_id", sourceConversationID,
		"extracted", len(items), "stored", stored)
	return nil
}

// parseExtraction finds the JSON array in the model output. Models sometimes
// wrap JSON in prose or code fences; everything outside the outermost
// brackets is discarded.
func parseExtraction(content string) ([]extractedItem, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in %q", truncate(content, 80))
	}
	var items []extractedItem
	if err := json.Unmarshal([]byte(content[start:end+1]), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
