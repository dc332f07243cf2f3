package memory

import "time"

// Type classifies a memory by what kind of semantic unit it holds.
type Type string

const (
	TypeFact         Type = "fact"
	TypePreference   Type = "preference"
	TypeEvent        Type = "event"
	TypeConcern      Type = "concern"
	TypeRelationship Type = "relationship"
	TypeStory        Type = "story"
)

// IsValid reports whether t is a recognised memory type.
func (t Type) IsValid() bool {
	switch t {
	case TypeFact, TypePreference, TypeEvent, TypeConcern, TypeRelationship, TypeStory:
		return true
	}
	return false
}

// Memory is a durable semantic unit extracted from past conversations with a
// tenant. Memories are effectively append-only: near-duplicates collapse
// into an importance bump on the existing row rather than a new insert.
type Memory struct {
	// ID is the unique identifier (a UUID).
	ID string

	// TenantID scopes the memory to one tenant. Searches never cross tenants.
	TenantID string

	// Type classifies the memory.
	Type Type

	// Content is the memory text. Never empty.
	Content string

	// Importance weights retrieval ranking, clamped to [0, 100].
	Importance int

	// SourceConversationID references the conversation this memory was
	// extracted from. Empty for manual inserts.
	SourceConversationID string

	// Embedding is the content's vector representation. Its dimension must
	// match the index configuration (1536 for text-embedding-3-small).
	Embedding []float32

	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

// SearchResult pairs a retrieved memory with its cosine similarity to the
// query embedding (1.0 = identical direction).
type SearchResult struct {
	Memory     Memory
	Similarity float64
}

// Turn is one utterance of a conversation transcript handed to extraction.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the utterance text.
	Content string
}
