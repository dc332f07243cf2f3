package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/dmdzco/donna2/pkg/memory"
)

// Compile-time interface check.
var _ memory.Index = (*Index)(nil)

// Index is the pgvector-backed [memory.Index]. Cosine distance (the `<=>`
// operator) drives similarity queries; similarity reported to callers is
// 1 − distance. All methods are safe for concurrent use.
type Index struct {
	pool *pgxpool.Pool
}

// NewIndex creates an Index over an existing pool and runs [Migrate].
func NewIndex(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) (*Index, error) {
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		return nil, err
	}
	return &Index{pool: pool}, nil
}

const memoryColumns = `id, tenant_id, type, content, importance,
	source_conversation_id, embedding, created_at, last_accessed_at, access_count`

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var (
		m   memory.Memory
		vec pgvector.Vector
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.Type, &m.Content, &m.Importance,
		&m.SourceConversationID, &vec, &m.CreatedAt, &m.LastAccessedAt, &m.AccessCount)
	if err != nil {
		return nil, err
	}
	m.Embedding = vec.Slice()
	return &m, nil
}

// Insert implements [memory.Index].
func (ix *Index) Insert(ctx context.Context, m memory.Memory) (string, error) {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := ix.pool.Exec(ctx, `
		INSERT INTO memories
		    (id, tenant_id, type, content, importance, source_conversation_id, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, m.TenantID, string(m.Type), m.Content, m.Importance,
		m.SourceConversationID, pgvector.NewVector(m.Embedding))
	if err != nil {
		return "", fmt.Errorf("memory index: insert: %w", err)
	}
	return id, nil
}

// Nearest implements [memory.Index].
func (ix *Index) Nearest(ctx context.Context, tenantID string, typ memory.Type, embedding []float32) (*memory.Memory, float64, error) {
	row := ix.pool.QueryRow(ctx, `
		SELECT `+memoryColumns+`, embedding <=> $3 AS distance
		FROM memories
		WHERE tenant_id = $1 AND type = $2
		ORDER BY distance
		LIMIT 1`,
		tenantID, string(typ), pgvector.NewVector(embedding))

	var (
		m        memory.Memory
		vec      pgvector.Vector
		distance float64
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.Type, &m.Content, &m.Importance,
		&m.SourceConversationID, &vec, &m.CreatedAt, &m.LastAccessedAt,
		&m.AccessCount, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("memory index: nearest: %w", err)
	}
	m.Embedding = vec.Slice()
	return &m, 1 - distance, nil
}

// Search implements [memory.Index].
func (ix *Index) Search(ctx context.Context, tenantID string, embedding []float32, limit int, minSimilarity float64, types []memory.Type) ([]memory.SearchResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, tenantID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"tenant_id = $2"}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		conditions = append(conditions, "type = ANY("+next(names)+")")
	}
	// cosine distance ≤ 1 − minSimilarity  ⇔  similarity ≥ minSimilarity
	conditions = append(conditions, "embedding <=> $1 <= "+next(1-minSimilarity))

	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT %s, embedding <=> $1 AS distance
		FROM memories
		WHERE %s
		ORDER BY distance
		LIMIT %s`,
		memoryColumns, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory index: search: %w", err)
	}
	defer rows.Close()

	results := []memory.SearchResult{}
	for rows.Next() {
		var (
			m        memory.Memory
			vec      pgvector.Vector
			distance float64
		)
		err := rows.Scan(&m.ID, &m.TenantID, &m.Type, &m.Content, &m.Importance,
			&m.SourceConversationID, &vec, &m.CreatedAt, &m.LastAccessedAt,
			&m.AccessCount, &distance)
		if err != nil {
			return nil, fmt.Errorf("memory index: scan result: %w", err)
		}
		m.Embedding = vec.Slice()
		results = append(results, memory.SearchResult{Memory: m, Similarity: 1 - distance})
	}
	return results, rows.Err()
}

// Bump implements [memory.Index].
func (ix *Index) Bump(ctx context.Context, id string, delta int) error {
	_, err := ix.pool.Exec(ctx, `
		UPDATE memories
		SET importance = LEAST(100, importance + $2),
		    last_accessed_at = now(),
		    access_count = access_count + 1
		WHERE id = $1`,
		id, delta)
	if err != nil {
		return fmt.Errorf("memory index: bump: %w", err)
	}
	return nil
}

// TopByType implements [memory.Index].
func (ix *Index) TopByType(ctx context.Context, tenantID string, typ memory.Type, limit int) ([]memory.Memory, error) {
	rows, err := ix.pool.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE tenant_id = $1 AND type = $2
		ORDER BY importance DESC, created_at DESC
		LIMIT $3`,
		tenantID, string(typ), limit)
	if err != nil {
		return nil, fmt.Errorf("memory index: top by type: %w", err)
	}
	defer rows.Close()

	memories := []memory.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("memory index: scan memory: %w", err)
		}
		memories = append(memories, *m)
	}
	return memories, rows.Err()
}

// RecentContents implements [memory.Index].
func (ix *Index) RecentContents(ctx context.Context, tenantID string, since time.Time) ([]string, error) {
	rows, err := ix.pool.Query(ctx, `
		SELECT content FROM memories
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`,
		tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("memory index: recent contents: %w", err)
	}
	defer rows.Close()

	contents := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("memory index: scan content: %w", err)
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}
