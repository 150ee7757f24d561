package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	apperrors "fitcoach/errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PassageHit is one scored row coming back from any passage search.
type PassageHit struct {
	ItemID     uuid.UUID
	ChunkIndex int
	Title      string
	Content    string
	Score      float64
}

// EmbeddingRow is a passage row with its raw stored embedding text, used by
// the explicit cosine fallback which parses vectors itself so that a single
// malformed row can be skipped instead of failing the batch.
type EmbeddingRow struct {
	ItemID       uuid.UUID
	ChunkIndex   int
	Title        string
	Content      string
	EmbeddingRaw string
}

// SearchPassages runs AND-conjunctive full-text search over passage bodies.
// Every term must appear; OR-matching returns too many shallow hits on a
// corpus this size. The rank expression is part of the projection so the
// ORDER BY key is always a selected column.
func (s *PostgresStore) SearchPassages(ctx context.Context, terms []string, categories []string, limit int) ([]PassageHit, error) {
	tsquery := buildConjunctiveQuery(terms)
	if tsquery == "" || limit <= 0 {
		return nil, nil
	}

	var builder strings.Builder
	builder.WriteString(`
        SELECT p.item_id, p.chunk_index, i.title, p.content,
               ts_rank(to_tsvector('english', p.content), to_tsquery('english', $1)) AS rank
        FROM passages p
        JOIN corpus_items i ON i.id = p.item_id
        WHERE i.status = 'ready'
          AND to_tsvector('english', p.content) @@ to_tsquery('english', $1)`)
	args := []any{tsquery}

	if len(categories) > 0 {
		builder.WriteString(`
          AND p.item_id IN (
            SELECT ic.item_id FROM item_categories ic
            JOIN categories c ON c.id = ic.category_id
            WHERE c.name = ANY($2))`)
		args = append(args, pq.Array(categories))
	}

	builder.WriteString(fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", len(args)+1))
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "passage search: %v", err)
	}
	defer rows.Close()

	return scanPassageHits(rows)
}

// SearchTitles matches entity names against item titles only. A title match
// is a much stronger signal than a body mention, so callers rank these ahead
// of body-text results.
func (s *PostgresStore) SearchTitles(ctx context.Context, entityNames []string, limit int) ([]PassageHit, error) {
	if len(entityNames) == 0 || limit <= 0 {
		return nil, nil
	}

	patterns := make([]string, 0, len(entityNames))
	for _, name := range entityNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		patterns = append(patterns, "%"+strings.ToLower(name)+"%")
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	const query = `
        SELECT p.item_id, p.chunk_index, i.title, p.content, 1.0 AS rank
        FROM passages p
        JOIN corpus_items i ON i.id = p.item_id
        WHERE i.status = 'ready'
          AND LOWER(i.title) LIKE ANY($1)
        ORDER BY i.title, p.chunk_index
        LIMIT $2`

	rows, err := s.DB.QueryContext(ctx, query, pq.Array(patterns), limit)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "title search: %v", err)
	}
	defer rows.Close()

	return scanPassageHits(rows)
}

// NearestPassages is the index-backed nearest-neighbor path. Similarity is
// 1 - cosine distance, selected into the projection and used as the ordering
// key. Rows below minScore are filtered server-side.
func (s *PostgresStore) NearestPassages(ctx context.Context, embedding []float32, categories []string, limit int, minScore float64) ([]PassageHit, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}

	var builder strings.Builder
	builder.WriteString(`
        SELECT p.item_id, p.chunk_index, i.title, p.content,
               1 - (p.embedding <=> $1) AS similarity
        FROM passages p
        JOIN corpus_items i ON i.id = p.item_id
        WHERE i.status = 'ready'
          AND p.embedding IS NOT NULL
          AND 1 - (p.embedding <=> $1) >= $2`)
	args := []any{pgvector.NewVector(embedding), minScore}

	if len(categories) > 0 {
		builder.WriteString(`
          AND p.item_id IN (
            SELECT ic.item_id FROM item_categories ic
            JOIN categories c ON c.id = ic.category_id
            WHERE c.name = ANY($3))`)
		args = append(args, pq.Array(categories))
	}

	builder.WriteString(fmt.Sprintf(" ORDER BY similarity DESC LIMIT $%d", len(args)+1))
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "vector search: %v", err)
	}
	defer rows.Close()

	return scanPassageHits(rows)
}

// PassageEmbeddingPage returns one keyset-paginated batch of passages with
// non-null embeddings, ordered by (item_id, chunk_index). Pass uuid.Nil and
// a negative chunk index for the first page.
func (s *PostgresStore) PassageEmbeddingPage(ctx context.Context, afterItem uuid.UUID, afterChunk int, batchSize int) ([]EmbeddingRow, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	const query = `
        SELECT p.item_id, p.chunk_index, i.title, p.content, p.embedding::text
        FROM passages p
        JOIN corpus_items i ON i.id = p.item_id
        WHERE i.status = 'ready'
          AND p.embedding IS NOT NULL
          AND (p.item_id, p.chunk_index) > ($1, $2)
        ORDER BY p.item_id, p.chunk_index
        LIMIT $3`

	rows, err := s.DB.QueryContext(ctx, query, afterItem, afterChunk, batchSize)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "page passage embeddings: %v", err)
	}
	defer rows.Close()

	var batch []EmbeddingRow
	for rows.Next() {
		var row EmbeddingRow
		if err := rows.Scan(&row.ItemID, &row.ChunkIndex, &row.Title, &row.Content, &row.EmbeddingRaw); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		batch = append(batch, row)
	}
	return batch, rows.Err()
}

// PassagesByCategory returns the leading passages of ready items tagged with
// the given category, ordered so each item's opening chunks come first.
func (s *PostgresStore) PassagesByCategory(ctx context.Context, category string, limit int) ([]PassageHit, error) {
	if category == "" || limit <= 0 {
		return nil, nil
	}

	const query = `
        SELECT p.item_id, p.chunk_index, i.title, p.content, 1.0 AS rank
        FROM passages p
        JOIN corpus_items i ON i.id = p.item_id
        JOIN item_categories ic ON ic.item_id = i.id
        JOIN categories c ON c.id = ic.category_id
        WHERE i.status = 'ready' AND c.name = $1
        ORDER BY p.chunk_index, i.title
        LIMIT $2`

	rows, err := s.DB.QueryContext(ctx, query, category, limit)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "fetch category passages: %v", err)
	}
	defer rows.Close()

	return scanPassageHits(rows)
}

// ItemIDsByCategories resolves the set of ready items carrying any of the
// given category tags, used by the cosine fallback to apply category scope
// client-side.
func (s *PostgresStore) ItemIDsByCategories(ctx context.Context, categories []string) (map[uuid.UUID]struct{}, error) {
	if len(categories) == 0 {
		return nil, nil
	}

	const query = `
        SELECT DISTINCT ic.item_id
        FROM item_categories ic
        JOIN categories c ON c.id = ic.category_id
        JOIN corpus_items i ON i.id = ic.item_id
        WHERE i.status = 'ready' AND c.name = ANY($1)`

	rows, err := s.DB.QueryContext(ctx, query, pq.Array(categories))
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "resolve category items: %v", err)
	}
	defer rows.Close()

	ids := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func scanPassageHits(rows *sql.Rows) ([]PassageHit, error) {
	var hits []PassageHit
	for rows.Next() {
		var hit PassageHit
		if err := rows.Scan(&hit.ItemID, &hit.ChunkIndex, &hit.Title, &hit.Content, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan passage hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// buildConjunctiveQuery joins sanitized terms with the tsquery AND operator.
// Terms of length <= 2 are dropped before they reach this point.
func buildConjunctiveQuery(terms []string) string {
	cleaned := make([]string, 0, len(terms))
	for _, term := range terms {
		var b strings.Builder
		for _, r := range strings.ToLower(strings.TrimSpace(term)) {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		if b.Len() > 2 {
			cleaned = append(cleaned, b.String())
		}
	}
	return strings.Join(cleaned, " & ")
}
