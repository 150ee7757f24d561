package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"fitcoach/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CosineSimilarity computes the cosine of the angle between two vectors in
// [-1, 1]. A zero-norm or mismatched vector scores 0, never a division
// error.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// scorer ranks corpus passages against a query vector. The two
// implementations must produce equivalent rankings for the same inputs
// within floating-point tolerance.
type scorer interface {
	TopK(ctx context.Context, queryVec []float32, categories []string, k int, minScore float64) ([]database.PassageHit, error)
}

// nativeScorer delegates to the database's indexed nearest-neighbor
// operator.
type nativeScorer struct {
	store Store
}

func (n *nativeScorer) TopK(ctx context.Context, queryVec []float32, categories []string, k int, minScore float64) ([]database.PassageHit, error) {
	return n.store.NearestPassages(ctx, queryVec, categories, k, minScore)
}

// fallbackScorer computes cosine similarity explicitly over every stored
// embedding, paging through the corpus in fixed-size batches to bound
// memory. Used when the native operator is unavailable or fails.
type fallbackScorer struct {
	store     Store
	batchSize int
	logger    *zap.Logger
}

func (f *fallbackScorer) TopK(ctx context.Context, queryVec []float32, categories []string, k int, minScore float64) ([]database.PassageHit, error) {
	if k <= 0 || len(queryVec) == 0 {
		return nil, nil
	}
	batchSize := f.batchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	// Category scoping happens in SQL on the native path; here it is an
	// item-id filter applied while scanning.
	var allowed map[uuid.UUID]struct{}
	if len(categories) > 0 {
		var err error
		allowed, err = f.store.ItemIDsByCategories(ctx, categories)
		if err != nil {
			return nil, fmt.Errorf("resolve category scope: %w", err)
		}
		if len(allowed) == 0 {
			return nil, nil
		}
	}

	var hits []database.PassageHit
	afterItem := uuid.Nil
	afterChunk := -1

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := f.store.PassageEmbeddingPage(ctx, afterItem, afterChunk, batchSize)
		if err != nil {
			return nil, fmt.Errorf("load embedding batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			if allowed != nil {
				if _, ok := allowed[row.ItemID]; !ok {
					continue
				}
			}
			vec, err := parseVector(row.EmbeddingRaw)
			if err != nil {
				// Malformed stored embedding degrades the result, never
				// the whole search.
				f.logger.Warn("Skipping passage with unparseable embedding",
					zap.String("item_id", row.ItemID.String()),
					zap.Int("chunk_index", row.ChunkIndex),
					zap.Error(err))
				continue
			}
			score := CosineSimilarity(queryVec, vec)
			if score < minScore {
				continue
			}
			hits = append(hits, database.PassageHit{
				ItemID:     row.ItemID,
				ChunkIndex: row.ChunkIndex,
				Title:      row.Title,
				Content:    row.Content,
				Score:      score,
			})
		}

		last := batch[len(batch)-1]
		afterItem = last.ItemID
		afterChunk = last.ChunkIndex
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			if hits[i].ItemID == hits[j].ItemID {
				return hits[i].ChunkIndex < hits[j].ChunkIndex
			}
			return hits[i].ItemID.String() < hits[j].ItemID.String()
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// parseVector decodes pgvector's text representation, "[0.1,0.2,...]".
func parseVector(raw string) ([]float32, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, fmt.Errorf("not a vector literal: %q", truncateForLog(raw))
	}
	inner := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	if inner == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	parts := strings.Split(inner, ",")
	vec := make([]float32, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		vec[i] = float32(v)
	}
	return vec, nil
}

func truncateForLog(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
