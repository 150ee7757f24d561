package retrieval

import (
	"context"
	"sort"
	"sync"

	"fitcoach/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// passageKey is the dedup identity of a candidate.
type passageKey struct {
	itemID     uuid.UUID
	chunkIndex int
}

// retrieveCandidates walks the strategy states in order:
//
//	ENTITY   - title search on recognized muscle keywords; short-circuits
//	           when it lands enough matches, skipping vector search entirely
//	CATEGORY - category-scoped lexical + vector search for program/myth asks
//	BROAD    - corpus-wide vector search with a self-relaxing floor
//	FALLBACK - bare AND-keyword search when everything else came up empty
//
// Candidates from all visited states are merged, deduplicated, and
// diversified before truncation to limit.
func (e *Engine) retrieveCandidates(ctx context.Context, query string, intent Intent, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	poolSize := e.poolSize(limit)
	groups := DetectMuscleGroups(query)

	var pool []Candidate

	// ENTITY: keyword-on-title beats semantic search for named, enumerable
	// body parts, and it is much cheaper.
	if len(groups) > 0 {
		hits, err := e.store.SearchTitles(ctx, entityTermsFor(groups), poolSize)
		if err != nil {
			e.logger.Warn("Title search failed, continuing with remaining strategies", zap.Error(err))
		} else if len(hits) >= e.minTitleMatches() {
			cands := toCandidates(hits, StrategyEntity)
			return diversify(mergeCandidates(cands), limit, e.perSourceCap()), nil
		} else {
			// Too few to stand alone, but a title match is still the
			// strongest signal we have; they join the pool and win score
			// ties in the merge.
			pool = append(pool, toCandidates(hits, StrategyEntity)...)
		}
	}

	variants := e.expandQuery(ctx, query, intent, groups)

	if intent == IntentProgramRequest || intent == IntentMythCheck {
		pool = append(pool, e.categorySearch(ctx, query, variants, poolSize)...)
	}

	pool = append(pool, e.broadSearch(ctx, variants, poolSize)...)

	if len(pool) == 0 {
		// Degrade gracefully instead of returning empty: plain conjunctive
		// keyword search with no category or vector constraint at all.
		hits, err := e.store.SearchPassages(ctx, extractTerms(query), nil, poolSize)
		if err != nil {
			e.logger.Warn("Keyword fallback failed", zap.Error(err))
		}
		pool = append(pool, toCandidates(hits, StrategyFallback)...)
	}

	return diversify(mergeCandidates(pool), limit, e.perSourceCap()), nil
}

// categorySearch runs the priority-category strategy: one scoped lexical
// search per priority category plus a scoped vector search per query
// variant, fanned out concurrently. Each goroutine only reads the corpus
// and writes its own slot; the merge afterwards is synchronous. Lexical
// ranks are boosted by category position so an equal-rank hit from an
// earlier-listed category wins the merge.
func (e *Engine) categorySearch(ctx context.Context, query string, variants []QueryVariant, poolSize int) []Candidate {
	categories := e.cfg.PriorityCategories
	if len(categories) == 0 {
		return nil
	}

	terms := extractTerms(query)
	results := make([][]Candidate, len(categories)+len(variants))
	var wg sync.WaitGroup

	for i, category := range categories {
		wg.Add(1)
		go func(slot int, category string, boost float64) {
			defer wg.Done()
			hits, err := e.store.SearchPassages(ctx, terms, []string{category}, poolSize)
			if err != nil {
				e.logger.Warn("Category-scoped keyword search failed",
					zap.String("category", category), zap.Error(err))
				return
			}
			cands := toCandidates(hits, StrategyCategory)
			for j := range cands {
				cands[j].Score *= boost
			}
			results[slot] = cands
		}(i, category, priorityBoost(i, len(categories)))
	}

	for i, variant := range variants {
		wg.Add(1)
		go func(slot int, v QueryVariant) {
			defer wg.Done()
			vec, err := e.embedQuery(ctx, v.Text)
			if err != nil {
				e.logger.Warn("Embedding failed for variant, skipping",
					zap.String("kind", variantKindName(v.Kind)), zap.Error(err))
				return
			}
			hits, err := e.topK(ctx, vec, categories, poolSize, e.cfg.SimilarityThreshold)
			if err != nil {
				e.logger.Warn("Category-scoped vector search failed", zap.Error(err))
				return
			}
			results[slot] = toCandidates(hits, StrategyCategory)
		}(len(categories)+i, variant)
	}

	wg.Wait()

	var merged []Candidate
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged
}

// priorityBoost scales a lexical rank by the category's position in the
// priority list. The step is small on purpose: priority breaks near-ties,
// it does not override a clearly better match from a later category.
func priorityBoost(index, total int) float64 {
	return 1 + 0.05*float64(total-1-index)
}

// broadSearch runs corpus-wide vector search across all variants with a
// dynamic threshold: when a strict floor yields too few passages for a thin
// corpus area, the floor is lowered by a fixed step and the search retried,
// a bounded number of times.
func (e *Engine) broadSearch(ctx context.Context, variants []QueryVariant, poolSize int) []Candidate {
	floor := e.cfg.SimilarityThreshold
	step := e.cfg.ThresholdStep
	if step <= 0 {
		step = 0.1
	}
	attempts := e.cfg.ThresholdMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	minAcceptable := e.cfg.MinAcceptableResults
	if minAcceptable <= 0 {
		minAcceptable = 1
	}

	// Embed once; only the floor changes between attempts.
	type embedded struct {
		vec []float32
	}
	vectors := make([]embedded, 0, len(variants))
	for _, v := range variants {
		vec, err := e.embedQuery(ctx, v.Text)
		if err != nil {
			e.logger.Warn("Embedding failed for variant, skipping",
				zap.String("kind", variantKindName(v.Kind)), zap.Error(err))
			continue
		}
		vectors = append(vectors, embedded{vec: vec})
	}
	if len(vectors) == 0 {
		return nil
	}

	for attempt := 0; attempt < attempts; attempt++ {
		results := make([][]Candidate, len(vectors))
		var wg sync.WaitGroup
		for i, emb := range vectors {
			wg.Add(1)
			go func(slot int, vec []float32, minScore float64) {
				defer wg.Done()
				hits, err := e.topK(ctx, vec, nil, poolSize, minScore)
				if err != nil {
					e.logger.Warn("Broad vector search failed", zap.Error(err))
					return
				}
				results[slot] = toCandidates(hits, StrategyBroad)
			}(i, emb.vec, floor)
		}
		wg.Wait()

		var pool []Candidate
		for _, r := range results {
			pool = append(pool, r...)
		}
		merged := mergeCandidates(pool)
		if len(merged) >= minAcceptable || attempt == attempts-1 {
			return merged
		}

		floor -= step
		e.logger.Debug("Relaxing similarity floor",
			zap.Float64("floor", floor), zap.Int("attempt", attempt+2))
	}
	return nil
}

// topK prefers the database's indexed nearest-neighbor operator and falls
// back to explicit batched cosine similarity when it is unavailable or
// fails. Both rank identically within floating-point tolerance.
func (e *Engine) topK(ctx context.Context, vec []float32, categories []string, k int, minScore float64) ([]database.PassageHit, error) {
	if !e.cfg.DisableNativeVector {
		hits, err := e.native.TopK(ctx, vec, categories, k, minScore)
		if err == nil {
			return hits, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		e.logger.Warn("Native vector search failed, using cosine fallback", zap.Error(err))
	}
	return e.fallback.TopK(ctx, vec, categories, k, minScore)
}

// mergeCandidates deduplicates a pool by (itemID, chunkIndex), keeps the
// best score per passage, sorts by score descending, and breaks ties in
// favor of the more specific strategy. It is idempotent: merging a merged
// pool changes nothing.
func mergeCandidates(pool []Candidate) []Candidate {
	best := make(map[passageKey]Candidate, len(pool))
	for _, cand := range pool {
		key := passageKey{cand.ItemID, cand.ChunkIndex}
		existing, ok := best[key]
		if !ok {
			best[key] = cand
			continue
		}
		if cand.Score > existing.Score ||
			(cand.Score == existing.Score && cand.Strategy < existing.Strategy) {
			best[key] = cand
		}
	}

	merged := make([]Candidate, 0, len(best))
	for _, cand := range best {
		merged = append(merged, cand)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].Strategy != merged[j].Strategy {
			return merged[i].Strategy < merged[j].Strategy
		}
		if merged[i].ItemID != merged[j].ItemID {
			return merged[i].ItemID.String() < merged[j].ItemID.String()
		}
		return merged[i].ChunkIndex < merged[j].ChunkIndex
	})
	return merged
}

// diversify truncates a merged, score-sorted pool to k entries in two
// passes: pass one takes at most perSourceCap passages per distinct source
// (first pass admits just one) until k or source exhaustion, pass two fills
// any remaining slots from the leftover pool by score. A single long,
// well-embedded document cannot crowd out every other source this way.
func diversify(sorted []Candidate, k int, perSourceCap int) []Candidate {
	if len(sorted) <= k {
		return sorted
	}
	if perSourceCap <= 0 {
		perSourceCap = 1
	}

	taken := make([]bool, len(sorted))
	perSource := make(map[uuid.UUID]int)
	result := make([]Candidate, 0, k)

	// Pass one: breadth over sources.
	for i, cand := range sorted {
		if len(result) >= k {
			break
		}
		if perSource[cand.ItemID] >= 1 {
			continue
		}
		perSource[cand.ItemID]++
		taken[i] = true
		result = append(result, cand)
	}

	// Pass two: top up from the leftovers, still respecting the per-source
	// cap while alternatives remain, then unconditionally.
	for _, capped := range []bool{true, false} {
		for i, cand := range sorted {
			if len(result) >= k {
				break
			}
			if taken[i] {
				continue
			}
			if capped && perSource[cand.ItemID] >= perSourceCap {
				continue
			}
			perSource[cand.ItemID]++
			taken[i] = true
			result = append(result, cand)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		if result[i].ItemID != result[j].ItemID {
			return result[i].ItemID.String() < result[j].ItemID.String()
		}
		return result[i].ChunkIndex < result[j].ChunkIndex
	})
	return result
}

func toCandidates(hits []database.PassageHit, strategy Strategy) []Candidate {
	cands := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		cands = append(cands, Candidate{
			ItemID:      hit.ItemID,
			ChunkIndex:  hit.ChunkIndex,
			SourceTitle: hit.Title,
			Content:     hit.Content,
			Score:       hit.Score,
			Strategy:    strategy,
		})
	}
	return cands
}

func variantKindName(kind VariantKind) string {
	switch kind {
	case VariantEntity:
		return "entity"
	case VariantHypothetical:
		return "hypothetical"
	case VariantParameters:
		return "parameters"
	default:
		return "direct"
	}
}

func (e *Engine) poolSize(limit int) int {
	multiplier := e.cfg.PoolMultiplier
	if multiplier < 3 {
		multiplier = 3
	}
	minimum := e.cfg.PoolMinimum
	if minimum < 15 {
		minimum = 15
	}
	size := limit * multiplier
	if size < minimum {
		size = minimum
	}
	return size
}

func (e *Engine) minTitleMatches() int {
	if e.cfg.MinTitleMatches > 0 {
		return e.cfg.MinTitleMatches
	}
	return 3
}

func (e *Engine) perSourceCap() int {
	if e.cfg.PerSourceCap > 0 {
		return e.cfg.PerSourceCap
	}
	return 2
}
