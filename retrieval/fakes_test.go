package retrieval

import (
	"context"
	"fmt"

	"fitcoach/config"
	"fitcoach/database"
	"fitcoach/llmclient"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store for engine tests. Each field overrides
// one query path; nil fields return empty results.
type fakeStore struct {
	titleHits        []database.PassageHit
	passageHits      []database.PassageHit
	categoryPassages map[string][]database.PassageHit
	nearestHits      []database.PassageHit
	nearestErr       error
	embeddingRows    []database.EmbeddingRow
	categoryHits     []database.PassageHit
	categoryItems    map[uuid.UUID]struct{}
	vocabulary       []database.Exercise

	titleCalls   int
	passageCalls int
	nearestCalls int
	pageCalls    int
}

func (f *fakeStore) SearchPassages(ctx context.Context, terms []string, categories []string, limit int) ([]database.PassageHit, error) {
	f.passageCalls++
	if len(categories) == 1 && f.categoryPassages != nil {
		return limitHits(f.categoryPassages[categories[0]], limit), nil
	}
	return limitHits(f.passageHits, limit), nil
}

func (f *fakeStore) SearchTitles(ctx context.Context, entityNames []string, limit int) ([]database.PassageHit, error) {
	f.titleCalls++
	return limitHits(f.titleHits, limit), nil
}

func (f *fakeStore) NearestPassages(ctx context.Context, embedding []float32, categories []string, limit int, minScore float64) ([]database.PassageHit, error) {
	f.nearestCalls++
	if f.nearestErr != nil {
		return nil, f.nearestErr
	}
	var filtered []database.PassageHit
	for _, hit := range f.nearestHits {
		if hit.Score >= minScore {
			filtered = append(filtered, hit)
		}
	}
	return limitHits(filtered, limit), nil
}

func (f *fakeStore) PassageEmbeddingPage(ctx context.Context, afterItem uuid.UUID, afterChunk int, batchSize int) ([]database.EmbeddingRow, error) {
	f.pageCalls++
	var page []database.EmbeddingRow
	for _, row := range f.embeddingRows {
		if rowAfter(row, afterItem, afterChunk) {
			page = append(page, row)
			if len(page) >= batchSize {
				break
			}
		}
	}
	return page, nil
}

func rowAfter(row database.EmbeddingRow, afterItem uuid.UUID, afterChunk int) bool {
	cmp := compareUUID(row.ItemID, afterItem)
	if cmp != 0 {
		return cmp > 0
	}
	return row.ChunkIndex > afterChunk
}

func compareUUID(a, b uuid.UUID) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func (f *fakeStore) PassagesByCategory(ctx context.Context, category string, limit int) ([]database.PassageHit, error) {
	return limitHits(f.categoryHits, limit), nil
}

func (f *fakeStore) ItemIDsByCategories(ctx context.Context, categories []string) (map[uuid.UUID]struct{}, error) {
	return f.categoryItems, nil
}

func (f *fakeStore) ListApprovedExercises(ctx context.Context, muscleGroup string) ([]database.Exercise, error) {
	if muscleGroup == "" {
		return f.vocabulary, nil
	}
	var scoped []database.Exercise
	for _, ex := range f.vocabulary {
		if ex.MuscleGroup == muscleGroup {
			scoped = append(scoped, ex)
		}
	}
	return scoped, nil
}

func limitHits(hits []database.PassageHit, limit int) []database.PassageHit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

// fakeLLM stubs the external embedding and generation services.
type fakeLLM struct {
	embedding  []float32
	embedErr   error
	chatReply  string
	chatErr    error
	embedCalls int
	chatCalls  int
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llmclient.Message, temperature *float64) (string, error) {
	f.chatCalls++
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.chatReply, nil
}

func newTestEngine(t interface{ Fatalf(string, ...any) }, store Store, llm LLM) *Engine {
	logger, _ := zap.NewDevelopment()
	cfg := &config.Config{
		SimilarityThreshold:  0.5,
		ThresholdStep:        0.1,
		ThresholdMaxAttempts: 3,
		MinAcceptableResults: 1,
		MinTitleMatches:      3,
		MaxQueryVariants:     8,
		PerSourceCap:         2,
		PoolMultiplier:       3,
		PoolMinimum:          15,
		SimilarityBatchSize:  50,
		EmbeddingCacheSize:   16,
		ContextTokenBudget:   4096,
		InstructionShare:     0.3,
		RetrievedShare:       0.5,
		HistoryShare:         0.2,
		FoundationalCategory: "hypertrophy_principles",
		FoundationalLimit:    2,
		PriorityCategories:   []string{"hypertrophy_programs", "hypertrophy_principles", "myths"},
	}
	engine, err := New(cfg, store, llm, logger)
	if err != nil {
		t.Fatalf("failed to build test engine: %v", err)
	}
	return engine
}

func mustUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic(fmt.Sprintf("bad test uuid: %v", err))
	}
	return id
}
