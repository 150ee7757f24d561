package retrieval

import (
	"context"

	"fitcoach/database"
	"fitcoach/llmclient"

	"github.com/google/uuid"
)

// Strategy tags which search path produced a candidate. Lower values are
// more specific; ties on score are broken in favor of the more specific
// strategy.
type Strategy int

const (
	StrategyEntity Strategy = iota
	StrategyCategory
	StrategyBroad
	StrategyFallback
)

func (s Strategy) String() string {
	switch s {
	case StrategyEntity:
		return "entity"
	case StrategyCategory:
		return "category"
	case StrategyBroad:
		return "broad"
	case StrategyFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Candidate is a scored passage produced by one search strategy. It lives
// for a single retrieval call and is never persisted.
type Candidate struct {
	ItemID      uuid.UUID
	ChunkIndex  int
	SourceTitle string
	Content     string
	Score       float64
	Strategy    Strategy
}

// Turn is one prior message of the conversation, oldest first.
type Turn struct {
	Role    string
	Content string
}

// Citation identifies a passage the generated answer may reference.
type Citation struct {
	ItemID     uuid.UUID
	ChunkIndex int
	Title      string
}

// ContextBlock is the assembled prompt context handed to the generation
// layer together with the citations it is allowed to use.
type ContextBlock struct {
	Instructions string
	Text         string
	Citations    []Citation
	Passages     []Candidate
	SourceTitles []string
	NoGrounding  bool
}

// Store is the read surface the engine needs from the corpus database.
// *database.PostgresStore satisfies it.
type Store interface {
	SearchPassages(ctx context.Context, terms []string, categories []string, limit int) ([]database.PassageHit, error)
	SearchTitles(ctx context.Context, entityNames []string, limit int) ([]database.PassageHit, error)
	NearestPassages(ctx context.Context, embedding []float32, categories []string, limit int, minScore float64) ([]database.PassageHit, error)
	PassageEmbeddingPage(ctx context.Context, afterItem uuid.UUID, afterChunk int, batchSize int) ([]database.EmbeddingRow, error)
	PassagesByCategory(ctx context.Context, category string, limit int) ([]database.PassageHit, error)
	ItemIDsByCategories(ctx context.Context, categories []string) (map[uuid.UUID]struct{}, error)
	ListApprovedExercises(ctx context.Context, muscleGroup string) ([]database.Exercise, error)
}

// LLM is the opaque language-model surface: one call in, one vector or
// string out. *llmclient.Client satisfies it.
type LLM interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Chat(ctx context.Context, messages []llmclient.Message, temperature *float64) (string, error)
}
