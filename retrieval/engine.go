package retrieval

import (
	"context"
	"fmt"

	"fitcoach/config"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Engine is the retrieval pipeline facade: query expansion, multi-strategy
// search, context assembly, and post-generation validation. One Engine is
// shared across requests; every call is stateless apart from the read-only
// corpus store and the query-embedding cache.
type Engine struct {
	cfg        *config.Config
	store      Store
	llm        LLM
	logger     *zap.Logger
	native     scorer
	fallback   scorer
	embedCache *lru.Cache
}

func New(cfg *config.Config, store Store, llm LLM, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("corpus store is required")
	}
	if llm == nil {
		return nil, fmt.Errorf("llm client is required")
	}

	cacheSize := cfg.EmbeddingCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	batchSize := cfg.SimilarityBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		llm:        llm,
		logger:     logger,
		native:     &nativeScorer{store: store},
		fallback:   &fallbackScorer{store: store, batchSize: batchSize, logger: logger},
		embedCache: cache,
	}, nil
}

// Retrieve turns a free-text question into a bounded, deduplicated,
// source-diverse context block ready for the generation call. A failed
// embedding or search is a failure of this request only; no corpus state
// is ever written, so retries are always safe.
func (e *Engine) Retrieve(ctx context.Context, query string, history []Turn, limit int) (ContextBlock, error) {
	intent := Classify(query, history)
	candidates, err := e.retrieveCandidates(ctx, query, intent, limit)
	if err != nil {
		return ContextBlock{}, fmt.Errorf("retrieve candidates: %w", err)
	}

	block := e.Assemble(ctx, candidates, intent, history)
	e.logger.Debug("Assembled retrieval context",
		zap.String("intent", intent.String()),
		zap.Int("passages", len(block.Passages)),
		zap.Int("sources", len(block.SourceTitles)),
		zap.Bool("no_grounding", block.NoGrounding))
	return block, nil
}

// embedQuery embeds text through the external service, memoizing results so
// repeated questions and shared variants inside a conversation do not
// re-embed.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.embedCache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := e.llm.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.embedCache.Add(text, vec)
	return vec, nil
}
