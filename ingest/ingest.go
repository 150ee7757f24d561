package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"fitcoach/config"
	"fitcoach/database"
	apperrors "fitcoach/errors"
	"fitcoach/llmclient"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// Ingestor writes corpus items and their passages. It is the only part of
// the system that mutates the corpus; the retrieval engine is a pure
// reader.
type Ingestor struct {
	cfg      *config.Config
	store    *database.PostgresStore
	llm      *llmclient.Client
	logger   *zap.Logger
	splitter SentenceSplitter
}

func New(cfg *config.Config, store *database.PostgresStore, llm *llmclient.Client, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		cfg:      cfg,
		store:    store,
		llm:      llm,
		logger:   logger,
		splitter: NewRegexSentenceSplitter(),
	}
}

// IngestText chunks a document, embeds each passage, and publishes the item.
// The item stays pending until every passage is stored, then flips to
// ready; any fatal error flips it to failed so a half-ingested item never
// becomes searchable. A failed embedding is not fatal: the passage is
// stored without a vector and remains reachable through keyword search.
func (g *Ingestor) IngestText(ctx context.Context, title, text string, categories []string) (uuid.UUID, error) {
	text = strings.TrimSpace(text)
	if title == "" || text == "" {
		return uuid.Nil, apperrors.WrapError(apperrors.ErrInvalidInput, "title and text are required")
	}

	itemID := uuid.New()
	if err := g.store.CreateCorpusItem(ctx, itemID, title); err != nil {
		return uuid.Nil, err
	}

	chunks := ChunkText(g.splitter, text, g.cfg.ChunkTokens, g.cfg.ChunkOverlapTokens)
	if len(chunks) == 0 {
		g.failItem(ctx, itemID)
		return uuid.Nil, apperrors.WrapError(apperrors.ErrInvalidInput, "document produced no chunks")
	}

	for idx, chunk := range chunks {
		embedding, err := g.llm.Embed(ctx, chunk)
		if err != nil {
			// Only a definite per-chunk rejection degrades to keyword-only
			// search; cancellation and a down embedding server abort so an
			// outage cannot quietly produce a vector-less corpus.
			if ctx.Err() != nil || !apperrors.IsEmbeddingFailed(err) {
				g.failItem(ctx, itemID)
				return uuid.Nil, err
			}
			g.logger.Warn("Embedding rejected, storing passage without vector",
				zap.String("item_id", itemID.String()),
				zap.Int("chunk_index", idx),
				zap.Error(err))
			embedding = nil
		}
		if err := g.store.InsertPassage(ctx, itemID, idx, chunk, embedding); err != nil {
			g.failItem(ctx, itemID)
			return uuid.Nil, fmt.Errorf("store passage %d: %w", idx, err)
		}
	}

	for _, category := range categories {
		if err := g.store.TagItem(ctx, itemID, category); err != nil {
			g.failItem(ctx, itemID)
			return uuid.Nil, fmt.Errorf("tag item: %w", err)
		}
	}

	if err := g.store.SetItemStatus(ctx, itemID, database.ItemReady); err != nil {
		return uuid.Nil, fmt.Errorf("publish item: %w", err)
	}

	g.logger.Info("Ingested corpus item",
		zap.String("item_id", itemID.String()),
		zap.String("title", title),
		zap.Int("passages", len(chunks)))
	return itemID, nil
}

// IngestPDF extracts a PDF's plain text and ingests it as one corpus item.
func (g *Ingestor) IngestPDF(ctx context.Context, title, path string, categories []string) (uuid.UUID, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return uuid.Nil, fmt.Errorf("extract pdf text: %w", err)
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return uuid.Nil, fmt.Errorf("read pdf text: %w", err)
	}

	return g.IngestText(ctx, title, buf.String(), categories)
}

func (g *Ingestor) failItem(ctx context.Context, itemID uuid.UUID) {
	if err := g.store.SetItemStatus(ctx, itemID, database.ItemFailed); err != nil {
		g.logger.Warn("Failed to mark item as failed",
			zap.String("item_id", itemID.String()), zap.Error(err))
	}
}
