package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "fitcoach/errors"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ItemStatus is the lifecycle state of a corpus item. Only ready items are
// visible to search.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemReady   ItemStatus = "ready"
	ItemFailed  ItemStatus = "failed"
)

// CreateCorpusItem inserts a new item in pending state.
func (s *PostgresStore) CreateCorpusItem(ctx context.Context, itemID uuid.UUID, title string) error {
	const query = `
        INSERT INTO corpus_items (id, title, status, created_at)
        VALUES ($1, $2, 'pending', NOW())`

	if _, err := s.DB.ExecContext(ctx, query, itemID, title); err != nil {
		return fmt.Errorf("failed to create corpus item: %w", err)
	}
	return nil
}

// SetItemStatus transitions an item's lifecycle state.
func (s *PostgresStore) SetItemStatus(ctx context.Context, itemID uuid.UUID, status ItemStatus) error {
	const query = `UPDATE corpus_items SET status = $1 WHERE id = $2`

	result, err := s.DB.ExecContext(ctx, query, string(status), itemID)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.WrapErrorf(apperrors.ErrNotFound, "corpus item %s", itemID)
	}
	return nil
}

// InsertPassage stores one chunk of an item's text. The embedding may be nil
// when it has not been computed yet; such passages are invisible to the
// vector path but still reachable through keyword search once ready.
func (s *PostgresStore) InsertPassage(ctx context.Context, itemID uuid.UUID, chunkIndex int, content string, embedding []float32) error {
	const query = `
        INSERT INTO passages (item_id, chunk_index, content, embedding)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (item_id, chunk_index)
        DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`

	var vec any
	if len(embedding) > 0 {
		vec = pgvector.NewVector(embedding)
	}

	if _, err := s.DB.ExecContext(ctx, query, itemID, chunkIndex, content, vec); err != nil {
		return fmt.Errorf("failed to insert passage: %w", err)
	}
	return nil
}

// TagItem attaches a category to an item, creating the category on first use.
func (s *PostgresStore) TagItem(ctx context.Context, itemID uuid.UUID, category string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tag transaction: %w", err)
	}
	defer tx.Rollback()

	var categoryID int
	err = tx.QueryRowContext(ctx, `
        INSERT INTO categories (name) VALUES ($1)
        ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
        RETURNING id`, category).Scan(&categoryID)
	if err != nil {
		return fmt.Errorf("failed to ensure category: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO item_categories (item_id, category_id)
        VALUES ($1, $2)
        ON CONFLICT DO NOTHING`, itemID, categoryID)
	if err != nil {
		return fmt.Errorf("failed to tag item: %w", err)
	}

	return tx.Commit()
}

// GetItemTitle returns the title for a corpus item.
func (s *PostgresStore) GetItemTitle(ctx context.Context, itemID uuid.UUID) (string, error) {
	const query = `SELECT title FROM corpus_items WHERE id = $1`

	var title string
	err := s.DB.QueryRowContext(ctx, query, itemID).Scan(&title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperrors.WrapErrorf(apperrors.ErrNotFound, "corpus item %s", itemID)
		}
		return "", fmt.Errorf("failed to fetch item title: %w", err)
	}
	return title, nil
}
