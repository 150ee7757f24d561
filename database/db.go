package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

type PostgresStore struct {
	DB     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(connStr string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to the database")
	return &PostgresStore{DB: db, logger: logger}, nil
}

// EnsureSchema creates the required tables if they do not already exist.
// Passage identity is (item_id, chunk_index); chunk indices are contiguous
// within an item and only passages of ready items are searchable.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS corpus_items (
            id UUID PRIMARY KEY,
            title TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending'
                CHECK (status IN ('pending', 'ready', 'failed')),
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		`CREATE TABLE IF NOT EXISTS passages (
            item_id UUID REFERENCES corpus_items(id) ON DELETE CASCADE,
            chunk_index INT NOT NULL,
            content TEXT NOT NULL,
            embedding vector,
            PRIMARY KEY (item_id, chunk_index)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_passages_content_fts
            ON passages USING GIN (to_tsvector('english', content))`,
		`CREATE TABLE IF NOT EXISTS categories (
            id SERIAL PRIMARY KEY,
            name TEXT UNIQUE NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS item_categories (
            item_id UUID REFERENCES corpus_items(id) ON DELETE CASCADE,
            category_id INT REFERENCES categories(id) ON DELETE CASCADE,
            PRIMARY KEY (item_id, category_id)
        )`,
		`CREATE TABLE IF NOT EXISTS approved_exercises (
            id SERIAL PRIMARY KEY,
            name TEXT UNIQUE NOT NULL,
            muscle_group TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_approved_exercises_muscle
            ON approved_exercises(muscle_group)`,
	}

	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}
