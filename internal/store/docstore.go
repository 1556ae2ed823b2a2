package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// DocStore persists documents and their chunks in SQLite. List-valued
// fields are stored as JSON arrays in TEXT columns; absent optional
// fields are stored as empty strings and mapped back on read.
type DocStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

const docStoreSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	source_path  TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	geo          TEXT NOT NULL DEFAULT '',
	currency     TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL DEFAULT '',
	effective_at TEXT NOT NULL DEFAULT '',
	expires_at   TEXT NOT NULL DEFAULT '',
	authority    REAL NOT NULL DEFAULT 0,
	products     TEXT NOT NULL DEFAULT '[]',
	categories   TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS chunks (
	id              TEXT PRIMARY KEY,
	doc_id          TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal         INTEGER NOT NULL,
	text            TEXT NOT NULL,
	token_count     INTEGER NOT NULL DEFAULT 0,
	has_numbers     INTEGER NOT NULL DEFAULT 0,
	has_currency    INTEGER NOT NULL DEFAULT 0,
	start_line      INTEGER NOT NULL DEFAULT 0,
	end_line        INTEGER NOT NULL DEFAULT 0,
	start_char      INTEGER NOT NULL DEFAULT 0,
	end_char        INTEGER NOT NULL DEFAULT 0,
	embedding_model TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id, ordinal);
`

const documentColumns = `id, title, source_url, source_path, kind, language, geo, currency,
	published_at, updated_at, effective_at, expires_at, authority, products, categories`

const chunkColumns = `id, doc_id, ordinal, text, token_count, has_numbers, has_currency,
	start_line, end_line, start_char, end_char, embedding_model`

// NewDocStore opens (or creates) the SQLite store at path. An empty
// path opens an in-memory database for testing.
func NewDocStore(path string) (*DocStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	// Single writer to prevent lock contention with modernc.org/sqlite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(docStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DocStore{db: db}, nil
}

// PutDocument upserts a document and replaces its chunks atomically.
func (s *DocStore) PutDocument(ctx context.Context, doc *Document, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("document store is closed")
	}

	products, err := encodeStrings(doc.Products)
	if err != nil {
		return fmt.Errorf("encode products: %w", err)
	}
	categories, err := encodeStrings(doc.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			source_url = excluded.source_url,
			source_path = excluded.source_path,
			kind = excluded.kind,
			language = excluded.language,
			geo = excluded.geo,
			currency = excluded.currency,
			published_at = excluded.published_at,
			updated_at = excluded.updated_at,
			effective_at = excluded.effective_at,
			expires_at = excluded.expires_at,
			authority = excluded.authority,
			products = excluded.products,
			categories = excluded.categories`,
		doc.ID, doc.Title, doc.SourceURL, doc.SourcePath, doc.Kind,
		doc.Language, doc.Geo, doc.Currency,
		doc.PublishedAt, doc.UpdatedAt, doc.EffectiveAt, doc.ExpiresAt,
		doc.Authority, products, categories)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear chunks for %s: %w", doc.ID, err)
	}

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (`+chunkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocID, c.Ordinal, c.Text,
			c.TokenCount, c.HasNumbers, c.HasCurrency,
			c.StartLine, c.EndLine, c.StartChar, c.EndChar, c.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// GetDocument returns the document with the given ID, or nil if absent.
func (s *DocStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("document store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// AllDocuments returns every document, ordered by ID.
func (s *DocStore) AllDocuments(ctx context.Context) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("document store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetChunk returns a single chunk by ID, or nil if absent.
func (s *DocStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("document store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", id, err)
	}
	return c, nil
}

// GetChunks resolves chunk IDs, preserving input order. Unknown IDs
// are skipped rather than erroring; callers treat the index as the
// source of truth for what exists.
func (s *DocStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	chunks := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChunk(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// ChunksForDoc returns the first limit chunks of a document in ordinal
// order. limit <= 0 returns all chunks.
func (s *DocStore) ChunksForDoc(ctx context.Context, docID string, limit int) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("document store is closed")
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE doc_id = ? ORDER BY ordinal`
	args := []any{docID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunks for %s: %w", docID, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteDocument removes a document and its chunks.
func (s *DocStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("document store is closed")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// CountDocuments returns the number of stored documents.
func (s *DocStore) CountDocuments(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM documents`)
}

// CountChunks returns the number of stored chunks.
func (s *DocStore) CountChunks(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM chunks`)
}

func (s *DocStore) count(ctx context.Context, query string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("document store is closed")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *DocStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var products, categories string
	err := row.Scan(&doc.ID, &doc.Title, &doc.SourceURL, &doc.SourcePath,
		&doc.Kind, &doc.Language, &doc.Geo, &doc.Currency,
		&doc.PublishedAt, &doc.UpdatedAt, &doc.EffectiveAt, &doc.ExpiresAt,
		&doc.Authority, &products, &categories)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}

	if doc.Products, err = decodeStrings(products); err != nil {
		return nil, fmt.Errorf("decode products for %s: %w", doc.ID, err)
	}
	if doc.Categories, err = decodeStrings(categories); err != nil {
		return nil, fmt.Errorf("decode categories for %s: %w", doc.ID, err)
	}
	return &doc, nil
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.DocID, &c.Ordinal, &c.Text,
		&c.TokenCount, &c.HasNumbers, &c.HasCurrency,
		&c.StartLine, &c.EndLine, &c.StartChar, &c.EndChar, &c.EmbeddingModel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}
