package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
)

// ChunkIndex is a BM25 lexical index over chunk text, backed by Bleve.
type ChunkIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type chunkIndexDoc struct {
	Text string `json:"text"`
}

// NewChunkIndex opens (or creates) the chunk index at path. An empty
// path creates an in-memory index for testing.
func NewChunkIndex(path string) (*ChunkIndex, error) {
	m, err := chunkIndexMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk index: %w", err)
	}

	return &ChunkIndex{index: idx}, nil
}

func chunkIndexMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = en.AnalyzerName

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = en.AnalyzerName

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", textField)
	m.DefaultMapping = doc

	return m, nil
}

// Index adds or updates chunks in a single batch.
func (ci *ChunkIndex) Index(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	if ci.closed {
		return fmt.Errorf("chunk index is closed")
	}

	batch := ci.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, chunkIndexDoc{Text: c.Text}); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	if err := ci.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	return nil
}

// Search returns up to limit chunks matching the query, scored by BM25.
// An empty query returns no hits.
func (ci *ChunkIndex) Search(ctx context.Context, query string, limit int) ([]BM25Hit, error) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	if ci.closed {
		return nil, fmt.Errorf("chunk index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []BM25Hit{}, nil
	}

	mq := bleve.NewMatchQuery(query)
	mq.SetField("text")

	req := bleve.NewSearchRequest(mq)
	req.Size = limit

	res, err := ci.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chunk search: %w", err)
	}

	hits := make([]BM25Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, BM25Hit{ChunkID: h.ID, Score: h.Score})
	}
	// Bleve orders by score but leaves equal-score order unspecified;
	// pin ties to chunk ID ascending.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return hits, nil
}

// Delete removes chunks from the index.
func (ci *ChunkIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	if ci.closed {
		return fmt.Errorf("chunk index is closed")
	}

	batch := ci.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := ci.index.Batch(batch); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (ci *ChunkIndex) Count() (int, error) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	if ci.closed {
		return 0, fmt.Errorf("chunk index is closed")
	}

	n, err := ci.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("chunk count: %w", err)
	}
	return int(n), nil
}

// Close releases the index.
func (ci *ChunkIndex) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if ci.closed {
		return nil
	}
	ci.closed = true
	return ci.index.Close()
}
