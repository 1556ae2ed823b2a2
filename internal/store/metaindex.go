package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
)

// MetaIndex is a BM25 index over document-level metadata: title, kind,
// products, and categories. It answers queries that name a product or
// topic without repeating the words of any particular chunk.
type MetaIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type metaIndexDoc struct {
	Title      string `json:"title"`
	Kind       string `json:"kind"`
	Products   string `json:"products"`
	Categories string `json:"categories"`
}

// NewMetaIndex opens (or creates) the metadata index at path. An empty
// path creates an in-memory index for testing.
func NewMetaIndex(path string) (*MetaIndex, error) {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = en.AnalyzerName

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open meta index: %w", err)
	}

	return &MetaIndex{index: idx}, nil
}

// Index adds or updates a document's metadata.
func (mi *MetaIndex) Index(ctx context.Context, doc *Document) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.closed {
		return fmt.Errorf("meta index is closed")
	}

	entry := metaIndexDoc{
		Title:      doc.Title,
		Kind:       doc.Kind,
		Products:   strings.Join(doc.Products, " "),
		Categories: strings.Join(doc.Categories, " "),
	}
	if err := mi.index.Index(doc.ID, entry); err != nil {
		return fmt.Errorf("index metadata for %s: %w", doc.ID, err)
	}
	return nil
}

// Search returns up to limit documents whose metadata matches the
// query. An empty query returns no hits.
func (mi *MetaIndex) Search(ctx context.Context, query string, limit int) ([]MetaHit, error) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	if mi.closed {
		return nil, fmt.Errorf("meta index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []MetaHit{}, nil
	}

	mq := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(mq)
	req.Size = limit

	res, err := mi.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("meta search: %w", err)
	}

	hits := make([]MetaHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, MetaHit{DocID: h.ID, Score: h.Score})
	}
	// Equal-score order out of Bleve is unspecified; pin ties to doc
	// ID ascending.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	return hits, nil
}

// Delete removes a document's metadata from the index.
func (mi *MetaIndex) Delete(ctx context.Context, docID string) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.closed {
		return fmt.Errorf("meta index is closed")
	}
	if err := mi.index.Delete(docID); err != nil {
		return fmt.Errorf("delete metadata for %s: %w", docID, err)
	}
	return nil
}

// Close releases the index.
func (mi *MetaIndex) Close() error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.closed {
		return nil
	}
	mi.closed = true
	return mi.index.Close()
}
