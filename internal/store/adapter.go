package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Adapter is the single read/write surface over the corpus indexes.
// Retrieval code never talks to the underlying stores directly; every
// backend failure surfaces as an ERR_201 retrieval backend error so
// callers can degrade uniformly.
type Adapter struct {
	docs   *DocStore
	chunks *ChunkIndex
	meta   *MetaIndex
	vecs   *VectorIndex

	readTimeout    time.Duration
	embeddingModel string
}

// SetReadTimeout bounds each read operation. Zero disables the bound.
func (a *Adapter) SetReadTimeout(d time.Duration) {
	a.readTimeout = d
}

// SetEmbeddingModel records the model tag stamped onto chunks at
// ingest, so a later model change can identify stale vectors.
func (a *Adapter) SetEmbeddingModel(model string) {
	a.embeddingModel = model
}

func (a *Adapter) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.readTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.readTimeout)
}

// Open opens the persistent indexes under dataDir. The layout is
// fixed: documents.db, chunks.bleve, meta.bleve, vectors.hnsw.
func Open(dataDir string, vectorCfg VectorConfig) (*Adapter, error) {
	docs, err := NewDocStore(filepath.Join(dataDir, "documents.db"))
	if err != nil {
		return nil, everrors.New(everrors.ErrCodeIndexCorrupt, "open document store", err)
	}
	chunks, err := NewChunkIndex(filepath.Join(dataDir, "chunks.bleve"))
	if err != nil {
		_ = docs.Close()
		return nil, everrors.New(everrors.ErrCodeIndexCorrupt, "open chunk index", err)
	}
	meta, err := NewMetaIndex(filepath.Join(dataDir, "meta.bleve"))
	if err != nil {
		_ = docs.Close()
		_ = chunks.Close()
		return nil, everrors.New(everrors.ErrCodeIndexCorrupt, "open meta index", err)
	}
	vecs, err := NewVectorIndex(vectorCfg)
	if err != nil {
		_ = docs.Close()
		_ = chunks.Close()
		_ = meta.Close()
		return nil, everrors.New(everrors.ErrCodeIndexCorrupt, "open vector index", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if fileExists(vectorPath) {
		if err := vecs.Load(vectorPath); err != nil {
			_ = docs.Close()
			_ = chunks.Close()
			_ = meta.Close()
			return nil, everrors.New(everrors.ErrCodeIndexCorrupt, "load vector index", err)
		}
	}

	return &Adapter{docs: docs, chunks: chunks, meta: meta, vecs: vecs}, nil
}

// OpenMemory builds a fully in-memory adapter, used by tests and the
// inline ingest path.
func OpenMemory(vectorCfg VectorConfig) (*Adapter, error) {
	docs, err := NewDocStore("")
	if err != nil {
		return nil, err
	}
	chunks, err := NewChunkIndex("")
	if err != nil {
		return nil, err
	}
	meta, err := NewMetaIndex("")
	if err != nil {
		return nil, err
	}
	vecs, err := NewVectorIndex(vectorCfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{docs: docs, chunks: chunks, meta: meta, vecs: vecs}, nil
}

// AddDocument ingests a document: chunk texts become chunks with
// sequential ordinals, vectors align with chunkTexts by position.
// Chunks are annotated with token counts, content flags, and their
// position in the document text; a zero document authority is filled
// in from the source domain and kind.
func (a *Adapter) AddDocument(ctx context.Context, doc *Document, chunkTexts []string, vectors [][]float32) error {
	if doc.Authority == 0 {
		doc.Authority = DefaultAuthority(doc)
	}
	doc.Authority = clampUnit(doc.Authority)

	chunks := make([]*Chunk, len(chunkTexts))
	ids := make([]string, len(chunkTexts))
	startChar, startLine := 0, 1
	for i, text := range chunkTexts {
		id := ChunkID(doc.ID, i)
		c := &Chunk{
			ID:             id,
			DocID:          doc.ID,
			Ordinal:        i,
			Text:           text,
			StartChar:      startChar,
			EndChar:        startChar + len(text),
			StartLine:      startLine,
			EndLine:        startLine + strings.Count(text, "\n"),
			EmbeddingModel: a.embeddingModel,
		}
		c.AnnotateText()
		chunks[i] = c
		ids[i] = id

		// Successive chunks are assumed to abut in the source text,
		// separated by a blank line.
		startChar = c.EndChar + len("\n\n")
		startLine = c.EndLine + 2
	}

	if err := a.docs.PutDocument(ctx, doc, chunks); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "store document", err)
	}
	if err := a.chunks.Index(ctx, chunks); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "index chunk text", err)
	}
	if err := a.meta.Index(ctx, doc); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "index document metadata", err)
	}
	if len(vectors) > 0 {
		if err := a.vecs.Add(ctx, ids, vectors); err != nil {
			return everrors.New(everrors.ErrCodeRetrievalBackend, "index vectors", err)
		}
	}
	return nil
}

// filterOverfetch widens filtered searches so a k-deep result survives
// the post-hoc document predicate.
const filterOverfetch = 4

// docMatcher caches document lookups while filtering hits from one
// search call.
type docMatcher struct {
	docs   *DocStore
	filter Filter
	cache  map[string]*Document
}

func (m *docMatcher) matchChunk(ctx context.Context, chunkID string) (bool, error) {
	docID, _, err := ParseChunkID(chunkID)
	if err != nil {
		return false, nil
	}
	doc, ok := m.cache[docID]
	if !ok {
		doc, err = m.docs.GetDocument(ctx, docID)
		if err != nil {
			return false, err
		}
		m.cache[docID] = doc
	}
	return m.filter.Match(doc), nil
}

// KNN returns the k nearest chunks to the query embedding whose parent
// document matches the filter. Filtered searches over-fetch before
// applying the predicate, so matching chunks are found even when
// non-matching neighbors outrank them.
func (a *Adapter) KNN(ctx context.Context, query []float32, k int, filter Filter) ([]VectorHit, error) {
	ctx, cancel := a.readCtx(ctx)
	defer cancel()

	fetch := k
	if !filter.Empty() {
		fetch = k * filterOverfetch
	}
	hits, err := a.vecs.Search(ctx, query, fetch)
	if err != nil {
		return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "vector search", err)
	}
	if filter.Empty() {
		return hits, nil
	}

	m := &docMatcher{docs: a.docs, filter: filter, cache: map[string]*Document{}}
	kept := hits[:0]
	for _, h := range hits {
		ok, err := m.matchChunk(ctx, h.ChunkID)
		if err != nil {
			return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "filter vector hits", err)
		}
		if ok {
			kept = append(kept, h)
		}
		if len(kept) == k {
			break
		}
	}
	return kept, nil
}

// SearchChunks runs a BM25 query over chunk text, keeping only hits
// whose parent document matches the filter.
func (a *Adapter) SearchChunks(ctx context.Context, query string, k int, filter Filter) ([]BM25Hit, error) {
	ctx, cancel := a.readCtx(ctx)
	defer cancel()

	fetch := k
	if !filter.Empty() {
		fetch = k * filterOverfetch
	}
	hits, err := a.chunks.Search(ctx, query, fetch)
	if err != nil {
		return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "chunk search", err)
	}
	if filter.Empty() {
		return hits, nil
	}

	m := &docMatcher{docs: a.docs, filter: filter, cache: map[string]*Document{}}
	kept := hits[:0]
	for _, h := range hits {
		ok, err := m.matchChunk(ctx, h.ChunkID)
		if err != nil {
			return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "filter chunk hits", err)
		}
		if ok {
			kept = append(kept, h)
		}
		if len(kept) == k {
			break
		}
	}
	return kept, nil
}

// SearchMeta runs a BM25 query over document metadata and expands each
// matching document into its first chunksPerDoc chunks. The document's
// metadata score carries over to each expanded chunk. Documents
// failing the filter are dropped before expansion.
func (a *Adapter) SearchMeta(ctx context.Context, query string, kDocs, chunksPerDoc int, filter Filter) ([]BM25Hit, error) {
	ctx, cancel := a.readCtx(ctx)
	defer cancel()

	fetch := kDocs
	if !filter.Empty() {
		fetch = kDocs * filterOverfetch
	}
	docHits, err := a.meta.Search(ctx, query, fetch)
	if err != nil {
		return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "meta search", err)
	}

	var hits []BM25Hit
	kept := 0
	for _, dh := range docHits {
		if kept == kDocs {
			break
		}
		if !filter.Empty() {
			doc, err := a.docs.GetDocument(ctx, dh.DocID)
			if err != nil {
				return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "filter meta hits", err)
			}
			if !filter.Match(doc) {
				continue
			}
		}
		kept++
		chunks, err := a.docs.ChunksForDoc(ctx, dh.DocID, chunksPerDoc)
		if err != nil {
			return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "expand meta hit", err)
		}
		for _, c := range chunks {
			hits = append(hits, BM25Hit{ChunkID: c.ID, Score: dh.Score})
		}
	}
	return hits, nil
}

// Resolve maps chunk IDs to full chunks, preserving order and
// skipping IDs the store no longer knows.
func (a *Adapter) Resolve(ctx context.Context, ids []string) ([]*Chunk, error) {
	ctx, cancel := a.readCtx(ctx)
	defer cancel()
	chunks, err := a.docs.GetChunks(ctx, ids)
	if err != nil {
		return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "resolve chunks", err)
	}
	return chunks, nil
}

// Document returns the document metadata for a doc ID, or nil.
func (a *Adapter) Document(ctx context.Context, docID string) (*Document, error) {
	ctx, cancel := a.readCtx(ctx)
	defer cancel()
	doc, err := a.docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, everrors.New(everrors.ErrCodeRetrievalBackend, "load document", err)
	}
	return doc, nil
}

// DeleteDocument removes a document from every index.
func (a *Adapter) DeleteDocument(ctx context.Context, docID string) error {
	chunks, err := a.docs.ChunksForDoc(ctx, docID, 0)
	if err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "list chunks", err)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}

	if err := a.chunks.Delete(ctx, ids); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "remove chunk text", err)
	}
	if err := a.vecs.Delete(ctx, ids); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "remove vectors", err)
	}
	if err := a.meta.Delete(ctx, docID); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "remove metadata", err)
	}
	if err := a.docs.DeleteDocument(ctx, docID); err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "remove document", err)
	}
	return nil
}

// Stats reports corpus sizes.
func (a *Adapter) Stats(ctx context.Context) (Stats, error) {
	docs, err := a.docs.CountDocuments(ctx)
	if err != nil {
		return Stats{}, everrors.New(everrors.ErrCodeRetrievalBackend, "count documents", err)
	}
	chunks, err := a.docs.CountChunks(ctx)
	if err != nil {
		return Stats{}, everrors.New(everrors.ErrCodeRetrievalBackend, "count chunks", err)
	}
	return Stats{Documents: docs, Chunks: chunks, Vectors: a.vecs.Count()}, nil
}

// Save persists the vector index under dataDir. The SQLite and Bleve
// stores persist themselves as they go.
func (a *Adapter) Save(dataDir string) error {
	return a.vecs.Save(filepath.Join(dataDir, "vectors.hnsw"))
}

// Close closes every underlying store, returning the first error.
func (a *Adapter) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{a.vecs, a.meta, a.chunks, a.docs} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
