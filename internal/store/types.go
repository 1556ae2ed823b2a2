// Package store is the persistence layer for the document corpus:
// a SQLite metadata store, BM25 indexes (Bleve) over chunk text and
// document metadata, and an HNSW vector index over chunk embeddings.
package store

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DocKind classifies a document within the corpus. The value is an
// open string; these constants cover the kinds the corpus ships with.
type DocKind = string

const (
	KindPromo      DocKind = "promo"
	KindDisclosure DocKind = "disclosure"
	KindTerms      DocKind = "terms"
	KindFAQ        DocKind = "faq"
	KindLanding    DocKind = "landing"
	KindForm       DocKind = "form"
	KindOther      DocKind = "other"
)

// Document is the unit of ingestion. Optional fields are empty when
// the source did not provide them; list fields are never nil.
// Authority is a stored score in [0, 1]; when the ingest payload
// leaves it at zero it is derived from the source domain and kind
// (see DefaultAuthority).
type Document struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Text        string   `json:"text"`
	SourceURL   string   `json:"source_url,omitempty"`
	SourcePath  string   `json:"source_path,omitempty"`
	Kind        DocKind  `json:"kind,omitempty"`
	Language    string   `json:"language,omitempty"` // BCP 47 tag, empty = unknown
	Geo         string   `json:"geo,omitempty"`      // market/region code
	Currency    string   `json:"currency,omitempty"` // ISO 4217 code
	PublishedAt string   `json:"published_at,omitempty"` // ISO date, empty = unknown
	UpdatedAt   string   `json:"updated_at,omitempty"`
	EffectiveAt string   `json:"effective_at,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	Authority   float64  `json:"authority,omitempty"`
	Products    []string `json:"products"`
	Categories  []string `json:"categories"`
}

// FreshnessDate is the date used for recency scoring: updated_at when
// present, falling back to published_at.
func (d *Document) FreshnessDate() string {
	if d.UpdatedAt != "" {
		return d.UpdatedAt
	}
	return d.PublishedAt
}

// Chunk is the unit of retrieval. Ordinal is the 0-based position of
// the chunk within its parent document; the line and character ranges
// locate the chunk in the document's original text. HasNumbers and
// HasCurrency are derived at ingest so ranking never re-scans text.
type Chunk struct {
	ID             string `json:"id"`
	DocID          string `json:"doc_id"`
	Ordinal        int    `json:"ordinal"`
	Text           string `json:"text"`
	TokenCount     int    `json:"token_count"`
	HasNumbers     bool   `json:"has_numbers"`
	HasCurrency    bool   `json:"has_currency"`
	StartLine      int    `json:"start_line"`
	EndLine        int    `json:"end_line"`
	StartChar      int    `json:"start_char"`
	EndChar        int    `json:"end_char"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

var (
	currencyPattern = regexp.MustCompile(`[$€£¥]\s?\d|USD|EUR|GBP|JPY`)
	numberPattern   = regexp.MustCompile(`\d`)
)

// AnnotateText derives the content flags and token count from the
// chunk's text.
func (c *Chunk) AnnotateText() {
	c.TokenCount = len(strings.Fields(c.Text))
	c.HasCurrency = currencyPattern.MatchString(c.Text)
	c.HasNumbers = numberPattern.MatchString(c.Text)
}

// kindAuthority grades how load-bearing a document kind tends to be:
// contractual and regulatory text outranks marketing copy.
var kindAuthority = map[DocKind]float64{
	KindDisclosure: 0.9,
	KindTerms:      0.85,
	KindFAQ:        0.7,
	KindForm:       0.6,
	KindOther:      0.5,
	KindLanding:    0.45,
	KindPromo:      0.3,
}

// DefaultAuthority derives a document authority score in [0, 1] as the
// average of a domain score (how trustworthy the source host looks)
// and a kind score. Unknown kinds score as KindOther.
func DefaultAuthority(doc *Document) float64 {
	kind, ok := kindAuthority[doc.Kind]
	if !ok {
		kind = kindAuthority[KindOther]
	}
	return clampUnit((domainAuthority(doc.SourceURL) + kind) / 2)
}

func domainAuthority(sourceURL string) float64 {
	if sourceURL == "" {
		return 0.5
	}
	u, err := url.Parse(sourceURL)
	if err != nil || u.Host == "" {
		return 0.5
	}
	if u.Scheme == "https" {
		return 0.8
	}
	return 0.6
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Filter restricts reads to documents matching every non-empty
// predicate: kind equality, plus at least one shared product and
// category. A zero Filter matches everything.
type Filter struct {
	Kind       DocKind  `json:"kind,omitempty"`
	Products   []string `json:"products,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Empty reports whether the filter constrains nothing.
func (f Filter) Empty() bool {
	return f.Kind == "" && len(f.Products) == 0 && len(f.Categories) == 0
}

// Match reports whether a document satisfies the filter. A nil
// document never matches a non-empty filter.
func (f Filter) Match(doc *Document) bool {
	if f.Empty() {
		return true
	}
	if doc == nil {
		return false
	}
	if f.Kind != "" && doc.Kind != f.Kind {
		return false
	}
	if len(f.Products) > 0 && !intersects(f.Products, doc.Products) {
		return false
	}
	if len(f.Categories) > 0 && !intersects(f.Categories, doc.Categories) {
		return false
	}
	return true
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// ChunkID builds the canonical chunk identifier for a document chunk.
func ChunkID(docID string, ordinal int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, ordinal)
}

// ParseChunkID splits a chunk identifier back into document ID and ordinal.
func ParseChunkID(id string) (docID string, ordinal int, err error) {
	i := strings.LastIndex(id, "_chunk_")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed chunk id %q", id)
	}
	ordinal, err = strconv.Atoi(id[i+len("_chunk_"):])
	if err != nil || ordinal < 0 {
		return "", 0, fmt.Errorf("malformed chunk id %q", id)
	}
	return id[:i], ordinal, nil
}

// VectorHit is a single KNN result. Score is cosine similarity mapped
// to [0, 1].
type VectorHit struct {
	ChunkID string
	Score   float64
}

// BM25Hit is a single lexical result over chunk text.
type BM25Hit struct {
	ChunkID string
	Score   float64
}

// MetaHit is a single lexical result over document metadata.
type MetaHit struct {
	DocID string
	Score float64
}

// Stats summarizes index contents, reported by the health endpoint.
type Stats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Vectors   int `json:"vectors"`
}
