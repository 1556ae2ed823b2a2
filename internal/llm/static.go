package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"
)

// StaticDimensions is the vector size of the hash-based embedder.
const StaticDimensions = 256

// StaticEmbedder generates embeddings by hashing tokens and character
// trigrams into a fixed-size vector. It needs no network and no model
// download, and the same text always produces the same vector, which
// makes retrieval tests reproducible. Semantic quality is limited to
// lexical overlap.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

// Weights for vector generation. Tokens dominate; trigrams add a
// little robustness to inflection and typos.
const (
	staticTokenWeight = 0.7
	staticNgramWeight = 0.3
	staticNgramSize   = 3
)

var staticTokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// staticStopWords holds high-frequency English words that carry no
// retrieval signal.
var staticStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "for": true,
	"is": true, "are": true, "was": true, "be": true, "it": true,
	"this": true, "that": true, "with": true, "as": true, "at": true,
	"by": true, "from": true, "do": true, "does": true, "how": true,
	"what": true, "when": true, "where": true, "can": true, "i": true,
	"my": true, "you": true, "your": true,
}

// NewStaticEmbedder creates a new hash-based embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates an embedding for a single text. Empty or whitespace
// input yields the zero vector.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	vector := make([]float32, StaticDimensions)

	for _, token := range staticTokenize(trimmed) {
		vector[hashToIndex(token, StaticDimensions)] += staticTokenWeight
	}
	for _, ngram := range extractNgrams(normalizeForNgrams(trimmed), staticNgramSize) {
		vector[hashToIndex(ngram, StaticDimensions)] += staticNgramWeight
	}

	normalizeUnit(vector)
	return vector, nil
}

// EmbedBatch embeds each text independently.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Dimensions returns the vector size.
func (e *StaticEmbedder) Dimensions() int { return StaticDimensions }

// ModelName identifies this embedder in cache keys and logs.
func (e *StaticEmbedder) ModelName() string { return "static-hash-v1" }

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func staticTokenize(text string) []string {
	words := staticTokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == "" || staticStopWords[lower] {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

func normalizeForNgrams(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return nil
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i+n <= len(text); i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(size))
}

func normalizeUnit(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
