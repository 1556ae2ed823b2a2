// Package retrieval implements hybrid retrieval: parallel dense and
// lexical sub-retrievers fused with Reciprocal Rank Fusion, followed
// by a bounded heuristic re-rank.
package retrieval

import "github.com/evidentia-ai/evidentia/internal/store"

// Passage is a ranked retrieval result with per-signal diagnostic
// scores. Rank is 1-indexed within the final list.
type Passage struct {
	Chunk *store.Chunk `json:"chunk"`
	Doc   *store.Document `json:"doc,omitempty"`

	Rank       int     `json:"rank"`
	FinalScore float64 `json:"final_score"`
	RRFScore   float64 `json:"rrf_score"`
	Heuristic  float64 `json:"heuristic"`

	// Raw sub-retriever signals. Zero when the passage was absent
	// from that list.
	DenseScore float64 `json:"dense_score"`
	BM25Score  float64 `json:"bm25_score"`
	MetaScore  float64 `json:"meta_score"`

	// DenseNorm is the dense score min-max normalized within the
	// fusion pool; used for tie-breaking.
	DenseNorm float64 `json:"dense_norm"`
}

// Diagnostics describes how a retrieval ran, for logging and the
// router's RETRIEVE metrics.
type Diagnostics struct {
	DenseCandidates int  `json:"dense_candidates"`
	ChunkCandidates int  `json:"chunk_candidates"`
	MetaCandidates  int  `json:"meta_candidates"`
	PoolSize        int  `json:"pool_size"`
	DegradedToBM25  bool `json:"degraded_to_bm25"`

	// FailedRetrievers names sub-retrievers that errored; the run
	// still succeeds while at least one contributed.
	FailedRetrievers []string `json:"failed_retrievers,omitempty"`
}

// Result is the retriever's full response.
type Result struct {
	Passages    []*Passage  `json:"passages"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// TopSimilarity reports the routing similarity signal in [0, 1]: the
// best dense similarity across passages. In BM25-only mode no dense
// signal exists, so the top lexical score is squashed into [0, 1) as
// s/(s+1) to keep routing monotone in retrieval confidence.
func (r *Result) TopSimilarity() float64 {
	if r == nil || len(r.Passages) == 0 {
		return 0
	}
	best := 0.0
	for _, p := range r.Passages {
		if p.DenseScore > best {
			best = p.DenseScore
		}
	}
	if best > 0 {
		return best
	}
	top := r.Passages[0].BM25Score
	if top <= 0 {
		top = r.Passages[0].MetaScore
	}
	if top <= 0 {
		return 0
	}
	return top / (top + 1)
}

// Filters restricts retrieval to documents matching every non-empty
// predicate. The predicate is enforced inside the store adapter's
// search operations, so filtered-out candidates never occupy pool
// slots; the definition lives with the store.
type Filters = store.Filter
