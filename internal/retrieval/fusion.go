package retrieval

import "sort"

// DefaultRRFConstant is the standard RRF damping parameter. c=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// rankedList is one sub-retriever's output, already ordered best
// first.
type rankedList struct {
	name string
	ids  []string
	// scores holds the raw per-signal score aligned with ids.
	scores []float64
}

// fusedCandidate accumulates RRF contributions for one chunk.
type fusedCandidate struct {
	chunkID  string
	rrfScore float64

	denseScore float64
	bm25Score  float64
	metaScore  float64
}

// fuseRRF combines ranked lists by Reciprocal Rank Fusion:
//
//	RRF(p) = Σ over lists L containing p of 1 / (c + rank_L(p))
//
// with 1-indexed ranks. A passage absent from a list contributes
// nothing from it. The pool is the union of all lists, ordered by RRF
// descending with ties broken by chunk ID ascending, truncated to
// poolSize.
func fuseRRF(lists []rankedList, c int, poolSize int) []*fusedCandidate {
	if c <= 0 {
		c = DefaultRRFConstant
	}

	pool := make(map[string]*fusedCandidate)
	for _, list := range lists {
		for rank, id := range list.ids {
			cand, ok := pool[id]
			if !ok {
				cand = &fusedCandidate{chunkID: id}
				pool[id] = cand
			}
			cand.rrfScore += 1.0 / float64(c+rank+1)

			score := 0.0
			if rank < len(list.scores) {
				score = list.scores[rank]
			}
			switch list.name {
			case listDense:
				cand.denseScore = score
			case listChunkBM25:
				cand.bm25Score = score
			case listMeta:
				cand.metaScore = score
			}
		}
	}

	candidates := make([]*fusedCandidate, 0, len(pool))
	for _, cand := range pool {
		candidates = append(candidates, cand)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rrfScore != candidates[j].rrfScore {
			return candidates[i].rrfScore > candidates[j].rrfScore
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})

	if poolSize > 0 && len(candidates) > poolSize {
		candidates = candidates[:poolSize]
	}
	return candidates
}

const (
	listDense     = "dense"
	listChunkBM25 = "bm25_chunk"
	listMeta      = "bm25_meta"
)

// medianRRF returns the median RRF score of the pool. Used to bound
// the heuristic adjustment.
func medianRRF(pool []*fusedCandidate) float64 {
	if len(pool) == 0 {
		return 0
	}
	scores := make([]float64, len(pool))
	for i, c := range pool {
		scores[i] = c.rrfScore
	}
	sort.Float64s(scores)
	mid := len(scores) / 2
	if len(scores)%2 == 1 {
		return scores[mid]
	}
	return (scores[mid-1] + scores[mid]) / 2
}
