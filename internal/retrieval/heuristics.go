package retrieval

import (
	"math"
	"time"

	"github.com/evidentia-ai/evidentia/internal/config"
	"github.com/evidentia-ai/evidentia/internal/store"
)

// heuristicClipRatio bounds the additive heuristic adjustment to a
// fraction of the median RRF score in the pool, so heuristics reorder
// near-ties but never overturn a clear retrieval win.
const heuristicClipRatio = 0.20

// freshnessHalfLifeDays controls the exponential decay of the
// freshness signal: a year-old document scores about 0.5.
const freshnessHalfLifeDays = 365.0

// heuristicAdjustment computes the additive re-rank term for a
// passage, before clipping:
//
//	authority*w_auth + currency*w_cur + numbers*w_num + freshness*w_fresh
//
// Authority and the content flags come from the store: authority is
// persisted on the document at ingest, the flags on the chunk.
func heuristicAdjustment(chunk *store.Chunk, doc *store.Document, w config.HeuristicWeights, now time.Time) float64 {
	adj := authorityScore(doc) * w.Authority
	if chunk.HasCurrency {
		adj += w.Currency
	}
	if chunk.HasNumbers {
		adj += w.Numbers
	}
	adj += freshnessDecay(doc, now) * w.Freshness
	return adj
}

// clipHeuristic bounds adj to ±ratio of the pool's median RRF score.
func clipHeuristic(adj, median float64) float64 {
	bound := median * heuristicClipRatio
	if adj > bound {
		return bound
	}
	if adj < -bound {
		return -bound
	}
	return adj
}

// authorityScore reads the document's stored authority, derived at
// ingest from the source domain and kind. Documents that never passed
// through ingest sit in the middle.
func authorityScore(doc *store.Document) float64 {
	if doc == nil || doc.Authority == 0 {
		return 0.5
	}
	return doc.Authority
}

// freshnessDecay maps a document's freshness date (updated_at, falling
// back to published_at) to (0, 1], newest first. Documents without a
// date score 0.
func freshnessDecay(doc *store.Document, now time.Time) float64 {
	if doc == nil {
		return 0
	}
	date := doc.FreshnessDate()
	if date == "" {
		return 0
	}
	stamp, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0
	}
	ageDays := now.Sub(stamp).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp2(-ageDays / freshnessHalfLifeDays)
}
