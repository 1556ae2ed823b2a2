package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evidentia-ai/evidentia/internal/config"
	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/store"
)

// Retriever runs the hybrid retrieval pipeline against the store
// adapter. A nil embedder permanently degrades it to BM25-only mode.
type Retriever struct {
	adapter  *store.Adapter
	embedder llm.Embedder
	cfg      config.HybridConfig
	logger   *slog.Logger

	// now is swappable for freshness tests.
	now func() time.Time
}

// New creates a Retriever. logger may be nil.
func New(adapter *store.Adapter, embedder llm.Embedder, cfg config.HybridConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		adapter:  adapter,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Retrieve returns the ranked passage list for a query. The method
// selects which sub-retrievers run: hybrid fans out dense KNN, chunk
// BM25, and metadata BM25 in parallel; semantic runs dense KNN alone.
//
// The run is deterministic for a fixed query, configuration, and
// store snapshot. A sub-retriever failure removes its list but the
// run succeeds while at least one list arrived; only total failure
// surfaces a retrieval backend error.
func (r *Retriever) Retrieve(ctx context.Context, query string, filters Filters, method config.RetrievalMethod) (*Result, error) {
	var (
		denseHits []store.VectorHit
		chunkHits []store.BM25Hit
		metaHits  []store.BM25Hit

		denseErr, chunkErr, metaErr error
		degraded                    bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	g.Go(func() error {
		if r.embedder == nil {
			degraded = true
			return nil
		}
		vec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			// Embedding unavailable: degrade to lexical-only
			// rather than failing the request.
			degraded = true
			r.logger.Warn("dense_retrieval_degraded", slog.String("error", err.Error()))
			return nil
		}
		denseHits, denseErr = r.adapter.KNN(gctx, vec, r.cfg.KEmbed, filters)
		return nil
	})

	if method != config.RetrievalSemantic {
		g.Go(func() error {
			chunkHits, chunkErr = r.adapter.SearchChunks(gctx, query, r.cfg.KBM25Chunk, filters)
			return nil
		})
		g.Go(func() error {
			metaHits, metaErr = r.adapter.SearchMeta(gctx, query, r.cfg.KBM25MetaDocs, r.cfg.MetaChunksPerDoc, filters)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, everrors.New(everrors.ErrCodeDeadlineExceeded, "retrieval canceled", err)
	}

	diag := Diagnostics{
		DenseCandidates: len(denseHits),
		ChunkCandidates: len(chunkHits),
		MetaCandidates:  len(metaHits),
		DegradedToBM25:  degraded,
	}

	var lists []rankedList
	if denseErr == nil && len(denseHits) > 0 {
		ids := make([]string, len(denseHits))
		scores := make([]float64, len(denseHits))
		for i, h := range denseHits {
			ids[i], scores[i] = h.ChunkID, h.Score
		}
		lists = append(lists, rankedList{name: listDense, ids: ids, scores: scores})
	}
	if chunkErr == nil && len(chunkHits) > 0 {
		lists = append(lists, bm25List(listChunkBM25, chunkHits))
	}
	if metaErr == nil && len(metaHits) > 0 {
		lists = append(lists, bm25List(listMeta, metaHits))
	}

	for name, err := range map[string]error{
		listDense: denseErr, listChunkBM25: chunkErr, listMeta: metaErr,
	} {
		if err != nil {
			diag.FailedRetrievers = append(diag.FailedRetrievers, name)
			r.logger.Warn("sub_retriever_failed",
				slog.String("retriever", name), slog.String("error", err.Error()))
		}
	}
	sort.Strings(diag.FailedRetrievers)

	// Total failure only: every sub-retriever that ran errored.
	if len(lists) == 0 {
		for _, err := range []error{denseErr, chunkErr, metaErr} {
			if err != nil {
				return nil, err
			}
		}
		// Nothing errored; the corpus simply has no matches.
		return &Result{Passages: []*Passage{}, Diagnostics: diag}, nil
	}

	pool := fuseRRF(lists, r.cfg.RRFC, r.cfg.KRRF)
	diag.PoolSize = len(pool)

	passages, err := r.rank(ctx, pool, filters)
	if err != nil {
		return nil, err
	}
	return &Result{Passages: passages, Diagnostics: diag}, nil
}

// rank resolves the fusion pool to full passages, applies the clipped
// heuristic adjustment, and returns the final top-k list. The filter
// already ran inside the adapter's search operations; re-checking it
// here guards against documents edited between search and resolve.
func (r *Retriever) rank(ctx context.Context, pool []*fusedCandidate, filters Filters) ([]*Passage, error) {
	ids := make([]string, len(pool))
	byID := make(map[string]*fusedCandidate, len(pool))
	for i, c := range pool {
		ids[i] = c.chunkID
		byID[c.chunkID] = c
	}

	chunks, err := r.adapter.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}

	docs := make(map[string]*store.Document)
	median := medianRRF(pool)
	denseMin, denseMax := denseRange(pool)
	now := r.now()

	passages := make([]*Passage, 0, len(chunks))
	for _, chunk := range chunks {
		cand := byID[chunk.ID]
		if cand == nil {
			continue
		}

		doc, ok := docs[chunk.DocID]
		if !ok {
			doc, err = r.adapter.Document(ctx, chunk.DocID)
			if err != nil {
				return nil, err
			}
			docs[chunk.DocID] = doc
		}
		if !filters.Match(doc) {
			continue
		}

		p := &Passage{
			Chunk:      chunk,
			Doc:        doc,
			RRFScore:   cand.rrfScore,
			DenseScore: cand.denseScore,
			BM25Score:  cand.bm25Score,
			MetaScore:  cand.metaScore,
			DenseNorm:  minMaxNorm(cand.denseScore, denseMin, denseMax),
		}
		p.Heuristic = clipHeuristic(heuristicAdjustment(chunk, doc, r.cfg.Weights, now), median)
		p.FinalScore = p.RRFScore + p.Heuristic
		passages = append(passages, p)
	}

	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].FinalScore != passages[j].FinalScore {
			return passages[i].FinalScore > passages[j].FinalScore
		}
		if passages[i].DenseNorm != passages[j].DenseNorm {
			return passages[i].DenseNorm > passages[j].DenseNorm
		}
		return passages[i].Chunk.ID < passages[j].Chunk.ID
	})

	if r.cfg.KFinal > 0 && len(passages) > r.cfg.KFinal {
		passages = passages[:r.cfg.KFinal]
	}
	for i, p := range passages {
		p.Rank = i + 1
	}
	return passages, nil
}

func bm25List(name string, hits []store.BM25Hit) rankedList {
	ids := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i], scores[i] = h.ChunkID, h.Score
	}
	return rankedList{name: name, ids: ids, scores: scores}
}

// denseRange finds the min and max dense scores among pool members
// that carry one, for min-max normalization.
func denseRange(pool []*fusedCandidate) (min, max float64) {
	first := true
	for _, c := range pool {
		if c.denseScore == 0 {
			continue
		}
		if first || c.denseScore < min {
			min = c.denseScore
		}
		if first || c.denseScore > max {
			max = c.denseScore
		}
		first = false
	}
	return min, max
}

func minMaxNorm(v, min, max float64) float64 {
	if v == 0 {
		return 0
	}
	if max == min {
		return 1
	}
	return (v - min) / (max - min)
}
