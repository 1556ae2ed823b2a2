package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// VectorConfig configures the HNSW vector index.
type VectorConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// VectorIndex is an approximate nearest-neighbor index over chunk
// embeddings, backed by coder/hnsw. Vectors are L2-normalized on
// insert so cosine distance behaves as expected; scores map cosine
// distance into [0, 1].
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	// String chunk IDs map to internal uint64 graph keys.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// vectorMetadata persists the ID mappings alongside the graph export.
type vectorMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorConfig
}

// NewVectorIndex creates an empty vector index.
func NewVectorIndex(cfg VectorConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector index requires positive dimensions, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &VectorIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts vectors keyed by chunk ID. Existing IDs are replaced via
// lazy deletion: the old graph node is orphaned rather than removed.
func (vi *VectorIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	vi.mu.Lock()
	defer vi.mu.Unlock()

	if vi.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, v := range vectors {
		if len(v) != vi.config.Dimensions {
			return fmt.Errorf("dimension mismatch: expected %d, got %d", vi.config.Dimensions, len(v))
		}
	}

	for i, id := range ids {
		if existingKey, ok := vi.idMap[id]; ok {
			delete(vi.keyMap, existingKey)
			delete(vi.idMap, id)
		}

		key := vi.nextKey
		vi.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		vi.graph.Add(hnsw.MakeNode(key, vec))
		vi.idMap[id] = key
		vi.keyMap[key] = id
	}

	return nil
}

// Search returns up to k nearest chunks by cosine similarity. Results
// are ordered by score descending, ties broken by chunk ID ascending.
func (vi *VectorIndex) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if vi.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != vi.config.Dimensions {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", vi.config.Dimensions, len(query))
	}
	if vi.graph.Len() == 0 {
		return []VectorHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	nodes := vi.graph.Search(normalized, k)

	hits := make([]VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := vi.keyMap[node.Key]
		if !ok {
			// Lazily deleted node still present in the graph.
			continue
		}
		distance := vi.graph.Distance(normalized, node.Value)
		hits = append(hits, VectorHit{ChunkID: id, Score: cosineDistanceToScore(distance)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return hits, nil
}

// Delete removes vectors by chunk ID using lazy deletion.
func (vi *VectorIndex) Delete(ctx context.Context, ids []string) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if vi.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, id := range ids {
		if key, ok := vi.idMap[id]; ok {
			delete(vi.keyMap, key)
			delete(vi.idMap, id)
		}
	}
	return nil
}

// Contains reports whether a chunk ID has a live vector.
func (vi *VectorIndex) Contains(id string) bool {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if vi.closed {
		return false
	}
	_, ok := vi.idMap[id]
	return ok
}

// Count returns the number of live vectors.
func (vi *VectorIndex) Count() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if vi.closed {
		return 0
	}
	return len(vi.idMap)
}

// Save writes the graph and ID mappings to path and path+".meta".
// Both writes go through a temp file and rename.
func (vi *VectorIndex) Save(path string) error {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	if vi.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := vi.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	metaTmp := path + ".meta.tmp"
	metaFile, err := os.Create(metaTmp)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	meta := vectorMetadata{IDMap: vi.idMap, NextKey: vi.nextKey, Config: vi.config}
	if err := gob.NewEncoder(metaFile).Encode(meta); err != nil {
		_ = metaFile.Close()
		_ = os.Remove(metaTmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := metaFile.Close(); err != nil {
		_ = os.Remove(metaTmp)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(metaTmp, path+".meta")
}

// Load restores the graph and ID mappings written by Save.
func (vi *VectorIndex) Load(path string) error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if vi.closed {
		return fmt.Errorf("vector index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	var meta vectorMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		_ = metaFile.Close()
		return fmt.Errorf("decode metadata: %w", err)
	}
	_ = metaFile.Close()

	vi.idMap = meta.IDMap
	vi.nextKey = meta.NextKey
	vi.config = meta.Config
	vi.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		vi.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := vi.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

// Close releases the index.
func (vi *VectorIndex) Close() error {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	if vi.closed {
		return nil
	}
	vi.closed = true
	vi.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
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

// cosineDistanceToScore maps cosine distance (0..2) to a similarity
// score in [0, 1], where 1 means identical direction.
func cosineDistanceToScore(distance float32) float64 {
	score := 1.0 - float64(distance)/2.0
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
