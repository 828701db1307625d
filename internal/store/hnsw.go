package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/coder/hnsw"
)

// VectorIndexConfig configures the HNSW graph.
type VectorIndexConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// VectorIndex is an HNSW nearest-neighbor index keyed by chunk id.
// Deletion is lazy: removed chunks leave orphan nodes in the graph that
// are filtered out of search results. Chunk ids are never reused, so a
// key never points at two generations of content.
type VectorIndex struct {
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig
	live   map[uint64]struct{}
}

// vectorIndexMetadata is the sidecar gob file next to the graph export.
type vectorIndexMetadata struct {
	Live   []uint64
	Config VectorIndexConfig
}

// NewVectorIndex creates an empty index for vectors of the given
// dimension.
func NewVectorIndex(cfg VectorIndexConfig) *VectorIndex {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 40
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &VectorIndex{
		graph:  graph,
		config: cfg,
		live:   make(map[uint64]struct{}),
	}
}

// Add inserts vectors keyed by chunk id.
func (v *VectorIndex) Add(ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	for i, id := range ids {
		if len(vectors[i]) != v.config.Dimensions {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d",
				v.config.Dimensions, len(vectors[i]))
		}
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		key := uint64(id)
		v.graph.Add(hnsw.MakeNode(key, vec))
		v.live[key] = struct{}{}
	}
	return nil
}

// Delete lazily removes chunk ids from the index.
func (v *VectorIndex) Delete(ids []int64) {
	for _, id := range ids {
		delete(v.live, uint64(id))
	}
}

// Search returns up to k nearest live chunks, score descending with
// ties broken by chunk id ascending. Score is cosine similarity.
func (v *VectorIndex) Search(query []float32, k int) ([]SearchResult, error) {
	if len(query) != v.config.Dimensions {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d",
			v.config.Dimensions, len(query))
	}
	if v.graph.Len() == 0 || len(v.live) == 0 || k <= 0 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeVectorInPlace(normalized)

	// Over-fetch past the orphan count so lazy deletions cannot starve
	// the result set.
	fetch := k + (v.graph.Len() - len(v.live))
	if fetch > v.graph.Len() {
		fetch = v.graph.Len()
	}

	nodes := v.graph.Search(normalized, fetch)

	results := make([]SearchResult, 0, k)
	for _, node := range nodes {
		if _, ok := v.live[node.Key]; !ok {
			continue
		}
		distance := v.graph.Distance(normalized, node.Value)
		results = append(results, SearchResult{
			ChunkID: int64(node.Key),
			Score:   1.0 - float64(distance),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of live vectors.
func (v *VectorIndex) Count() int {
	return len(v.live)
}

// Orphans returns the number of lazily deleted nodes still in the
// graph.
func (v *VectorIndex) Orphans() int {
	return v.graph.Len() - len(v.live)
}

// Dimensions returns the configured vector dimension.
func (v *VectorIndex) Dimensions() int {
	return v.config.Dimensions
}

// Save persists the graph and its metadata atomically (temp file plus
// rename).
func (v *VectorIndex) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := v.graph.Export(file); err != nil {
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

	return v.saveMetadata(path + ".meta")
}

func (v *VectorIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	live := make([]uint64, 0, len(v.live))
	for key := range v.live {
		live = append(live, key)
	}
	meta := vectorIndexMetadata{Live: live, Config: v.config}

	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores a saved index. It fails when the saved dimension does
// not match the configured one.
func (v *VectorIndex) Load(path string) error {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	var meta vectorIndexMetadata
	err = gob.NewDecoder(metaFile).Decode(&meta)
	_ = metaFile.Close()
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Config.Dimensions != v.config.Dimensions {
		return fmt.Errorf("saved index dimension %d does not match configured %d",
			meta.Config.Dimensions, v.config.Dimensions)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import needs an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	v.live = make(map[uint64]struct{}, len(meta.Live))
	for _, key := range meta.Live {
		v.live[key] = struct{}{}
	}
	return nil
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
