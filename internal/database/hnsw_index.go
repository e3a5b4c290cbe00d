package database

import (
	"errors"
	"sync"

	"github.com/coder/hnsw"
)

// ErrIndexEmpty is returned when searching an index without vectors.
var ErrIndexEmpty = errors.New("index not initialized")

// EmbeddingIndex is an in-memory HNSW graph over embedding vectors keyed by
// identity id. It orders candidates only; exact scoring happens elsewhere.
type EmbeddingIndex struct {
	graph    *hnsw.Graph[string]
	distance hnsw.DistanceFunc
	members  map[string]int // id -> vector length
	removed  int
	mu       sync.RWMutex
}

// NewEmbeddingIndex creates an empty index. cosine selects cosine distance,
// otherwise euclidean distance is used.
func NewEmbeddingIndex(cosine bool) *EmbeddingIndex {
	dist := hnsw.EuclideanDistance
	if cosine {
		dist = hnsw.CosineDistance
	}
	return &EmbeddingIndex{distance: dist, members: make(map[string]int)}
}

func (h *EmbeddingIndex) newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.EfSearch = HNSWEfSearch
	g.Distance = h.distance
	return g
}

// Build replaces the index contents.
func (h *EmbeddingIndex) Build(vectors map[string][]float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.removed = 0
	h.members = make(map[string]int, len(vectors))
	dim := 0
	for id, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(vec)
			h.graph = h.newGraph()
		}
		if len(vec) != dim {
			continue
		}
		h.graph.Add(hnsw.MakeNode(id, vec))
		h.members[id] = len(vec)
	}
}

// Add inserts or replaces the vector for id. Vectors whose length differs
// from the indexed dimension are ignored.
func (h *EmbeddingIndex) Add(id string, vec []float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(vec) == 0 {
		return
	}
	if h.graph == nil {
		h.graph = h.newGraph()
	} else if h.graph.Len() > 0 && h.graph.Dims() != len(vec) {
		return
	}
	if _, ok := h.members[id]; ok {
		h.graph.Delete(id)
	}
	h.graph.Add(hnsw.MakeNode(id, vec))
	h.members[id] = len(vec)
}

// Delete removes id from search results.
func (h *EmbeddingIndex) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[id]; !ok {
		return
	}
	delete(h.members, id)
	if h.graph != nil && !h.graph.Delete(id) {
		h.removed++
	}
}

// Nearest returns up to k ids ordered by increasing distance to query.
func (h *EmbeddingIndex) Nearest(query []float32, k int) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || len(h.members) == 0 {
		return nil, ErrIndexEmpty
	}
	if h.graph.Dims() != len(query) {
		return nil, nil
	}

	neighbors := h.graph.Search(query, k+h.removed)
	ids := make([]string, 0, min(k, len(neighbors)))
	for _, n := range neighbors {
		if _, ok := h.members[n.Key]; !ok {
			continue
		}
		ids = append(ids, n.Key)
		if len(ids) == k {
			break
		}
	}
	return ids, nil
}

// Count returns the number of indexed vectors.
func (h *EmbeddingIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
