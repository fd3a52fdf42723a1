package catalog

import (
	"container/heap"
	"fmt"
	"sort"
)

// Label identifies an enrolled person inside the catalog.
type Label int32

// SearchResult holds one row per query with k slots each, best first.
type SearchResult struct {
	Similarities [][]float32
	Labels       [][]Label
}

// Index is an exact inner-product index over a flat row-major buffer.
// Rows keep insertion order; callers provide synchronization.
type Index struct {
	dim    int
	data   []float32
	labels []Label
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dim int) *Index {
	return &Index{dim: dim}
}

// Dim returns the vector dimension.
func (x *Index) Dim() int {
	return x.dim
}

// Len returns the number of stored vectors.
func (x *Index) Len() int {
	return len(x.labels)
}

// Row returns a view of the i-th stored vector.
func (x *Index) Row(i int) []float32 {
	return x.data[i*x.dim : (i+1)*x.dim]
}

// LabelAt returns the label of the i-th stored vector.
func (x *Index) LabelAt(i int) Label {
	return x.labels[i]
}

// Labels returns a copy of the stored labels in insertion order.
func (x *Index) Labels() []Label {
	out := make([]Label, len(x.labels))
	copy(out, x.labels)
	return out
}

// Add appends vectors with their labels. Nothing is stored unless every
// vector matches the index dimension.
func (x *Index) Add(vectors [][]float32, labels []Label) error {
	if len(vectors) != len(labels) {
		return fmt.Errorf("%w: %d vectors, %d labels", ErrLengthMismatch, len(vectors), len(labels))
	}
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("%w: vector %d has %d values, index expects %d", ErrDimensionMismatch, i, len(v), x.dim)
		}
	}
	for _, v := range vectors {
		x.data = append(x.data, v...)
	}
	x.labels = append(x.labels, labels...)
	return nil
}

// Reset discards all vectors and switches to dim.
func (x *Index) Reset(dim int) {
	x.dim = dim
	x.data = nil
	x.labels = nil
}

// Search returns the top-k rows for each query ranked by inner product.
// Equal scores keep insertion order. Slots beyond the number of stored rows
// hold NoLabel and NoSimilarity. An empty index yields zero rows.
func (x *Index) Search(queries [][]float32, k int) (SearchResult, error) {
	if k < 1 {
		return SearchResult{}, ErrInvalidK
	}
	if x.Len() == 0 {
		return SearchResult{Similarities: [][]float32{}, Labels: [][]Label{}}, nil
	}
	for i, q := range queries {
		if len(q) != x.dim {
			return SearchResult{}, fmt.Errorf("%w: query %d has %d values, index expects %d", ErrDimensionMismatch, i, len(q), x.dim)
		}
	}

	res := SearchResult{
		Similarities: make([][]float32, len(queries)),
		Labels:       make([][]Label, len(queries)),
	}
	for qi, q := range queries {
		sims := make([]float32, k)
		labels := make([]Label, k)
		for j, h := range x.topK(q, k) {
			sims[j] = h.score
			labels[j] = x.labels[h.row]
		}
		for j := len(x.labels); j < k; j++ {
			sims[j] = NoSimilarity
			labels[j] = NoLabel
		}
		res.Similarities[qi] = sims
		res.Labels[qi] = labels
	}
	return res, nil
}

// topK scans every row and keeps the k best hits in a bounded min-heap.
func (x *Index) topK(q []float32, k int) []hit {
	h := make(hitHeap, 0, min(k, x.Len()))
	for row := range x.Len() {
		s := InnerProduct(q, x.Row(row))
		if len(h) < k {
			heap.Push(&h, hit{row: row, score: s})
			continue
		}
		// Rows are visited in insertion order, so a later row with an equal
		// score never displaces an earlier one.
		if s > h[0].score {
			h[0] = hit{row: row, score: s}
			heap.Fix(&h, 0)
		}
	}
	sort.Slice(h, func(i, j int) bool { return h[i].better(h[j]) })
	return h
}

type hit struct {
	row   int
	score float32
}

func (a hit) better(b hit) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.row < b.row
}

// hitHeap keeps the worst hit at the root.
type hitHeap []hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(v any)        { *h = append(*h, v.(hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
