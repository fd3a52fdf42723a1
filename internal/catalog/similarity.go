package catalog

import "github.com/viterin/vek/vek32"

// InnerProduct returns the dot product of a and b. For unit-norm embeddings
// this is their cosine similarity. Vectors of different or zero length have
// no similarity.
func InnerProduct(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return NoSimilarity
	}
	return vek32.Dot(a, b)
}

// MaxInnerProduct returns the highest inner product between query and any
// row of the row-major matrix data, or NoSimilarity when data is empty.
func MaxInnerProduct(query, data []float32) float32 {
	dim := len(query)
	best := NoSimilarity
	if dim == 0 {
		return best
	}
	for off := 0; off+dim <= len(data); off += dim {
		if s := vek32.Dot(query, data[off:off+dim]); s > best {
			best = s
		}
	}
	return best
}
