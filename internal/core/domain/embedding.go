package domain

import "math"

// Embedding is an opaque numeric vector produced by the embedding oracle.
// The core never interprets its layout; it only clones embeddings and
// computes elementwise distances between them.
type Embedding []float64

// Clone returns an independent copy. Embeddings that cross optimizer
// iterations must be cloned so oracle calls cannot alias-mutate them.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// L1Distance is the elementwise mean absolute difference, the same metric the
// oracle uses as its energy base.
func (e Embedding) L1Distance(other Embedding) float64 {
	n := len(e)
	if len(other) < n {
		n = len(other)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Abs(e[i] - other[i])
	}
	return sum / float64(n)
}
