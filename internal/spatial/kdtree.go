// Package spatial provides an in-memory k-d tree over cell coordinates.
//
// An Index covers exactly one field of view: coordinates from different
// fields of view live in unrelated coordinate systems, so the caller must
// build one Index per field of view and never mix them.
package spatial

import (
	"container/heap"
	"fmt"
	"sort"
)

// Index is a balanced k-d tree over 2D or 3D points.
// It is read-only after construction and safe for concurrent queries.
type Index struct {
	dims   int
	coords [][]float64
	root   *node
}

type node struct {
	idx   int // index into coords (input order)
	axis  int
	left  *node
	right *node
}

// NewIndex builds a k-d tree over the given points.
// Each point must have at least dims coordinates; dims is 2 or 3.
func NewIndex(coords [][]float64, dims int) (*Index, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("unsupported dimensionality: %d (expected 2 or 3)", dims)
	}
	if len(coords) == 0 {
		return nil, fmt.Errorf("cannot build spatial index over zero points")
	}
	for i, c := range coords {
		if len(c) < dims {
			return nil, fmt.Errorf("point %d has %d coordinates, expected %d", i, len(c), dims)
		}
	}

	idx := make([]int, len(coords))
	for i := range idx {
		idx[i] = i
	}

	t := &Index{dims: dims, coords: coords}
	t.root = t.build(idx, 0)
	return t, nil
}

// Len returns the number of indexed points.
func (t *Index) Len() int { return len(t.coords) }

// Dims returns the index dimensionality.
func (t *Index) Dims() int { return t.dims }

// build recursively partitions candidates at the median of the split axis.
// Ties on the axis coordinate are ordered by input index so the tree shape
// is a pure function of the input.
func (t *Index) build(candidates []int, depth int) *node {
	if len(candidates) == 0 {
		return nil
	}
	axis := depth % t.dims

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if t.coords[a][axis] != t.coords[b][axis] {
			return t.coords[a][axis] < t.coords[b][axis]
		}
		return a < b
	})

	mid := len(candidates) / 2
	n := &node{idx: candidates[mid], axis: axis}
	n.left = t.build(candidates[:mid], depth+1)
	n.right = t.build(candidates[mid+1:], depth+1)
	return n
}

type candidate struct {
	dist2 float64
	idx   int
}

// worse reports whether a is a worse neighbor than b: farther away, or at
// equal distance with a later input position. Ties broken on input order
// keep queries deterministic.
func worse(a, b candidate) bool {
	if a.dist2 != b.dist2 {
		return a.dist2 > b.dist2
	}
	return a.idx > b.idx
}

// candidateHeap is a max-heap keyed by worse(), holding the best k seen so far.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Nearest returns the indices of the k points closest to q by Euclidean
// distance, ordered nearest first. Distance ties are broken by input order.
// If fewer than k points are indexed, all of them are returned.
func (t *Index) Nearest(q []float64, k int) []int {
	return t.NearestExcluding(q, k, -1)
}

// NearestExcluding is Nearest with one indexed point excluded from the
// result. Pass skip = -1 to exclude nothing. The exclusion is how a cell
// queries the neighborhood around itself without counting itself.
func (t *Index) NearestExcluding(q []float64, k int, skip int) []int {
	if k <= 0 {
		return nil
	}

	h := make(candidateHeap, 0, k)
	t.search(t.root, q, k, skip, &h)

	out := make([]candidate, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })

	result := make([]int, len(out))
	for i, c := range out {
		result[i] = c.idx
	}
	return result
}

func (t *Index) search(n *node, q []float64, k, skip int, h *candidateHeap) {
	if n == nil {
		return
	}

	if n.idx != skip {
		c := candidate{dist2: t.dist2(q, n.idx), idx: n.idx}
		if h.Len() < k {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	planeDelta := q[n.axis] - t.coords[n.idx][n.axis]
	near, far := n.left, n.right
	if planeDelta > 0 {
		near, far = n.right, n.left
	}

	t.search(near, q, k, skip, h)

	// Visit the far side unless every point there is provably worse than the
	// current worst candidate. Equal plane distance still needs a visit so
	// input-order ties resolve identically regardless of tree layout.
	if h.Len() < k || planeDelta*planeDelta <= (*h)[0].dist2 {
		t.search(far, q, k, skip, h)
	}
}

func (t *Index) dist2(q []float64, idx int) float64 {
	p := t.coords[idx]
	d := 0.0
	for axis := 0; axis < t.dims; axis++ {
		delta := q[axis] - p[axis]
		d += delta * delta
	}
	return d
}

// QueryBounds returns the indices of points inside the axis-aligned box
// [min, max] (inclusive), in input order, truncated to limit when limit > 0.
func (t *Index) QueryBounds(min, max []float64, limit int) []int {
	var out []int
	t.rangeSearch(t.root, min, max, &out)
	sort.Ints(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *Index) rangeSearch(n *node, min, max []float64, out *[]int) {
	if n == nil {
		return
	}

	p := t.coords[n.idx]
	inside := true
	for axis := 0; axis < t.dims; axis++ {
		if p[axis] < min[axis] || p[axis] > max[axis] {
			inside = false
			break
		}
	}
	if inside {
		*out = append(*out, n.idx)
	}

	if p[n.axis] >= min[n.axis] {
		t.rangeSearch(n.left, min, max, out)
	}
	if p[n.axis] <= max[n.axis] {
		t.rangeSearch(n.right, min, max, out)
	}
}
