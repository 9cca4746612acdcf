// Package niche identifies spatial niches: recurring tissue microenvironment
// patterns found by clustering per-cell neighborhood composition vectors.
//
// The procedure is two-phase. ComputeCompositions counts, for every cell, the
// group labels of its k nearest spatial neighbors, producing one fixed-length
// count vector per cell over the global label universe. AssignNiches then
// partitions those vectors with seeded k-means. Both phases are pure
// functions of their inputs.
//
// All cells passed to one invocation must share a single field of view;
// coordinates from different fields of view are not comparable, so the
// caller partitions per field of view and invokes the package once per
// partition.
package niche

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/nichemap/server/internal/cluster"
	"github.com/nichemap/server/internal/spatial"
)

// Cell is one spatial entity: a stable key and its coordinates within the
// field of view.
type Cell struct {
	Key   string
	Coord []float64
}

// NeighborIndex answers k-nearest-neighbor queries. *spatial.Index satisfies
// it; tests substitute their own.
type NeighborIndex interface {
	NearestExcluding(q []float64, k int, skip int) []int
}

// Options tune ComputeCompositions.
type Options struct {
	// FOV identifies the field of view in error messages.
	FOV string
	// Dims is the coordinate dimensionality, 2 (default) or 3.
	Dims int
	// IncludeSelf counts the focal cell's own label in its neighborhood.
	// The default (false) describes the surrounding context only.
	IncludeSelf bool
	// Workers caps the per-cell parallelism; <= 0 uses GOMAXPROCS.
	Workers int
	// Index supplies a prebuilt neighbor index over the cells, in input
	// order. When nil an index is built internally.
	Index NeighborIndex
}

// CompositionTable holds one neighborhood composition vector per cell.
// Vectors[i] corresponds to Keys[i]; every vector has len(Labels) entries,
// indexed by the canonical (sorted) label order in Labels.
type CompositionTable struct {
	FOV     string
	Labels  []string
	Keys    []string
	Vectors [][]float64
}

// InsufficientCellsError reports a neighborhood size that cannot be
// satisfied by the field of view.
type InsufficientCellsError struct {
	FOV        string
	Cells      int
	KNeighbors int
}

func (e *InsufficientCellsError) Error() string {
	return fmt.Sprintf("fov %q has %d cells, cannot form %d-neighborhoods (need at least %d cells)",
		e.FOV, e.Cells, e.KNeighbors, e.KNeighbors+1)
}

// EmptyLabelSetError reports an input with no group labels.
type EmptyLabelSetError struct {
	FOV string
}

func (e *EmptyLabelSetError) Error() string {
	return fmt.Sprintf("fov %q has no group labels", e.FOV)
}

// ComputeCompositions builds the neighborhood composition vector for every
// cell. labels supplies exactly one group label per cell, aligned with
// cells. The label universe is the set of distinct labels across the whole
// input, fixed in sorted order, so all vectors are directly comparable.
//
// Neighbors are the kNeighbors nearest cells by Euclidean distance,
// distance ties broken by input order. The result is deterministic.
func ComputeCompositions(cells []Cell, labels []string, kNeighbors int, opts Options) (*CompositionTable, error) {
	n := len(cells)
	if len(labels) != n {
		return nil, fmt.Errorf("fov %q: %d cells but %d labels", opts.FOV, n, len(labels))
	}
	if n == 0 || len(labels) == 0 {
		return nil, &EmptyLabelSetError{FOV: opts.FOV}
	}
	if kNeighbors <= 0 {
		return nil, fmt.Errorf("fov %q: k_neighbors must be positive, got %d", opts.FOV, kNeighbors)
	}
	if kNeighbors >= n {
		return nil, &InsufficientCellsError{FOV: opts.FOV, Cells: n, KNeighbors: kNeighbors}
	}

	dims := opts.Dims
	if dims == 0 {
		dims = 2
	}

	// First pass: fix the global label universe and its canonical order.
	universe := make(map[string]int)
	for _, l := range labels {
		universe[l] = 0
	}
	ordered := make([]string, 0, len(universe))
	for l := range universe {
		ordered = append(ordered, l)
	}
	sort.Strings(ordered)
	for i, l := range ordered {
		universe[l] = i
	}

	// labelIdx[i] is the universe index of cell i's label.
	labelIdx := make([]int, n)
	for i, l := range labels {
		labelIdx[i] = universe[l]
	}

	index := opts.Index
	if index == nil {
		coords := make([][]float64, n)
		for i, c := range cells {
			coords[i] = c.Coord
		}
		idx, err := spatial.NewIndex(coords, dims)
		if err != nil {
			return nil, fmt.Errorf("fov %q: %w", opts.FOV, err)
		}
		index = idx
	}

	table := &CompositionTable{
		FOV:     opts.FOV,
		Labels:  ordered,
		Keys:    make([]string, n),
		Vectors: make([][]float64, n),
	}
	for i, c := range cells {
		table.Keys[i] = c.Key
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}

	// Each worker owns a disjoint range of rows; the index, coordinates and
	// labels are read-only, so no synchronization beyond the WaitGroup.
	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				skip := i
				if opts.IncludeSelf {
					skip = -1
				}
				neighbors := index.NearestExcluding(cells[i].Coord, kNeighbors, skip)

				vec := make([]float64, len(ordered))
				for _, nb := range neighbors {
					vec[labelIdx[nb]]++
				}
				table.Vectors[i] = vec
			}
		}(start, end)
	}
	wg.Wait()

	return table, nil
}

// Assignment maps each cell to a niche id in [0, KNiches).
type Assignment struct {
	FOV     string
	Keys    []string
	Niches  []int
	KNiches int
	// Labels is the table's sorted label universe; it names the axes of
	// Centroids and of any profile means derived from this assignment.
	Labels []string
	// Centroids are the niche composition centroids in the table's label
	// order; niche ids are only meaningful alongside them within one run.
	Centroids  [][]float64
	Iterations int
	// Converged is false when clustering exhausted its iteration budget.
	// The assignment is still the best iterate found.
	Converged bool
}

// AssignNiches clusters the composition vectors into kNiches niches with
// seeded k-means. maxIter <= 0 uses cluster.DefaultMaxIterations. The same
// table, kNiches and seed always yield the same partition; there is no
// cross-run niche id stability beyond that.
func AssignNiches(table *CompositionTable, kNiches int, seed int64, maxIter int) (*Assignment, error) {
	if table == nil || len(table.Vectors) == 0 {
		return nil, fmt.Errorf("assign niches: empty composition table")
	}
	if len(table.Labels) == 0 {
		return nil, &EmptyLabelSetError{FOV: table.FOV}
	}
	if kNiches <= 0 || kNiches > len(table.Vectors) {
		return nil, fmt.Errorf("fov %q: k_niches must be in [1, %d], got %d",
			table.FOV, len(table.Vectors), kNiches)
	}
	for i, v := range table.Vectors {
		if len(v) != len(table.Labels) {
			return nil, fmt.Errorf("fov %q: composition vector %d has %d entries, expected %d",
				table.FOV, i, len(v), len(table.Labels))
		}
	}

	res, err := cluster.KMeans(table.Vectors, kNiches, seed, maxIter)
	if err != nil {
		return nil, fmt.Errorf("fov %q: %w", table.FOV, err)
	}

	return &Assignment{
		FOV:        table.FOV,
		Keys:       table.Keys,
		Niches:     res.Labels,
		KNiches:    kNiches,
		Labels:     table.Labels,
		Centroids:  res.Centroids,
		Iterations: res.Iterations,
		Converged:  res.Converged,
	}, nil
}

// Profile is the mean composition of one niche: the average neighbor count
// per label across the niche's member cells.
type Profile struct {
	Niche int       `json:"niche"`
	Cells int       `json:"cells"`
	Mean  []float64 `json:"mean"`
}

// Profiles summarizes an assignment as one mean composition vector per
// niche, in niche id order.
func Profiles(table *CompositionTable, a *Assignment) []Profile {
	sums := make([][]float64, a.KNiches)
	counts := make([]int, a.KNiches)
	for i := range sums {
		sums[i] = make([]float64, len(table.Labels))
	}

	for i, niche := range a.Niches {
		counts[niche]++
		for d, x := range table.Vectors[i] {
			sums[niche][d] += x
		}
	}

	out := make([]Profile, a.KNiches)
	for c := range sums {
		mean := sums[c]
		if counts[c] > 0 {
			inv := 1.0 / float64(counts[c])
			for d := range mean {
				mean[d] *= inv
			}
		}
		out[c] = Profile{Niche: c, Cells: counts[c], Mean: mean}
	}
	return out
}
