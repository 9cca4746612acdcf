// Package cluster provides seeded k-means clustering over numeric vectors.
package cluster

import (
	"fmt"
	"math"
	"math/rand"
)

// DefaultMaxIterations bounds Lloyd iterations when the caller does not
// supply a budget.
const DefaultMaxIterations = 100

// Result holds a k-means partition.
type Result struct {
	// Labels[i] is the cluster id of vectors[i], in [0, k).
	Labels []int
	// Centroids are the final cluster means, one per cluster id.
	Centroids [][]float64
	// Iterations is the number of Lloyd iterations performed.
	Iterations int
	// Converged is false when the iteration budget was exhausted before the
	// assignment stabilized. The Labels are still the best iterate found.
	Converged bool
}

// KMeans partitions vectors into k clusters by Euclidean distance.
//
// Initialization is k-means++ driven by a rand source built from seed, so
// identical inputs and seed produce an identical partition. maxIter <= 0
// selects DefaultMaxIterations. Non-convergence within the budget is not an
// error: the best iterate is returned with Converged=false.
func KMeans(vectors [][]float64, k int, seed int64, maxIter int) (*Result, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("kmeans: empty input")
	}
	if k <= 0 || k > n {
		return nil, fmt.Errorf("kmeans: k must be in [1, %d], got %d", n, k)
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("kmeans: zero-dimensional vectors")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("kmeans: vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(vectors, k, rng)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	counts := make([]int, k)

	iter := 0
	converged := false
	for ; iter < maxIter; iter++ {
		changed := 0
		for i, v := range vectors {
			best := nearestCentroid(v, centroids)
			if best != labels[i] {
				labels[i] = best
				changed++
			}
		}
		if changed == 0 {
			converged = true
			break
		}

		// Recompute centroids as cluster means.
		for c := range centroids {
			counts[c] = 0
			for d := range centroids[c] {
				centroids[c][d] = 0
			}
		}
		for i, v := range vectors {
			c := labels[i]
			counts[c]++
			for d, x := range v {
				centroids[c][d] += x
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			inv := 1.0 / float64(counts[c])
			for d := range centroids[c] {
				centroids[c][d] *= inv
			}
		}
		// Reseed emptied clusters only after every occupied centroid holds
		// its mean; reseedEmpty measures distances against those means.
		for c := range centroids {
			if counts[c] == 0 {
				reseedEmpty(vectors, labels, centroids, c)
			}
		}
	}

	return &Result{
		Labels:     labels,
		Centroids:  centroids,
		Iterations: iter,
		Converged:  converged,
	}, nil
}

// seedCentroids runs k-means++: the first centroid is a uniform draw, each
// subsequent one is drawn proportionally to squared distance from the
// nearest already-chosen centroid.
func seedCentroids(vectors [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(vectors)
	dim := len(vectors[0])

	centroids := make([][]float64, 0, k)
	first := rng.Intn(n)
	centroids = append(centroids, cloneVec(vectors[first], dim))

	dist2 := make([]float64, n)
	for i, v := range vectors {
		dist2[i] = squaredDistance(v, centroids[0])
	}

	for len(centroids) < k {
		total := 0.0
		for _, d := range dist2 {
			total += d
		}

		var next int
		if total <= 0 {
			// All remaining points coincide with a centroid; fall back to a
			// uniform draw so we still produce k centroids.
			next = rng.Intn(n)
		} else {
			target := rng.Float64() * total
			acc := 0.0
			next = n - 1
			for i, d := range dist2 {
				acc += d
				if acc >= target {
					next = i
					break
				}
			}
		}

		c := cloneVec(vectors[next], dim)
		centroids = append(centroids, c)
		for i, v := range vectors {
			if d := squaredDistance(v, c); d < dist2[i] {
				dist2[i] = d
			}
		}
	}

	return centroids
}

// nearestCentroid returns the index of the closest centroid, lowest index
// winning distance ties.
func nearestCentroid(v []float64, centroids [][]float64) int {
	best := 0
	bestDist := math.Inf(1)
	for c, centroid := range centroids {
		if d := squaredDistance(v, centroid); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

// reseedEmpty moves centroid c onto the member (of any other cluster) that
// is farthest from its own centroid, and reassigns that point.
func reseedEmpty(vectors [][]float64, labels []int, centroids [][]float64, c int) {
	farthest := -1
	farthestDist := -1.0
	for i, v := range vectors {
		if labels[i] == c {
			continue
		}
		if d := squaredDistance(v, centroids[labels[i]]); d > farthestDist {
			farthestDist = d
			farthest = i
		}
	}
	if farthest < 0 {
		return
	}
	copy(centroids[c], vectors[farthest])
	labels[farthest] = c
}

func squaredDistance(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		delta := a[i] - b[i]
		d += delta * delta
	}
	return d
}

func cloneVec(v []float64, dim int) []float64 {
	out := make([]float64, dim)
	copy(out, v)
	return out
}
