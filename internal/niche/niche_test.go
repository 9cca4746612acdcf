package niche

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func cellGrid(n int, labels []string) ([]Cell, []string) {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	cells := make([]Cell, n)
	lbls := make([]string, n)
	for i := 0; i < n; i++ {
		cells[i] = Cell{
			Key:   fmt.Sprintf("c%d", i),
			Coord: []float64{float64(i % side), float64(i / side)},
		}
		lbls[i] = labels[i%len(labels)]
	}
	return cells, lbls
}

func TestComputeCompositionsValidation(t *testing.T) {
	cells, labels := cellGrid(10, []string{"T", "B"})

	if _, err := ComputeCompositions(nil, nil, 3, Options{FOV: "f0"}); err == nil {
		t.Fatal("expected error for empty input")
	} else {
		var emptyErr *EmptyLabelSetError
		if !errors.As(err, &emptyErr) {
			t.Fatalf("expected EmptyLabelSetError, got %v", err)
		}
		if emptyErr.FOV != "f0" {
			t.Errorf("error fov = %q, want f0", emptyErr.FOV)
		}
	}

	if _, err := ComputeCompositions(cells, labels[:5], 3, Options{}); err == nil {
		t.Fatal("expected error for mismatched label count")
	}

	if _, err := ComputeCompositions(cells, labels, 0, Options{}); err == nil {
		t.Fatal("expected error for non-positive k_neighbors")
	}

	_, err := ComputeCompositions(cells, labels, 10, Options{FOV: "f1"})
	var insErr *InsufficientCellsError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientCellsError for k >= n, got %v", err)
	}
	if insErr.Cells != 10 || insErr.KNeighbors != 10 || insErr.FOV != "f1" {
		t.Errorf("unexpected error fields: %+v", insErr)
	}

	// k == n-1 is the largest valid neighborhood.
	if _, err := ComputeCompositions(cells, labels, 9, Options{}); err != nil {
		t.Fatalf("k = n-1 should succeed: %v", err)
	}
}

func TestComputeCompositionsSmallCluster(t *testing.T) {
	// Three mutually close cells and one distant outlier. With k=2 and
	// self excluded, each close cell sees the other two; the outlier's
	// 2-neighborhood is still the two nearest cells, never undersized.
	cells := []Cell{
		{Key: "a", Coord: []float64{0, 0}},
		{Key: "b", Coord: []float64{1, 0}},
		{Key: "c", Coord: []float64{0, 1}},
		{Key: "d", Coord: []float64{10, 10}},
	}
	labels := []string{"T", "B", "T", "Mac"}

	table, err := ComputeCompositions(cells, labels, 2, Options{FOV: "f0"})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}

	wantLabels := []string{"B", "Mac", "T"}
	if !reflect.DeepEqual(table.Labels, wantLabels) {
		t.Fatalf("label universe = %v, want %v", table.Labels, wantLabels)
	}

	want := map[string][]float64{
		"a": {1, 0, 1}, // neighbors b(B), c(T)
		"b": {0, 0, 2}, // neighbors a(T), c(T)
		"c": {1, 0, 1}, // neighbors a(T), b(B)
		"d": {1, 0, 1}, // nearest two of the cluster: b(B), c(T)
	}
	for i, key := range table.Keys {
		if !reflect.DeepEqual(table.Vectors[i], want[key]) {
			t.Errorf("cell %s: vector = %v, want %v", key, table.Vectors[i], want[key])
		}
	}
}

func TestComputeCompositionsIncludeSelf(t *testing.T) {
	cells := []Cell{
		{Key: "a", Coord: []float64{0, 0}},
		{Key: "b", Coord: []float64{1, 0}},
		{Key: "c", Coord: []float64{0, 1}},
	}
	labels := []string{"T", "B", "T"}

	table, err := ComputeCompositions(cells, labels, 2, Options{IncludeSelf: true})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}

	// With self included, cell a's 2-neighborhood is itself plus its
	// single nearest other cell (b, by input-order tie-break over c).
	if got, want := table.Vectors[0], []float64{1, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("cell a: vector = %v, want %v", got, want)
	}
}

func TestComputeCompositionsVectorSum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cells := make([]Cell, 200)
	labels := make([]string, 200)
	names := []string{"T", "B", "Mac", "Fib", "Endo"}
	for i := range cells {
		cells[i] = Cell{
			Key:   fmt.Sprintf("c%d", i),
			Coord: []float64{rng.Float64() * 100, rng.Float64() * 100},
		}
		labels[i] = names[rng.Intn(len(names))]
	}

	const k = 15
	table, err := ComputeCompositions(cells, labels, k, Options{Workers: 4})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}
	for i, vec := range table.Vectors {
		sum := 0.0
		for _, x := range vec {
			sum += x
		}
		if sum != k {
			t.Fatalf("cell %d: vector sum = %v, want %d", i, sum, k)
		}
	}
}

func TestComputeCompositionsDeterministic(t *testing.T) {
	cells, labels := cellGrid(100, []string{"T", "B", "Mac"})

	first, err := ComputeCompositions(cells, labels, 8, Options{Workers: 8})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}
	for run := 0; run < 3; run++ {
		again, err := ComputeCompositions(cells, labels, 8, Options{Workers: 1 + run})
		if err != nil {
			t.Fatalf("ComputeCompositions run %d: %v", run, err)
		}
		if !reflect.DeepEqual(first.Vectors, again.Vectors) {
			t.Fatalf("run %d produced different vectors", run)
		}
	}
}

func TestAssignNichesValidation(t *testing.T) {
	if _, err := AssignNiches(nil, 2, 1, 0); err == nil {
		t.Fatal("expected error for nil table")
	}

	table := &CompositionTable{
		Labels:  []string{"T", "B"},
		Keys:    []string{"a", "b", "c"},
		Vectors: [][]float64{{1, 0}, {0, 1}, {1, 1}},
	}
	if _, err := AssignNiches(table, 0, 1, 0); err == nil {
		t.Fatal("expected error for k_niches = 0")
	}
	if _, err := AssignNiches(table, 4, 1, 0); err == nil {
		t.Fatal("expected error for k_niches > cells")
	}
}

func TestAssignNichesSeparatesRegions(t *testing.T) {
	// Two spatial regions with opposite label composition: cells in the
	// left block are mostly T, the right block mostly B. Neighborhood
	// compositions separate cleanly, so 2-means must recover the blocks.
	var cells []Cell
	var labels []string
	for i := 0; i < 40; i++ {
		cells = append(cells, Cell{
			Key:   fmt.Sprintf("L%d", i),
			Coord: []float64{float64(i % 8), float64(i / 8)},
		})
		labels = append(labels, "T")
	}
	for i := 0; i < 40; i++ {
		cells = append(cells, Cell{
			Key:   fmt.Sprintf("R%d", i),
			Coord: []float64{100 + float64(i%8), float64(i / 8)},
		})
		labels = append(labels, "B")
	}

	table, err := ComputeCompositions(cells, labels, 6, Options{FOV: "f0"})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}
	asn, err := AssignNiches(table, 2, 42, 0)
	if err != nil {
		t.Fatalf("AssignNiches: %v", err)
	}
	if !asn.Converged {
		t.Error("expected convergence on separable data")
	}

	left := asn.Niches[0]
	for i := 0; i < 40; i++ {
		if asn.Niches[i] != left {
			t.Fatalf("left cell %d assigned niche %d, want %d", i, asn.Niches[i], left)
		}
	}
	right := asn.Niches[40]
	if right == left {
		t.Fatal("blocks collapsed into one niche")
	}
	for i := 40; i < 80; i++ {
		if asn.Niches[i] != right {
			t.Fatalf("right cell %d assigned niche %d, want %d", i, asn.Niches[i], right)
		}
	}
}

func TestAssignNichesSeedDeterminism(t *testing.T) {
	cells, labels := cellGrid(120, []string{"T", "B", "Mac", "Fib"})
	table, err := ComputeCompositions(cells, labels, 10, Options{})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}

	a, err := AssignNiches(table, 4, 99, 0)
	if err != nil {
		t.Fatalf("AssignNiches: %v", err)
	}
	b, err := AssignNiches(table, 4, 99, 0)
	if err != nil {
		t.Fatalf("AssignNiches: %v", err)
	}
	if !reflect.DeepEqual(a.Niches, b.Niches) {
		t.Fatal("same seed produced different assignments")
	}
	if !reflect.DeepEqual(a.Centroids, b.Centroids) {
		t.Fatal("same seed produced different centroids")
	}
}

func TestAssignNichesNonConvergence(t *testing.T) {
	cells, labels := cellGrid(150, []string{"T", "B", "Mac"})
	table, err := ComputeCompositions(cells, labels, 12, Options{})
	if err != nil {
		t.Fatalf("ComputeCompositions: %v", err)
	}

	asn, err := AssignNiches(table, 5, 3, 1)
	if err != nil {
		t.Fatalf("one-iteration budget must not be fatal: %v", err)
	}
	if asn.Converged {
		t.Error("expected Converged=false with a one-iteration budget")
	}
	if len(asn.Niches) != len(table.Keys) {
		t.Errorf("got %d assignments for %d cells", len(asn.Niches), len(table.Keys))
	}
}

func TestProfiles(t *testing.T) {
	table := &CompositionTable{
		Labels:  []string{"B", "T"},
		Keys:    []string{"a", "b", "c", "d"},
		Vectors: [][]float64{{2, 0}, {2, 0}, {0, 2}, {0, 4}},
	}
	asn := &Assignment{
		Keys:    table.Keys,
		Niches:  []int{0, 0, 1, 1},
		KNiches: 2,
	}

	got := Profiles(table, asn)
	want := []Profile{
		{Niche: 0, Cells: 2, Mean: []float64{2, 0}},
		{Niche: 1, Cells: 2, Mean: []float64{0, 3}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Profiles = %+v, want %+v", got, want)
	}
}
