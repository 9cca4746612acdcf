package service

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/nichemap/server/internal/cache"
	"github.com/nichemap/server/internal/config"
	"github.com/nichemap/server/internal/data/cells"
	"github.com/nichemap/server/internal/render"
)

// writeFOVColumns writes one field of view's coords, labels and keys columns.
func writeFOVColumns(t *testing.T, dir, fov string, xs, ys []float32, labelIdx []int32, keys []string) {
	t.Helper()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	fovDir := filepath.Join(dir, "fovs", fov)
	if err := os.MkdirAll(fovDir, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(fovDir, name), enc.EncodeAll(data, nil), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	coordBytes := make([]byte, 8*len(keys))
	for i := range keys {
		binary.LittleEndian.PutUint32(coordBytes[i*8:], math.Float32bits(xs[i]))
		binary.LittleEndian.PutUint32(coordBytes[i*8+4:], math.Float32bits(ys[i]))
	}
	write("coords.bin.zst", coordBytes)

	labelBytes := make([]byte, 4*len(labelIdx))
	for i, v := range labelIdx {
		binary.LittleEndian.PutUint32(labelBytes[i*4:], uint32(v))
	}
	write("labels.bin.zst", labelBytes)

	keyJSON, err := json.Marshal(keys)
	if err != nil {
		t.Fatal(err)
	}
	write("keys.json.zst", keyJSON)
}

func writeMetadata(t *testing.T, dir string, meta cells.Metadata) {
	t.Helper()
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeBlockDataset lays out a columnar dataset with one field of view
// containing two spatially separated blocks of 30 cells each: the left
// block labeled T, the right labeled B. Niche clustering with k_niches=2
// must recover the blocks.
func writeBlockDataset(t *testing.T, dir string) {
	t.Helper()

	var xs, ys []float32
	var labelIdx []int32
	var keys []string
	for i := 0; i < 30; i++ {
		xs = append(xs, float32(i%6))
		ys = append(ys, float32(i/6))
		labelIdx = append(labelIdx, 1) // T
		keys = append(keys, fmt.Sprintf("L%d", i))
	}
	for i := 0; i < 30; i++ {
		xs = append(xs, 100+float32(i%6))
		ys = append(ys, float32(i/6))
		labelIdx = append(labelIdx, 0) // B
		keys = append(keys, fmt.Sprintf("R%d", i))
	}

	writeMetadata(t, dir, cells.Metadata{
		Name:   "blocks",
		Dims:   2,
		Labels: []string{"B", "T"},
		FOVs: []cells.FOVInfo{{
			ID:    "f0",
			Cells: len(keys),
			Bounds: cells.Bounds{
				Min: []float64{0, 0},
				Max: []float64{105, 4},
			},
		}},
	})
	writeFOVColumns(t, dir, "f0", xs, ys, labelIdx, keys)
}

// writeTwoFOVDataset lays out a columnar dataset with two fields of view
// over the vocabulary [B, Mac, T]. f0 holds two 12-cell blocks (T then B)
// and never observes Mac; f1 holds three 6-cell blocks (Mac, B, T). The
// fields of view overlap in coordinate space, so any neighbor search that
// crossed them would mix labels.
func writeTwoFOVDataset(t *testing.T, dir string) {
	t.Helper()

	var xs0, ys0 []float32
	var labels0 []int32
	var keys0 []string
	for i := 0; i < 12; i++ {
		xs0 = append(xs0, float32(i%4))
		ys0 = append(ys0, float32(i/4))
		labels0 = append(labels0, 2) // T
		keys0 = append(keys0, fmt.Sprintf("A%d", i))
	}
	for i := 0; i < 12; i++ {
		xs0 = append(xs0, 100+float32(i%4))
		ys0 = append(ys0, float32(i/4))
		labels0 = append(labels0, 0) // B
		keys0 = append(keys0, fmt.Sprintf("A%d", 12+i))
	}

	var xs1, ys1 []float32
	var labels1 []int32
	var keys1 []string
	for b, label := range []int32{1, 0, 2} { // Mac, B, T blocks
		for i := 0; i < 6; i++ {
			xs1 = append(xs1, float32(50*b)+float32(i%3))
			ys1 = append(ys1, float32(i/3))
			labels1 = append(labels1, label)
			keys1 = append(keys1, fmt.Sprintf("C%d", 6*b+i))
		}
	}

	writeMetadata(t, dir, cells.Metadata{
		Name:   "tissue",
		Dims:   2,
		Labels: []string{"B", "Mac", "T"},
		FOVs: []cells.FOVInfo{
			{
				ID:    "f0",
				Cells: len(keys0),
				Bounds: cells.Bounds{
					Min: []float64{0, 0},
					Max: []float64{103, 2},
				},
			},
			{
				ID:    "f1",
				Cells: len(keys1),
				Bounds: cells.Bounds{
					Min: []float64{0, 0},
					Max: []float64{102, 1},
				},
			},
		},
	})
	writeFOVColumns(t, dir, "f0", xs0, ys0, labels0, keys0)
	writeFOVColumns(t, dir, "f1", xs1, ys1, labels1, keys1)
}

func newTestDataset(t *testing.T) *Dataset {
	t.Helper()
	dir := t.TempDir()
	writeBlockDataset(t, dir)
	return openTestDataset(t, "blocks", dir)
}

func newTwoFOVDataset(t *testing.T) *Dataset {
	t.Helper()
	dir := t.TempDir()
	writeTwoFOVDataset(t, dir)
	return openTestDataset(t, "tissue", dir)
}

func openTestDataset(t *testing.T, id, dir string) *Dataset {
	t.Helper()

	caches, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { caches.Close() })

	ds, err := NewDataset(id, config.DatasetConfig{Path: dir}, render.NewMapRenderer(128, 2), caches)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	return ds
}
