package cells

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// writeTestDataset lays out a two-FOV dataset under dir.
func writeTestDataset(t *testing.T, dir string, withKeys bool) {
	t.Helper()

	meta := Metadata{
		Name:   "test",
		Dims:   2,
		Labels: []string{"B", "T"},
		FOVs: []FOVInfo{
			{ID: "f0", Cells: 3, Bounds: Bounds{Min: []float64{0, 0}, Max: []float64{2, 1}}},
			{ID: "f1", Cells: 1, Bounds: Bounds{Min: []float64{5, 5}, Max: []float64{5, 5}}},
		},
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	writeColumn := func(fov, name string, data []byte) {
		p := filepath.Join(dir, "fovs", fov)
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(p, name), enc.EncodeAll(data, nil), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	coords := func(vals ...float32) []byte {
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
	labels := func(vals ...int32) []byte {
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
		return out
	}

	writeColumn("f0", "coords.bin.zst", coords(0, 0, 1, 0, 2, 1))
	writeColumn("f0", "labels.bin.zst", labels(0, 1, 1))
	writeColumn("f1", "coords.bin.zst", coords(5, 5))
	writeColumn("f1", "labels.bin.zst", labels(0))

	if withKeys {
		keys, _ := json.Marshal([]string{"cell-a", "cell-b", "cell-c"})
		writeColumn("f0", "keys.json.zst", keys)
	}
}

func TestReaderMetadata(t *testing.T) {
	dir := t.TempDir()
	writeTestDataset(t, dir, false)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	meta, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Name != "test" || meta.Dims != 2 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if !reflect.DeepEqual(meta.Labels, []string{"B", "T"}) {
		t.Errorf("labels = %v", meta.Labels)
	}
	if len(meta.FOVs) != 2 {
		t.Fatalf("got %d fovs, want 2", len(meta.FOVs))
	}

	info, err := r.FOVInfo("f0")
	if err != nil {
		t.Fatalf("FOVInfo: %v", err)
	}
	if info.Cells != 3 {
		t.Errorf("f0 cells = %d, want 3", info.Cells)
	}
	if _, err := r.FOVInfo("missing"); err == nil {
		t.Error("expected error for unknown fov")
	}
}

func TestReaderReadFOV(t *testing.T) {
	dir := t.TempDir()
	writeTestDataset(t, dir, true)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	fov, err := r.ReadFOV("f0")
	if err != nil {
		t.Fatalf("ReadFOV: %v", err)
	}

	wantCoords := [][]float64{{0, 0}, {1, 0}, {2, 1}}
	if !reflect.DeepEqual(fov.Coords, wantCoords) {
		t.Errorf("coords = %v, want %v", fov.Coords, wantCoords)
	}
	if !reflect.DeepEqual(fov.Labels, []int{0, 1, 1}) {
		t.Errorf("labels = %v", fov.Labels)
	}
	if !reflect.DeepEqual(fov.Keys, []string{"cell-a", "cell-b", "cell-c"}) {
		t.Errorf("keys = %v", fov.Keys)
	}

	name, err := r.LabelName(fov.Labels[1])
	if err != nil || name != "T" {
		t.Errorf("LabelName(1) = %q, %v; want T", name, err)
	}
}

func TestReaderSyntheticKeys(t *testing.T) {
	dir := t.TempDir()
	writeTestDataset(t, dir, false)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	fov, err := r.ReadFOV("f0")
	if err != nil {
		t.Fatalf("ReadFOV: %v", err)
	}
	if !reflect.DeepEqual(fov.Keys, []string{"f0:0", "f0:1", "f0:2"}) {
		t.Errorf("synthetic keys = %v", fov.Keys)
	}
}

func TestReaderBadInput(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing directory")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if _, err := r.Metadata(); err == nil {
		t.Error("expected error for malformed metadata")
	}
}
