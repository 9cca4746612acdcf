// Package cells reads segmented-cell datasets from the on-disk columnar
// layout: a metadata.json describing the dataset plus one directory per
// field of view holding zstd-compressed little-endian column files.
package cells

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Bounds is an axis-aligned bounding box over the coordinate space.
type Bounds struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// FOVInfo describes one field of view.
type FOVInfo struct {
	ID     string `json:"id"`
	Cells  int    `json:"cells"`
	Bounds Bounds `json:"bounds"`
}

// Metadata is the dataset-level descriptor stored in metadata.json.
type Metadata struct {
	Name   string    `json:"name"`
	Dims   int       `json:"dims"`
	Labels []string  `json:"labels"`
	FOVs   []FOVInfo `json:"fovs"`
}

// FOV holds the decoded columns of one field of view. Coords[i] has
// Metadata.Dims entries; Labels[i] indexes into Metadata.Labels; Keys[i] is
// the stable cell key.
type FOV struct {
	ID     string
	Coords [][]float64
	Labels []int
	Keys   []string
}

// Reader provides access to one dataset directory. It is safe for
// concurrent use; metadata is loaded once, field-of-view columns are read
// on demand.
type Reader struct {
	path string

	metaOnce sync.Once
	meta     *Metadata
	metaErr  error

	fovIdx map[string]*FOVInfo
	dec    *zstd.Decoder
}

// NewReader opens the dataset rooted at path. The directory must exist;
// contents are validated lazily.
func NewReader(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open dataset %s: not a directory", path)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Reader{path: path, dec: dec}, nil
}

// Path returns the dataset root directory.
func (r *Reader) Path() string { return r.path }

// Metadata returns the dataset descriptor, loading it on first use.
func (r *Reader) Metadata() (*Metadata, error) {
	r.metaOnce.Do(func() {
		raw, err := os.ReadFile(filepath.Join(r.path, "metadata.json"))
		if err != nil {
			r.metaErr = fmt.Errorf("read metadata: %w", err)
			return
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			r.metaErr = fmt.Errorf("parse metadata: %w", err)
			return
		}
		if meta.Dims != 2 && meta.Dims != 3 {
			r.metaErr = fmt.Errorf("metadata: dims must be 2 or 3, got %d", meta.Dims)
			return
		}
		if len(meta.Labels) == 0 {
			r.metaErr = fmt.Errorf("metadata: empty label vocabulary")
			return
		}
		r.fovIdx = make(map[string]*FOVInfo, len(meta.FOVs))
		for i := range meta.FOVs {
			r.fovIdx[meta.FOVs[i].ID] = &meta.FOVs[i]
		}
		r.meta = &meta
	})
	return r.meta, r.metaErr
}

// FOVInfo returns the descriptor for one field of view.
func (r *Reader) FOVInfo(id string) (*FOVInfo, error) {
	if _, err := r.Metadata(); err != nil {
		return nil, err
	}
	info, ok := r.fovIdx[id]
	if !ok {
		return nil, fmt.Errorf("unknown fov %q", id)
	}
	return info, nil
}

// ReadFOV decodes the coordinate, label and key columns of one field of
// view. The key column is optional; missing keys default to "<fov>:<i>".
func (r *Reader) ReadFOV(id string) (*FOV, error) {
	meta, err := r.Metadata()
	if err != nil {
		return nil, err
	}
	info, err := r.FOVInfo(id)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(r.path, "fovs", id)

	coordBytes, err := r.readColumn(filepath.Join(dir, "coords.bin.zst"))
	if err != nil {
		return nil, fmt.Errorf("fov %q: %w", id, err)
	}
	coords, err := decodeCoords(coordBytes, info.Cells, meta.Dims)
	if err != nil {
		return nil, fmt.Errorf("fov %q coords: %w", id, err)
	}

	labelBytes, err := r.readColumn(filepath.Join(dir, "labels.bin.zst"))
	if err != nil {
		return nil, fmt.Errorf("fov %q: %w", id, err)
	}
	labels, err := decodeLabels(labelBytes, info.Cells, len(meta.Labels))
	if err != nil {
		return nil, fmt.Errorf("fov %q labels: %w", id, err)
	}

	keys, err := r.readKeys(filepath.Join(dir, "keys.json.zst"), id, info.Cells)
	if err != nil {
		return nil, fmt.Errorf("fov %q keys: %w", id, err)
	}

	return &FOV{ID: id, Coords: coords, Labels: labels, Keys: keys}, nil
}

// LabelName maps a vocabulary index to its label string.
func (r *Reader) LabelName(idx int) (string, error) {
	meta, err := r.Metadata()
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(meta.Labels) {
		return "", fmt.Errorf("label index %d out of range [0, %d)", idx, len(meta.Labels))
	}
	return meta.Labels[idx], nil
}

// Close releases the decoder. The reader must not be used afterwards.
func (r *Reader) Close() {
	r.dec.Close()
}

func (r *Reader) readColumn(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out, err := r.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func (r *Reader) readKeys(path, fov string, n int) ([]string, error) {
	raw, err := r.readColumn(path)
	if os.IsNotExist(err) {
		keys := make([]string, n)
		for i := range keys {
			keys[i] = fmt.Sprintf("%s:%d", fov, i)
		}
		return keys, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parse key column: %w", err)
	}
	if len(keys) != n {
		return nil, fmt.Errorf("key column has %d entries, expected %d", len(keys), n)
	}
	return keys, nil
}

// decodeCoords reads n*dims little-endian float32 values.
func decodeCoords(data []byte, n, dims int) ([][]float64, error) {
	want := n * dims * 4
	if len(data) != want {
		return nil, fmt.Errorf("coordinate column is %d bytes, expected %d", len(data), want)
	}
	coords := make([][]float64, n)
	flat := make([]float64, n*dims)
	for i := 0; i < n*dims; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		v := float64(math.Float32frombits(bits))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite coordinate at offset %d", i)
		}
		flat[i] = v
	}
	for i := range coords {
		coords[i] = flat[i*dims : (i+1)*dims : (i+1)*dims]
	}
	return coords, nil
}

// decodeLabels reads n little-endian int32 vocabulary indices.
func decodeLabels(data []byte, n, vocab int) ([]int, error) {
	want := n * 4
	if len(data) != want {
		return nil, fmt.Errorf("label column is %d bytes, expected %d", len(data), want)
	}
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		v := int(int32(binary.LittleEndian.Uint32(data[i*4:])))
		if v < 0 || v >= vocab {
			return nil, fmt.Errorf("label index %d at row %d out of range [0, %d)", v, i, vocab)
		}
		labels[i] = v
	}
	return labels, nil
}
