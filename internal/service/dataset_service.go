package service

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/nichemap/server/internal/cache"
	"github.com/nichemap/server/internal/config"
	"github.com/nichemap/server/internal/data/cells"
	"github.com/nichemap/server/internal/data/soma"
	"github.com/nichemap/server/internal/render"
	"github.com/nichemap/server/internal/spatial"
	"github.com/nichemap/server/pkg/colormap"
)

// CellProvider abstracts the dataset backends. *cells.Reader implements it
// directly; soma experiments are adapted by somaProvider.
type CellProvider interface {
	Metadata() (*cells.Metadata, error)
	ReadFOV(id string) (*cells.FOV, error)
}

// loadedFOV is one field of view with its spatial index. Columns load and
// indexing are separate lazy stages, kept for the dataset's lifetime.
type loadedFOV struct {
	dataOnce sync.Once
	dataErr  error
	data     *cells.FOV

	indexOnce sync.Once
	indexErr  error
	index     *spatial.Index
}

// Dataset serves queries and map renders for one configured dataset.
type Dataset struct {
	ID   string
	Name string

	provider CellProvider
	renderer *render.MapRenderer
	caches   *cache.Cache

	mu   sync.Mutex
	fovs map[string]*loadedFOV
}

// NewDataset opens the dataset described by cfg.
func NewDataset(id string, cfg config.DatasetConfig, renderer *render.MapRenderer, caches *cache.Cache) (*Dataset, error) {
	var provider CellProvider
	switch cfg.Source {
	case "", "columnar":
		r, err := cells.NewReader(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		provider = r
	case "soma":
		uri, err := soma.ResolveExperimentURI(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		provider = newSomaProvider(uri, cfg.LabelColumn)
	default:
		return nil, fmt.Errorf("dataset %s: unknown source %q", id, cfg.Source)
	}

	name := cfg.Name
	if name == "" {
		name = id
	}
	return &Dataset{
		ID:       id,
		Name:     name,
		provider: provider,
		renderer: renderer,
		caches:   caches,
		fovs:     make(map[string]*loadedFOV),
	}, nil
}

// Metadata returns the dataset descriptor.
func (d *Dataset) Metadata() (*cells.Metadata, error) {
	return d.provider.Metadata()
}

// FOVs lists the dataset's fields of view.
func (d *Dataset) FOVs() ([]cells.FOVInfo, error) {
	meta, err := d.provider.Metadata()
	if err != nil {
		return nil, err
	}
	return meta.FOVs, nil
}

// LabelColor pairs a group label with its display color.
type LabelColor struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

// LabelLegend returns the label vocabulary with stable display colors,
// assigned by vocabulary position.
func (d *Dataset) LabelLegend() ([]LabelColor, error) {
	meta, err := d.provider.Metadata()
	if err != nil {
		return nil, err
	}
	legend := make([]LabelColor, len(meta.Labels))
	for i, label := range meta.Labels {
		legend[i] = LabelColor{Label: label, Color: colormap.Categorical.HexAt(i)}
	}
	return legend, nil
}

func (d *Dataset) loaded(id string) *loadedFOV {
	d.mu.Lock()
	defer d.mu.Unlock()
	lf, ok := d.fovs[id]
	if !ok {
		lf = &loadedFOV{}
		d.fovs[id] = lf
	}
	return lf
}

// FOVColumns loads the field of view's columns on first use.
func (d *Dataset) FOVColumns(id string) (*cells.FOV, error) {
	lf := d.loaded(id)
	lf.dataOnce.Do(func() {
		data, err := d.provider.ReadFOV(id)
		if err != nil {
			lf.dataErr = err
			return
		}
		log.Printf("[Dataset %s] loaded fov %s: %d cells", d.ID, id, len(data.Keys))
		lf.data = data
	})
	return lf.data, lf.dataErr
}

// FOVIndex builds the field of view's spatial index on first use.
func (d *Dataset) FOVIndex(id string) (*spatial.Index, error) {
	lf := d.loaded(id)
	if _, err := d.FOVColumns(id); err != nil {
		return nil, err
	}
	lf.indexOnce.Do(func() {
		meta, err := d.provider.Metadata()
		if err != nil {
			lf.indexErr = err
			return
		}
		index, err := spatial.NewIndex(lf.data.Coords, meta.Dims)
		if err != nil {
			lf.indexErr = fmt.Errorf("index fov %q: %w", id, err)
			return
		}
		lf.index = index
	})
	return lf.index, lf.indexErr
}

// FOVData returns the field of view's columns and spatial index.
func (d *Dataset) FOVData(id string) (*cells.FOV, *spatial.Index, error) {
	data, err := d.FOVColumns(id)
	if err != nil {
		return nil, nil, err
	}
	index, err := d.FOVIndex(id)
	if err != nil {
		return nil, nil, err
	}
	return data, index, nil
}

// CellPoint is one cell returned by a bounds query.
type CellPoint struct {
	Key   string  `json:"key"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label"`
}

// CellsInBounds returns up to limit cells inside the axis-aligned box, in
// input order. limit <= 0 means no cap.
func (d *Dataset) CellsInBounds(fov string, min, max []float64, limit int) ([]CellPoint, error) {
	data, index, err := d.FOVData(fov)
	if err != nil {
		return nil, err
	}
	meta, err := d.provider.Metadata()
	if err != nil {
		return nil, err
	}
	// The query box is 2D; for volumetric data it spans the full Z range.
	for len(min) < meta.Dims {
		min = append(min, math.Inf(-1))
		max = append(max, math.Inf(1))
	}

	hits := index.QueryBounds(min, max, limit)
	out := make([]CellPoint, len(hits))
	for i, idx := range hits {
		out[i] = CellPoint{
			Key:   data.Keys[idx],
			X:     data.Coords[idx][0],
			Y:     data.Coords[idx][1],
			Label: meta.Labels[data.Labels[idx]],
		}
	}
	return out, nil
}

// RenderLabelMap rasterizes the field of view colored by group label.
func (d *Dataset) RenderLabelMap(fov string) ([]byte, error) {
	key := cache.MapKey(d.ID, "labels", "", fov)
	if png, ok := d.caches.GetMap(key); ok {
		return png, nil
	}

	data, err := d.FOVColumns(fov)
	if err != nil {
		return nil, err
	}
	points := make([]render.Point, len(data.Coords))
	for i, c := range data.Coords {
		points[i] = render.Point{
			X:     c[0],
			Y:     c[1],
			Color: colormap.Categorical.AtIndex(data.Labels[i]),
		}
	}

	png, err := d.renderFOV(fov, points)
	if err != nil {
		return nil, err
	}
	d.caches.SetMap(key, png)
	return png, nil
}

// RenderNicheMap rasterizes the field of view colored by niche id. niches
// must align with the field of view's cell order.
func (d *Dataset) RenderNicheMap(jobID, fov string, niches []int) ([]byte, error) {
	data, err := d.FOVColumns(fov)
	if err != nil {
		return nil, err
	}
	if len(niches) != len(data.Coords) {
		return nil, fmt.Errorf("fov %q: %d niche assignments for %d cells", fov, len(niches), len(data.Coords))
	}

	key := cache.MapKey(d.ID, "niches", jobID, fov)
	if png, ok := d.caches.GetMap(key); ok {
		return png, nil
	}
	points := make([]render.Point, len(data.Coords))
	for i, c := range data.Coords {
		points[i] = render.Point{
			X:     c[0],
			Y:     c[1],
			Color: colormap.Categorical.AtIndex(niches[i]),
		}
	}

	png, err := d.renderFOV(fov, points)
	if err != nil {
		return nil, err
	}
	d.caches.SetMap(key, png)
	return png, nil
}

func (d *Dataset) renderFOV(fov string, points []render.Point) ([]byte, error) {
	meta, err := d.provider.Metadata()
	if err != nil {
		return nil, err
	}
	for _, info := range meta.FOVs {
		if info.ID == fov {
			b := info.Bounds
			return d.renderer.RenderPoints(points, b.Min[0], b.Min[1], b.Max[0], b.Max[1])
		}
	}
	return nil, fmt.Errorf("unknown fov %q", fov)
}
