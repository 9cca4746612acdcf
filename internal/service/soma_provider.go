package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nichemap/server/internal/data/cells"
	"github.com/nichemap/server/internal/data/soma"
)

// somaFOVID is the synthetic field-of-view id for SOMA experiments, whose
// obs dataframe carries the whole slide.
const somaFOVID = "obs"

// somaProvider adapts a SOMA experiment to the CellProvider interface. The
// experiment is imported once on first access and held in memory.
type somaProvider struct {
	uri         string
	labelColumn string

	once sync.Once
	err  error
	meta *cells.Metadata
	fov  *cells.FOV
}

func newSomaProvider(uri, labelColumn string) *somaProvider {
	if labelColumn == "" {
		labelColumn = "cell_type"
	}
	return &somaProvider{uri: uri, labelColumn: labelColumn}
}

func (p *somaProvider) load() {
	p.once.Do(func() {
		imported, err := soma.ReadCells(p.uri, p.labelColumn)
		if err != nil {
			p.err = fmt.Errorf("import soma experiment %s: %w", p.uri, err)
			return
		}
		if len(imported.Keys) == 0 {
			p.err = fmt.Errorf("soma experiment %s: empty obs dataframe", p.uri)
			return
		}

		vocabSet := make(map[string]int)
		for _, l := range imported.Labels {
			vocabSet[l] = 0
		}
		vocab := make([]string, 0, len(vocabSet))
		for l := range vocabSet {
			vocab = append(vocab, l)
		}
		sort.Strings(vocab)
		for i, l := range vocab {
			vocabSet[l] = i
		}

		labels := make([]int, len(imported.Labels))
		for i, l := range imported.Labels {
			labels[i] = vocabSet[l]
		}

		bounds := cells.Bounds{
			Min: append([]float64(nil), imported.Coords[0]...),
			Max: append([]float64(nil), imported.Coords[0]...),
		}
		for _, c := range imported.Coords {
			for d, v := range c {
				if v < bounds.Min[d] {
					bounds.Min[d] = v
				}
				if v > bounds.Max[d] {
					bounds.Max[d] = v
				}
			}
		}

		p.meta = &cells.Metadata{
			Name:   p.uri,
			Dims:   len(imported.Coords[0]),
			Labels: vocab,
			FOVs: []cells.FOVInfo{
				{ID: somaFOVID, Cells: len(imported.Keys), Bounds: bounds},
			},
		}
		p.fov = &cells.FOV{
			ID:     somaFOVID,
			Coords: imported.Coords,
			Labels: labels,
			Keys:   imported.Keys,
		}
	})
}

func (p *somaProvider) Metadata() (*cells.Metadata, error) {
	p.load()
	if p.err != nil {
		return nil, p.err
	}
	return p.meta, nil
}

func (p *somaProvider) ReadFOV(id string) (*cells.FOV, error) {
	p.load()
	if p.err != nil {
		return nil, p.err
	}
	if id != somaFOVID {
		return nil, fmt.Errorf("unknown fov %q", id)
	}
	return p.fov, nil
}
