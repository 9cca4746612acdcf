package api

import (
	"fmt"
	"log"

	"github.com/nichemap/server/internal/cache"
	"github.com/nichemap/server/internal/config"
	"github.com/nichemap/server/internal/render"
	"github.com/nichemap/server/internal/service"
)

// DatasetRegistry holds the datasets the server exposes, in configuration
// order. It implements service.DatasetLookup.
type DatasetRegistry struct {
	datasets  map[string]*service.Dataset
	order     []string
	defaultID string
}

// NewDatasetRegistry opens every configured dataset. A dataset that fails
// to open is skipped with a log line rather than aborting startup; at
// least one must open.
func NewDatasetRegistry(cfg *config.Config, renderer *render.MapRenderer, caches *cache.Cache) (*DatasetRegistry, error) {
	reg := &DatasetRegistry{
		datasets:  make(map[string]*service.Dataset),
		defaultID: cfg.DefaultDataset,
	}
	for _, id := range cfg.DatasetIDs() {
		ds, err := service.NewDataset(id, cfg.Datasets[id], renderer, caches)
		if err != nil {
			log.Printf("[Registry] skipping dataset %s: %v", id, err)
			continue
		}
		reg.datasets[id] = ds
		reg.order = append(reg.order, id)
	}
	if len(reg.order) == 0 {
		return nil, fmt.Errorf("no datasets could be opened")
	}
	if _, ok := reg.datasets[reg.defaultID]; !ok {
		reg.defaultID = reg.order[0]
	}
	return reg, nil
}

// Dataset resolves a dataset id.
func (r *DatasetRegistry) Dataset(id string) (*service.Dataset, bool) {
	ds, ok := r.datasets[id]
	return ds, ok
}

// IDs returns the dataset ids in configuration order.
func (r *DatasetRegistry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultID returns the default dataset id.
func (r *DatasetRegistry) DefaultID() string { return r.defaultID }
