// Package config loads the server's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatasetConfig describes one dataset served by the process.
type DatasetConfig struct {
	// Name is the display name; defaults to the dataset id.
	Name string `yaml:"name"`
	// Path is the dataset directory (columnar) or experiment URI (soma).
	Path string `yaml:"path"`
	// Source selects the reader: "columnar" (default) or "soma".
	Source string `yaml:"source"`
	// LabelColumn names the obs column holding group labels for soma
	// datasets.
	LabelColumn string `yaml:"label_column"`
}

// CacheConfig sizes the in-memory caches.
type CacheConfig struct {
	MapTTLSeconds int `yaml:"map_ttl_seconds"`
	MapMaxMB      int `yaml:"map_max_mb"`
	QueryEntries  int `yaml:"query_entries"`
}

// RenderConfig controls map image rasterization.
type RenderConfig struct {
	MapSize     int     `yaml:"map_size"`
	PointRadius float64 `yaml:"point_radius"`
}

// NicheConfig controls job execution and retention.
type NicheConfig struct {
	DBPath             string `yaml:"db_path"`
	Workers            int    `yaml:"workers"`
	RetentionHours     int    `yaml:"retention_hours"`
	CleanupIntervalMin int    `yaml:"cleanup_interval_minutes"`
}

// Config is the full server configuration.
type Config struct {
	Server         ServerConfig
	Cache          CacheConfig
	Render         RenderConfig
	Niche          NicheConfig
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns the dataset ids in configuration file order.
func (c *Config) DatasetIDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Config, error) {
	var file struct {
		Server         ServerConfig `yaml:"server"`
		Cache          CacheConfig  `yaml:"cache"`
		Render         RenderConfig `yaml:"render"`
		Niche          NicheConfig  `yaml:"niche"`
		Datasets       yaml.Node    `yaml:"datasets"`
		DefaultDataset string       `yaml:"default_dataset"`
		// DataPath is the legacy single-dataset form.
		DataPath string `yaml:"data_path"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Server:         file.Server,
		Cache:          file.Cache,
		Render:         file.Render,
		Niche:          file.Niche,
		Datasets:       make(map[string]DatasetConfig),
		DefaultDataset: file.DefaultDataset,
	}

	// Mapping nodes keep document order; a plain map[string] would lose it.
	if file.Datasets.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(file.Datasets.Content); i += 2 {
			id := file.Datasets.Content[i].Value
			var ds DatasetConfig
			if err := file.Datasets.Content[i+1].Decode(&ds); err != nil {
				return nil, fmt.Errorf("parse dataset %q: %w", id, err)
			}
			if _, dup := cfg.Datasets[id]; dup {
				return nil, fmt.Errorf("duplicate dataset id %q", id)
			}
			cfg.Datasets[id] = ds
			cfg.order = append(cfg.order, id)
		}
	} else if file.DataPath != "" {
		cfg.Datasets["default"] = DatasetConfig{Path: file.DataPath}
		cfg.order = []string{"default"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Datasets) == 0 {
		return fmt.Errorf("config: no datasets defined")
	}
	for id, ds := range c.Datasets {
		if ds.Path == "" {
			return fmt.Errorf("config: dataset %q has no path", id)
		}
		switch ds.Source {
		case "", "columnar", "soma":
		default:
			return fmt.Errorf("config: dataset %q has unknown source %q", id, ds.Source)
		}
	}
	if c.DefaultDataset != "" {
		if _, ok := c.Datasets[c.DefaultDataset]; !ok {
			return fmt.Errorf("config: default dataset %q is not defined", c.DefaultDataset)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DefaultDataset == "" {
		c.DefaultDataset = c.order[0]
	}
	for id, ds := range c.Datasets {
		if ds.Name == "" {
			ds.Name = id
		}
		if ds.Source == "" {
			ds.Source = "columnar"
		}
		c.Datasets[id] = ds
	}
	if c.Niche.DBPath == "" {
		c.Niche.DBPath = "niche-jobs.db"
	}
	if c.Niche.Workers <= 0 {
		c.Niche.Workers = 2
	}
	if c.Niche.RetentionHours <= 0 {
		c.Niche.RetentionHours = 72
	}
	if c.Niche.CleanupIntervalMin <= 0 {
		c.Niche.CleanupIntervalMin = 60
	}
	if c.Render.MapSize <= 0 {
		c.Render.MapSize = 1024
	}
	if c.Render.PointRadius <= 0 {
		c.Render.PointRadius = 2
	}
}
