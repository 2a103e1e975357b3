// Package config handles configuration loading for the viewer server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Viewer ViewerConfig `yaml:"viewer"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	CORSOrigins            []string `yaml:"cors_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// LogConfig contains logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DatasetConfig describes one image. Exactly one of ZarrPath and Synthetic
// is used; ZarrPath wins when both are set.
type DatasetConfig struct {
	Title     string           `yaml:"title"`
	ZarrPath  string           `yaml:"zarr_path"`
	Synthetic *SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig generates an in-memory test image.
type SyntheticConfig struct {
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	Depth         int     `yaml:"depth"`
	Channels      int     `yaml:"channels"`
	Levels        int     `yaml:"levels"`
	TileSize      int     `yaml:"tile_size"`
	PhysicalSizeX float64 `yaml:"physical_size_x"`
	PhysicalSizeZ float64 `yaml:"physical_size_z"`
	Unit          string  `yaml:"unit"`
}

// DataConfig holds the datasets in configuration order.
//
// Two YAML layouts are accepted: a single dataset written directly under
// data (registered as "default"), or a mapping of dataset id to dataset.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

const legacyDatasetID = "default"

var legacyKeys = map[string]bool{"title": true, "zarr_path": true, "synthetic": true}

// UnmarshalYAML accepts both the single and the multi-dataset layout.
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %s", value.Tag)
	}
	for i := 0; i < len(value.Content); i += 2 {
		if legacyKeys[value.Content[i].Value] {
			var ds DatasetConfig
			if err := value.Decode(&ds); err != nil {
				return fmt.Errorf("data: %w", err)
			}
			d.Datasets = map[string]DatasetConfig{legacyDatasetID: ds}
			d.order = []string{legacyDatasetID}
			d.DefaultDataset = legacyDatasetID
			return nil
		}
	}

	d.Datasets = make(map[string]DatasetConfig, len(value.Content)/2)
	d.order = d.order[:0]
	for i := 0; i < len(value.Content); i += 2 {
		id := value.Content[i].Value
		var ds DatasetConfig
		if err := value.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Datasets[id]; dup {
			return fmt.Errorf("data: duplicate dataset %q", id)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// DatasetIDs returns the dataset ids in configuration order.
func (d DataConfig) DatasetIDs() []string {
	if len(d.order) == len(d.Datasets) {
		return append([]string(nil), d.order...)
	}
	ids := make([]string, 0, len(d.Datasets))
	for id := range d.Datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PreviewSizeMB     int `yaml:"preview_size_mb"`
	PreviewTTLMinutes int `yaml:"preview_ttl_minutes"`
	QueryCacheSize    int `yaml:"query_cache_size"`
	ChunkCacheMB      int `yaml:"chunk_cache_mb"`
}

// RenderConfig contains preview rendering settings.
type RenderConfig struct {
	MaxSize int  `yaml:"max_size"`
	Smooth  bool `yaml:"smooth"`
}

// ViewerConfig contains session defaults.
type ViewerConfig struct {
	MaxConcurrentFetches int     `yaml:"max_concurrent_fetches"`
	GeometryCacheSize    int     `yaml:"geometry_cache_size"`
	SessionTTLMinutes    int     `yaml:"session_ttl_minutes"`
	DetailWidth          float64 `yaml:"detail_width"`
	DetailHeight         float64 `yaml:"detail_height"`
	ZoomBackOff          float64 `yaml:"zoom_back_off"`
	OverviewScale        float64 `yaml:"overview_scale"`
	OverviewPosition     string  `yaml:"overview_position"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		return cfg, applyEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   8080,
			CORSOrigins:            []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeoutSeconds: 10,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Data: DataConfig{
			Datasets:       map[string]DatasetConfig{legacyDatasetID: {Title: "Synthetic", Synthetic: DefaultSynthetic()}},
			DefaultDataset: legacyDatasetID,
			order:          []string{legacyDatasetID},
		},
		Cache: CacheConfig{
			PreviewSizeMB:     256,
			PreviewTTLMinutes: 10,
			QueryCacheSize:    256,
			ChunkCacheMB:      256,
		},
		Render: RenderConfig{
			MaxSize: 2048,
		},
		Viewer: ViewerConfig{
			MaxConcurrentFetches: 16,
			GeometryCacheSize:    128,
			SessionTTLMinutes:    30,
			DetailWidth:          1024,
			DetailHeight:         768,
			OverviewScale:        0.2,
			OverviewPosition:     "bottom-right",
		},
	}
}

// DefaultSynthetic is the demo image served when no data is configured.
func DefaultSynthetic() *SyntheticConfig {
	return &SyntheticConfig{
		Width:         1024,
		Height:        768,
		Depth:         8,
		Channels:      3,
		Levels:        3,
		TileSize:      256,
		PhysicalSizeX: 0.325,
		PhysicalSizeZ: 1.5,
		Unit:          "µm",
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = defaults.Server.ShutdownTimeoutSeconds
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = defaults.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = defaults.Log.MaxBackups
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = defaults.Log.MaxAgeDays
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.ZarrPath == "" && ds.Synthetic == nil {
			ds.Synthetic = DefaultSynthetic()
		}
		if ds.Synthetic != nil {
			fillSynthetic(ds.Synthetic)
		}
		if ds.Title == "" {
			ds.Title = id
		}
		cfg.Data.Datasets[id] = ds
	}

	if cfg.Cache.PreviewSizeMB == 0 {
		cfg.Cache.PreviewSizeMB = defaults.Cache.PreviewSizeMB
	}
	if cfg.Cache.PreviewTTLMinutes == 0 {
		cfg.Cache.PreviewTTLMinutes = defaults.Cache.PreviewTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Cache.ChunkCacheMB == 0 {
		cfg.Cache.ChunkCacheMB = defaults.Cache.ChunkCacheMB
	}

	if cfg.Render.MaxSize == 0 {
		cfg.Render.MaxSize = defaults.Render.MaxSize
	}

	if cfg.Viewer.MaxConcurrentFetches == 0 {
		cfg.Viewer.MaxConcurrentFetches = defaults.Viewer.MaxConcurrentFetches
	}
	if cfg.Viewer.GeometryCacheSize == 0 {
		cfg.Viewer.GeometryCacheSize = defaults.Viewer.GeometryCacheSize
	}
	if cfg.Viewer.SessionTTLMinutes == 0 {
		cfg.Viewer.SessionTTLMinutes = defaults.Viewer.SessionTTLMinutes
	}
	if cfg.Viewer.DetailWidth == 0 {
		cfg.Viewer.DetailWidth = defaults.Viewer.DetailWidth
	}
	if cfg.Viewer.DetailHeight == 0 {
		cfg.Viewer.DetailHeight = defaults.Viewer.DetailHeight
	}
	if cfg.Viewer.OverviewScale == 0 {
		cfg.Viewer.OverviewScale = defaults.Viewer.OverviewScale
	}
	if cfg.Viewer.OverviewPosition == "" {
		cfg.Viewer.OverviewPosition = defaults.Viewer.OverviewPosition
	}
}

func fillSynthetic(s *SyntheticConfig) {
	d := DefaultSynthetic()
	if s.Width == 0 {
		s.Width = d.Width
	}
	if s.Height == 0 {
		s.Height = d.Height
	}
	if s.Depth == 0 {
		s.Depth = 1
	}
	if s.Channels == 0 {
		s.Channels = d.Channels
	}
	if s.Levels == 0 {
		s.Levels = d.Levels
	}
	if s.TileSize == 0 {
		s.TileSize = d.TileSize
	}
}

// applyEnv lets VIV_PORT and VIV_LOG_LEVEL override the file.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("VIV_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid VIV_PORT %q", v)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("VIV_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}
