package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_LegacyFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  title: "Kidney"
  zarr_path: "/data/legacy/image.zarr"
cache:
  preview_size_mb: 32
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if ds.ZarrPath != "/data/legacy/image.zarr" {
		t.Errorf("unexpected zarr_path: %s", ds.ZarrPath)
	}
	if ds.Title != "Kidney" {
		t.Errorf("unexpected title: %s", ds.Title)
	}
	if ds.Synthetic != nil {
		t.Errorf("a zarr dataset should not get a synthetic image")
	}
	if cfg.Cache.PreviewSizeMB != 32 {
		t.Errorf("expected preview cache 32, got %d", cfg.Cache.PreviewSizeMB)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  kidney:
    zarr_path: "/data/kidney/image.zarr"
  demo:
    synthetic:
      width: 512
      height: 256
      levels: 2
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "kidney" {
		t.Errorf("expected default dataset 'kidney', got %q", cfg.Data.DefaultDataset)
	}

	demo, ok := cfg.Data.Datasets["demo"]
	if !ok || demo.Synthetic == nil {
		t.Fatal("expected synthetic 'demo' dataset")
	}
	if demo.Synthetic.Width != 512 || demo.Synthetic.Levels != 2 {
		t.Errorf("unexpected synthetic config: %+v", *demo.Synthetic)
	}
	if demo.Synthetic.Channels != 3 || demo.Synthetic.TileSize != 256 || demo.Synthetic.Depth != 1 {
		t.Errorf("synthetic defaults not filled: %+v", *demo.Synthetic)
	}
	if demo.Title != "demo" {
		t.Errorf("title should default to the id, got %q", demo.Title)
	}

	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "kidney" || ids[1] != "demo" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    zarr_path: "/test/image.zarr"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.PreviewSizeMB != 256 {
		t.Errorf("expected default preview cache 256, got %d", cfg.Cache.PreviewSizeMB)
	}
	if cfg.Render.MaxSize != 2048 {
		t.Errorf("expected default max size 2048, got %d", cfg.Render.MaxSize)
	}
	if cfg.Viewer.MaxConcurrentFetches != 16 {
		t.Errorf("expected 16 concurrent fetches, got %d", cfg.Viewer.MaxConcurrentFetches)
	}
	if cfg.Viewer.OverviewPosition != "bottom-right" {
		t.Errorf("unexpected overview position %q", cfg.Viewer.OverviewPosition)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Fatalf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
	if cfg.Data.Datasets["default"].Synthetic == nil {
		t.Errorf("the default dataset should be synthetic")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("a missing file should yield defaults: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data: [1, 2"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VIV_PORT", "9100")
	t.Setenv("VIV_LOG_LEVEL", "debug")

	cfg := loadFromString(t, "server:\n  port: 8000\n")
	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env log level, got %q", cfg.Log.Level)
	}

	t.Setenv("VIV_PORT", "nope")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8000\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a bad VIV_PORT")
	}
}

func TestDatasetIDs_Unordered(t *testing.T) {
	d := DataConfig{Datasets: map[string]DatasetConfig{"b": {}, "a": {}}}
	ids := d.DatasetIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected sorted ids, got %v", ids)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
