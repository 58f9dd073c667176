package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adalundhe/keel/core/storage"
)

func testDirs(t *testing.T) *storage.Dirs {
	t.Helper()
	return &storage.Dirs{
		Config: t.TempDir(),
		Data:   t.TempDir(),
		Cache:  t.TempDir(),
		State:  t.TempDir(),
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver: got %s, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Database.BusyTimeout != 30*time.Second {
		t.Errorf("Database.BusyTimeout: got %v, want 30s", cfg.Database.BusyTimeout)
	}
	if !cfg.Merge.CaseSensitive {
		t.Error("Merge.CaseSensitive should default to true")
	}
	if !cfg.Undo.Enabled {
		t.Error("Undo.Enabled should default to true")
	}
	if cfg.Content.CacheSize <= 0 {
		t.Errorf("Content.CacheSize: got %d", cfg.Content.CacheSize)
	}
}

func TestManagerGet(t *testing.T) {
	m := NewManager(testDirs(t), "")

	cfg := m.Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level: got %s, want info", cfg.Log.Level)
	}
}

func TestManagerLoadLayers(t *testing.T) {
	dirs := testDirs(t)
	root := t.TempDir()

	userConfig := `
database:
  driver: sqlite
merge:
  binary_glob: ["*.png"]
`
	if err := os.WriteFile(filepath.Join(dirs.Config, "config.yaml"), []byte(userConfig), 0644); err != nil {
		t.Fatal(err)
	}

	project := storage.ResolveProjectDirs(root)
	if err := project.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	projectConfig := `
merge:
  case_sensitive: false
  binary_glob: ["*.gif", "*.jpg"]
content:
  cache_size: 16
`
	if err := os.WriteFile(project.Config, []byte(projectConfig), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dirs, root)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := m.Get()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("user layer lost: driver %s", cfg.Database.Driver)
	}
	if cfg.Merge.CaseSensitive {
		t.Error("project layer should disable case sensitivity")
	}
	if len(cfg.Merge.BinaryGlob) != 2 || cfg.Merge.BinaryGlob[0] != "*.gif" {
		t.Errorf("project layer should override binary glob: %v", cfg.Merge.BinaryGlob)
	}
	if cfg.Content.CacheSize != 16 {
		t.Errorf("Content.CacheSize: got %d, want 16", cfg.Content.CacheSize)
	}
	if cfg.Content.MaxDeltaChain != 100 {
		t.Errorf("defaults should survive partial files: %d", cfg.Content.MaxDeltaChain)
	}
}

func TestManagerEnvironment(t *testing.T) {
	t.Setenv("KEEL_DB_DRIVER", "sqlite")
	t.Setenv("KEEL_CASE_SENSITIVE", "false")
	t.Setenv("KEEL_BINARY_GLOB", "*.bin, *.so")

	m := NewManager(testDirs(t), "")
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}

	cfg := m.Get()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver: %s", cfg.Database.Driver)
	}
	if cfg.Merge.CaseSensitive {
		t.Error("KEEL_CASE_SENSITIVE=false not applied")
	}
	if len(cfg.Merge.BinaryGlob) != 2 || cfg.Merge.BinaryGlob[1] != "*.so" {
		t.Errorf("binary glob: %v", cfg.Merge.BinaryGlob)
	}
}
