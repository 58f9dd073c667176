package config

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/adalundhe/keel/core/storage"
	"gopkg.in/yaml.v3"
)

type Manager struct {
	configPtr   unsafe.Pointer
	dirs        *storage.Dirs
	projectRoot string
}

type Config struct {
	User     string         `yaml:"user"`
	Database DatabaseConfig `yaml:"database"`
	Content  ContentConfig  `yaml:"content"`
	Merge    MergeConfig    `yaml:"merge"`
	Undo     UndoConfig     `yaml:"undo"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" (cgo, mattn) or "sqlite" (pure Go, modernc).
	Driver      string        `yaml:"driver"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type ContentConfig struct {
	CacheSize     int `yaml:"cache_size"`
	MaxDeltaChain int `yaml:"max_delta_chain"`
}

type MergeConfig struct {
	BinaryGlob    []string `yaml:"binary_glob"`
	IgnoreGlob    []string `yaml:"ignore_glob"`
	CaseSensitive bool     `yaml:"case_sensitive"`
	AllowSymlinks bool     `yaml:"allow_symlinks"`
}

type UndoConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// NewManager creates a manager holding the defaults. projectRoot may be empty
// when no checkout is open.
func NewManager(dirs *storage.Dirs, projectRoot string) *Manager {
	m := &Manager{
		dirs:        dirs,
		projectRoot: projectRoot,
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig() *Config {
	return &Config{
		User: defaultUser(),
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			BusyTimeout: 30 * time.Second,
		},
		Content: ContentConfig{
			CacheSize:     256,
			MaxDeltaChain: 100,
		},
		Merge: MergeConfig{
			CaseSensitive: true,
			AllowSymlinks: true,
		},
		Undo: UndoConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultUser() string {
	for _, env := range []string{"KEEL_USER", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "anonymous"
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load rebuilds the configuration: defaults, then the user file, then the
// checkout file, then KEEL_* environment overrides.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadUserConfig(cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}

	if err := m.loadProjectConfig(cfg); err != nil {
		return fmt.Errorf("project config: %w", err)
	}

	m.applyEnvironment(cfg)

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return nil
}

func (m *Manager) loadProjectConfig(cfg *Config) error {
	if m.projectRoot == "" {
		return nil
	}
	projectDirs := storage.ResolveProjectDirs(m.projectRoot)
	return m.loadYAMLFile(projectDirs.Config, cfg)
}

func (m *Manager) loadUserConfig(cfg *Config) error {
	if m.dirs == nil {
		return nil
	}
	return m.loadYAMLFile(m.dirs.ConfigDir("config.yaml"), cfg)
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("KEEL_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("KEEL_DB_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.BusyTimeout = d
		}
	}
	if v := os.Getenv("KEEL_CONTENT_CACHE_SIZE"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Content.CacheSize = n
		}
	}
	if v := os.Getenv("KEEL_CASE_SENSITIVE"); v != "" {
		cfg.Merge.CaseSensitive = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("KEEL_BINARY_GLOB"); v != "" {
		cfg.Merge.BinaryGlob = splitList(v)
	}
	if v := os.Getenv("KEEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
