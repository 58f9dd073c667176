// Package storage provides platform-native directory resolution with XDG support
// and the on-disk layout of a checkout.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Dirs provides platform-native directory resolution with XDG support.
type Dirs struct {
	Config string // User configuration (global config.yaml)
	Data   string // Persistent data (repositories created without an explicit path)
	Cache  string // Regenerable cache
	State  string // Runtime state (logs)
}

// ProjectDirs is the layout of one checkout.
type ProjectDirs struct {
	Root       string // <checkout>/
	Meta       string // <checkout>/.keel/
	Config     string // <checkout>/.keel/config.yaml
	Repository string // <checkout>/.keel/repo.db
}

// MetaDirName is the per-checkout bookkeeping directory. It is never tracked.
const MetaDirName = ".keel"

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
	globalDirsErr  error
)

// ResolveDirs returns platform-appropriate directories.
// Results are cached after first call.
func ResolveDirs() (*Dirs, error) {
	globalDirsOnce.Do(func() {
		globalDirs, globalDirsErr = resolveDirsImpl()
	})
	return globalDirs, globalDirsErr
}

func resolveDirsImpl() (*Dirs, error) {
	dirs := &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
		Cache:  resolveDir("XDG_CACHE_HOME", platformCacheDefault()),
		State:  resolveDir("XDG_STATE_HOME", platformStateDefault()),
	}
	return dirs, nil
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "keel")
	}
	return fallback
}

// ResolveProjectDirs returns the layout for the checkout rooted at projectRoot.
func ResolveProjectDirs(projectRoot string) *ProjectDirs {
	meta := filepath.Join(projectRoot, MetaDirName)
	return &ProjectDirs{
		Root:       projectRoot,
		Meta:       meta,
		Config:     filepath.Join(meta, "config.yaml"),
		Repository: filepath.Join(meta, "repo.db"),
	}
}

// FindProjectRoot walks up from dir until it finds a directory containing
// the checkout metadata directory.
func FindProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(abs, MetaDirName)); err == nil && info.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("not within a checkout: %s", dir)
		}
		abs = parent
	}
}

// EnsureDir creates a directory with the specified permissions if it doesn't exist.
// Uses 0700 when perm is zero.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0700
	}
	return os.MkdirAll(path, perm)
}

// EnsureStandardDir creates a directory with standard permissions (0755).
func EnsureStandardDir(path string) error {
	return EnsureDir(path, 0755)
}

// ConfigDir returns the config subdirectory path.
func (d *Dirs) ConfigDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Config}, subpath...)...)
}

// DataDir returns the data subdirectory path.
func (d *Dirs) DataDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Data}, subpath...)...)
}

// CacheDir returns the cache subdirectory path.
func (d *Dirs) CacheDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Cache}, subpath...)...)
}

// StateDir returns the state subdirectory path.
func (d *Dirs) StateDir(subpath ...string) string {
	return filepath.Join(append([]string{d.State}, subpath...)...)
}

// LogDir returns the log directory.
func (d *Dirs) LogDir() string {
	return d.StateDir("logs")
}

// EnsureAll creates all standard directories.
func (d *Dirs) EnsureAll() error {
	if err := EnsureDir(d.Config, 0700); err != nil {
		return err
	}
	for _, dir := range []string{d.Data, d.Cache, d.State, d.LogDir()} {
		if err := EnsureStandardDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// EnsureAll creates the checkout metadata directory.
func (p *ProjectDirs) EnsureAll() error {
	return EnsureStandardDir(p.Meta)
}
