// Package filesystem is the working-tree capability the checkout, merge,
// stash and undo layers write through. Paths are slash-separated and
// relative to the checkout root.
package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adalundhe/keel/core/storage"
)

var (
	ErrPathTraversal     = errors.New("path traversal detected")
	ErrSymlinkNotAllowed = errors.New("symlink target outside boundary")
	ErrOutsideBoundary   = errors.New("path outside allowed boundary")
	ErrOperationDenied   = errors.New("operation denied by policy")
)

type OperationType string

const (
	OpRead   OperationType = "read"
	OpWrite  OperationType = "write"
	OpDelete OperationType = "delete"
	OpStat   OperationType = "stat"
)

// Info describes one path as found on disk. A missing path has Exists false
// and every other field zero.
type Info struct {
	Exists  bool
	Size    int64
	ModTime time.Time
	Exec    bool
	Symlink bool
}

// FS is the set of working-tree operations the core needs.
type FS interface {
	// ReadFile returns a regular file's bytes or a symlink's target.
	ReadFile(name string) ([]byte, error)
	// WriteFile replaces name with a regular file, creating parent directories.
	WriteFile(name string, data []byte, exec bool) error
	// Symlink replaces name with a link to target.
	Symlink(target, name string) error
	// Remove deletes name and prunes directories it leaves empty. Removing a
	// missing path is not an error.
	Remove(name string) error
	Lstat(name string) (Info, error)
}

type FilesystemConfig struct {
	// AllowSymlinks makes Symlink create real links. Otherwise the link
	// target is written as the content of a regular file.
	AllowSymlinks bool
	MaxFileSize   int64
	Logger        *slog.Logger
}

func DefaultFilesystemConfig() FilesystemConfig {
	return FilesystemConfig{
		AllowSymlinks: true,
		MaxFileSize:   1 << 30,
	}
}

// FilesystemManager implements FS on the operating system, confined to a
// single root directory. The checkout metadata directory is never touched.
type FilesystemManager struct {
	mu     sync.RWMutex
	config FilesystemConfig
	root   string
	logger *slog.Logger
}

var _ FS = (*FilesystemManager)(nil)

func NewFilesystemManager(root string, config FilesystemConfig) (*FilesystemManager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FilesystemManager{
		config: config,
		root:   filepath.Clean(abs),
		logger: config.Logger,
	}, nil
}

// Root returns the absolute checkout root.
func (fm *FilesystemManager) Root() string {
	return fm.root
}

// ValidatePath maps a checkout-relative name to an absolute path, refusing
// traversal, absolute names and the metadata directory.
func (fm *FilesystemManager) ValidatePath(name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrOutsideBoundary, name)
	}
	if containsTraversal(name) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	clean := path.Clean(name)
	if first, _, _ := strings.Cut(clean, "/"); first == storage.MetaDirName {
		return "", fmt.Errorf("%w: %q", ErrOperationDenied, name)
	}

	resolved := filepath.Join(fm.root, filepath.FromSlash(clean))
	if !isWithinRoot(resolved, fm.root) || resolved == fm.root {
		return "", fmt.Errorf("%w: %q", ErrOutsideBoundary, name)
	}
	if err := fm.checkParents(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

func containsTraversal(name string) bool {
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func isWithinRoot(p, root string) bool {
	return strings.HasPrefix(p, root+string(filepath.Separator)) || p == root
}

// checkParents refuses paths whose directories are symlinks leading out of
// the root.
func (fm *FilesystemManager) checkParents(resolved string) error {
	dir := filepath.Dir(resolved)
	for dir != fm.root && isWithinRoot(dir, fm.root) {
		info, err := os.Lstat(dir)
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return err
			}
			if !isWithinRoot(target, fm.root) {
				return fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, dir)
			}
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func (fm *FilesystemManager) ReadFile(name string) ([]byte, error) {
	resolved, err := fm.ValidatePath(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		fm.audit(OpRead, name, err)
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(resolved)
		fm.audit(OpRead, name, err)
		return []byte(target), err
	}
	data, err := os.ReadFile(resolved)
	fm.audit(OpRead, name, err)
	return data, err
}

func (fm *FilesystemManager) WriteFile(name string, data []byte, exec bool) error {
	if fm.config.MaxFileSize > 0 && int64(len(data)) > fm.config.MaxFileSize {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrOperationDenied, name, fm.config.MaxFileSize)
	}
	resolved, err := fm.prepare(name)
	if err != nil {
		return err
	}
	perm := os.FileMode(0644)
	if exec {
		perm = 0755
	}
	err = storage.SafeWrite(resolved, data, perm)
	fm.audit(OpWrite, name, err)
	return err
}

func (fm *FilesystemManager) Symlink(target, name string) error {
	if !fm.config.AllowSymlinks {
		return fm.WriteFile(name, []byte(target), false)
	}
	resolved, err := fm.prepare(name)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	err = os.Symlink(target, resolved)
	fm.audit(OpWrite, name, err)
	return err
}

// prepare validates name, creates its directory and clears whatever is in
// the way of a fresh write.
func (fm *FilesystemManager) prepare(name string) (string, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	resolved, err := fm.ValidatePath(name)
	if err != nil {
		return "", err
	}
	if err := storage.EnsureStandardDir(filepath.Dir(resolved)); err != nil {
		return "", err
	}
	info, err := os.Lstat(resolved)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		err = os.Remove(resolved)
	case err == nil && info.IsDir():
		err = fmt.Errorf("%w: %s is a directory", ErrOperationDenied, name)
	case errors.Is(err, fs.ErrNotExist):
		err = nil
	}
	return resolved, err
}

func (fm *FilesystemManager) Remove(name string) error {
	resolved, err := fm.ValidatePath(name)
	if err != nil {
		return err
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if err := os.Remove(resolved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fm.audit(OpDelete, name, err)
		return err
	}
	fm.audit(OpDelete, name, nil)

	for dir := filepath.Dir(resolved); dir != fm.root && isWithinRoot(dir, fm.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func (fm *FilesystemManager) Lstat(name string) (Info, error) {
	resolved, err := fm.ValidatePath(name)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Lstat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, nil
	}
	if err != nil {
		fm.audit(OpStat, name, err)
		return Info{}, err
	}
	if fi.IsDir() {
		return Info{}, fmt.Errorf("%w: %s is a directory", ErrOperationDenied, name)
	}
	return Info{
		Exists:  true,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Exec:    fi.Mode().IsRegular() && fi.Mode().Perm()&0100 != 0,
		Symlink: fi.Mode()&os.ModeSymlink != 0,
	}, nil
}

func (fm *FilesystemManager) audit(op OperationType, name string, err error) {
	if err != nil {
		fm.logger.Debug("filesystem operation failed", "op", op, "path", name, "error", err)
		return
	}
	fm.logger.Debug("filesystem operation", "op", op, "path", name)
}
