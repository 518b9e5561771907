package docsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
)

const (
	localDirPerm  = fs.FileMode(0o755)
	localFilePerm = fs.FileMode(0o644)
)

// mtimeMin and mtimeMax clamp device-provided modification times.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// LocalDir provides filesystem operations confined to a sync folder.
// Every relative path is checked so that keys from the device cannot
// write outside the folder.
type LocalDir struct {
	dir string
	mu  sync.RWMutex
}

// OpenLocalDir returns a LocalDir for an existing directory.
func OpenLocalDir(dir string) (*LocalDir, error) {
	resolved, err := canonicalDir(dir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrLocalFolderNotFound, dir)
		}

		return nil, fmt.Errorf("opening local folder %s: %w", dir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", apperrors.ErrLocalFolderNotFound, dir)
	}

	return &LocalDir{dir: resolved}, nil
}

// CreateLocalDir creates dir if needed and returns a LocalDir for it.
func CreateLocalDir(dir string) (*LocalDir, error) {
	if dir == "" {
		return nil, apperrors.ErrLocalFolderRequired
	}

	if err := os.MkdirAll(dir, localDirPerm); err != nil {
		return nil, fmt.Errorf("creating local folder %s: %w", dir, err)
	}

	return OpenLocalDir(dir)
}

// canonicalDir makes dir absolute and resolves symlinks in it, so the
// prefix checks in resolve compare like with like.
func canonicalDir(dir string) (string, error) {
	if dir == "" {
		return "", apperrors.ErrLocalFolderRequired
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, nil
		}

		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}

	return resolved, nil
}

// Dir returns the absolute folder path.
func (l *LocalDir) Dir() string {
	return l.dir
}

// ReadFile reads a file by relative path.
func (l *LocalDir) ReadFile(relPath string) ([]byte, error) {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by LocalDir.resolve
}

// WriteFile writes content to a file by relative path, creating parent
// directories as needed. A non-zero mtime is applied after writing.
func (l *LocalDir) WriteFile(relPath string, data []byte, mtime time.Time) error {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), localDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, localFilePerm); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := os.Chtimes(absPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	return nil
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (l *LocalDir) DeleteFile(relPath string) error {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// Exists reports whether anything exists at the relative path.
func (l *LocalDir) Exists(relPath string) bool {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	_, err = os.Lstat(absPath)

	return err == nil
}

// resolve converts a relative path to an absolute path within the
// folder, rejecting null bytes, ".." segments, absolute paths and
// symlinks that escape.
func (l *LocalDir) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", apperrors.ErrPathNotAllowed)
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("%w: null byte in %q", apperrors.ErrPathNotAllowed, relPath)
	}

	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q contains ..", apperrors.ErrPathNotAllowed, relPath)
		}
	}

	absPath := filepath.Join(l.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, l.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q resolves outside %s", apperrors.ErrPathNotAllowed, relPath, l.dir)
	}

	// Walk up to the deepest existing ancestor and make sure its resolved
	// location is still inside the folder.
	probe := absPath

	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if resolved != l.dir && !strings.HasPrefix(resolved, l.dir+string(os.PathSeparator)) {
				return "", fmt.Errorf("%w: %q resolves to %q outside %s", apperrors.ErrPathNotAllowed, relPath, resolved, l.dir)
			}

			return absPath, nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving symlinks for %q: %w", relPath, err)
		}

		parent := filepath.Dir(probe)
		if parent == probe || parent == l.dir {
			return absPath, nil
		}

		probe = parent
	}
}

// clampMtime restricts a timestamp to the range [2000, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}
