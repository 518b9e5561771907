package docsync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern selects every PDF at any depth.
const DefaultPattern = "**/*.pdf"

// Filter decides which local files take part in a sync. Patterns use
// doublestar syntax against the key. The file extension is compared
// case-insensitively so "Scan.PDF" matches "*.pdf".
type Filter struct {
	pattern string
}

// NewFilter validates pattern and returns a Filter for it.
func NewFilter(pattern string) (Filter, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}

	if !doublestar.ValidatePattern(pattern) {
		return Filter{}, fmt.Errorf("invalid sync pattern %q", pattern)
	}

	return Filter{pattern: pattern}, nil
}

// Pattern returns the glob the filter matches.
func (f Filter) Pattern() string { return f.pattern }

// Match reports whether key is selected.
func (f Filter) Match(key Key) bool {
	k := string(key)
	ext := path.Ext(k)
	k = k[:len(k)-len(ext)] + strings.ToLower(ext)

	return doublestar.MatchUnvalidated(f.pattern, k)
}

// isHidden reports whether a file or directory name is hidden.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// hiddenKey reports whether any segment of key is hidden. ScanLocal
// never produces such keys.
func hiddenKey(key Key) bool {
	for _, seg := range strings.Split(string(key), "/") {
		if isHidden(seg) {
			return true
		}
	}

	return false
}

// ScanLocal walks root and returns every regular file the pattern
// selects. Hidden entries, symlinks and anything that cannot be read
// are skipped without failing the scan. A missing root yields an empty
// inventory.
func ScanLocal(root, pattern string, logger *slog.Logger) (LocalInventory, error) {
	filter, err := NewFilter(pattern)
	if err != nil {
		return nil, err
	}

	inv := make(LocalInventory)

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inv, nil
		}

		logger.Warn("local folder unreadable", slog.String("path", root), slog.String("error", err.Error()))

		return inv, nil
	}

	if !info.IsDir() {
		return inv, nil
	}

	walkErr := filepath.WalkDir(root, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("skipping unreadable entry during scan",
				slog.String("path", absPath),
				slog.String("error", err.Error()),
			)

			if d != nil && d.IsDir() && absPath != root {
				return filepath.SkipDir
			}

			return nil
		}

		if absPath == root {
			return nil
		}

		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		// WalkDir never follows symlinks, so link cycles cannot occur.
		if d.Type()&fs.ModeSymlink != 0 {
			logger.Debug("skipping symlink during scan", slog.String("path", absPath))
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		key, err := KeyFromLocal(root, absPath)
		if err != nil {
			logger.Debug("skipping file outside root", slog.String("path", absPath))
			return nil
		}

		if !filter.Match(key) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan", slog.String("path", absPath), slog.String("error", err.Error()))
			return nil
		}

		inv[key] = LocalEntry{
			Name:     d.Name(),
			Path:     absPath,
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		}

		return nil
	})
	if walkErr != nil {
		logger.Warn("local scan ended early", slog.String("path", root), slog.String("error", walkErr.Error()))
	}

	return inv, nil
}
