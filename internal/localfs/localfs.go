// Package localfs lists directories on the machine running the server
// so the UI can pick a sync folder. It has no dependency on HTTP.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alexjbarnes/paper-sync/internal/config"
)

// Error codes returned by List.
const (
	ErrCodeInvalidPath = "INVALID_PATH"
	ErrCodeUnreadable  = "UNREADABLE"
)

// Error is a structured error returned by List.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Entry is a single file or folder in a listing.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Modified  time.Time `json:"modified"`
}

// Listing is one directory level split into folders and files.
type Listing struct {
	Path    string  `json:"path"`
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// List returns the immediate children of dir. A leading ~ is expanded
// and the result path is absolute. Hidden entries and entries that
// cannot be stat'ed are left out. Folders and files are each sorted by
// name, ignoring case.
func List(dir string) (*Listing, error) {
	abs, err := filepath.Abs(config.ExpandHome(dir))
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidPath, Message: fmt.Sprintf("invalid path: %s", dir)}
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, &Error{Code: ErrCodeInvalidPath, Message: fmt.Sprintf("not a directory: %s", abs)}
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, &Error{Code: ErrCodeUnreadable, Message: fmt.Sprintf("permission denied: %s", abs)}
		}

		return nil, fmt.Errorf("reading directory: %w", err)
	}

	listing := &Listing{
		Path:    abs,
		Folders: []Entry{},
		Files:   []Entry{},
	}

	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		full := filepath.Join(abs, name)

		// Stat follows symlinks, so a link to a folder lists as a folder.
		fi, err := os.Stat(full)
		if err != nil {
			continue
		}

		e := Entry{
			Name:     name,
			Path:     full,
			Size:     fi.Size(),
			Modified: fi.ModTime().UTC(),
		}

		if fi.IsDir() {
			listing.Folders = append(listing.Folders, e)
		} else {
			e.SizeHuman = humanize.Bytes(uint64(fi.Size()))
			listing.Files = append(listing.Files, e)
		}
	}

	sortByName(listing.Folders)
	sortByName(listing.Files)

	return listing, nil
}

func sortByName(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}
