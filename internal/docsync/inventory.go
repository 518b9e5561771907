package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alexjbarnes/paper-sync/internal/device"
	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
)

// LocalEntry is a file found by ScanLocal.
type LocalEntry struct {
	Name     string
	Path     string // absolute
	Size     int64
	Modified time.Time
}

// LocalInventory maps keys to local files. Built fresh for every sync.
type LocalInventory map[Key]LocalEntry

// RemoteInventory maps keys to device documents. Built fresh for every
// sync.
type RemoteInventory map[Key]device.Entry

// Keys returns the inventory keys in ascending order.
func (inv LocalInventory) Keys() []Key { return sortedKeys(inv) }

// Keys returns the inventory keys in ascending order.
func (inv RemoteInventory) Keys() []Key { return sortedKeys(inv) }

func sortedKeys[V any](m map[Key]V) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

// Lister is the listing half of Remote.
type Lister interface {
	ListAll(ctx context.Context) ([]device.Entry, error)
}

// ListRemote builds the device inventory from a full listing. Folders
// are dropped. When two documents map to the same key the last one
// listed wins; a well-formed device tree never produces this.
func ListRemote(ctx context.Context, remote Lister, mapper PathMapper, logger *slog.Logger) (RemoteInventory, error) {
	entries, err := remote.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRemoteList, err)
	}

	inv := make(RemoteInventory, len(entries))

	for _, e := range entries {
		if !e.IsDocument() {
			continue
		}

		key := normalizeKey(string(mapper.ToRelative(e.Path)))
		if key == "" {
			continue
		}

		if prev, dup := inv[key]; dup {
			logger.Debug("duplicate device key, keeping last",
				slog.String("key", string(key)),
				slog.String("dropped", prev.Path),
				slog.String("kept", e.Path),
			)
		}

		inv[key] = e
	}

	return inv, nil
}
