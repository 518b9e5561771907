package device

import (
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
)

// EntryType distinguishes documents from folders in the device store.
type EntryType string

const (
	EntryDocument EntryType = "document"
	EntryFolder   EntryType = "folder"
)

// Entry is a single document or folder as reported by the device.
// Path is the full slash-separated path starting at the root collection,
// e.g. "Document/Papers/a.pdf".
type Entry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Type     EntryType `json:"type"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified,omitzero"`
	ParentID string    `json:"parent_id,omitempty"`
}

// IsDocument reports whether the entry is a document.
func (e Entry) IsDocument() bool { return e.Type == EntryDocument }

// IsFolder reports whether the entry is a folder.
func (e Entry) IsFolder() bool { return e.Type == EntryFolder }

// parseEntry converts one device JSON object into an Entry. Entries with
// an unknown type or no path are rejected so callers never have to
// handle half-populated values.
func parseEntry(r gjson.Result) (Entry, bool) {
	e := Entry{
		ID:       r.Get("entry_id").String(),
		Name:     r.Get("entry_name").String(),
		Path:     r.Get("entry_path").String(),
		Type:     EntryType(r.Get("entry_type").String()),
		Size:     r.Get("file_size").Int(),
		ParentID: r.Get("parent_folder_id").String(),
	}

	if e.Path == "" {
		return Entry{}, false
	}

	if e.Type != EntryDocument && e.Type != EntryFolder {
		return Entry{}, false
	}

	if raw := r.Get("modified_date").String(); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			e.Modified = t
		}
	}

	return e, true
}

// parseEntryList extracts the "entry_list" array from a device listing
// response, dropping invalid entries.
func parseEntryList(body []byte, logger *slog.Logger) []Entry {
	list := gjson.GetBytes(body, "entry_list").Array()
	entries := make([]Entry, 0, len(list))

	for _, item := range list {
		e, ok := parseEntry(item)
		if !ok {
			logger.Debug("dropping malformed device entry",
				slog.String("entry_path", item.Get("entry_path").String()),
				slog.String("entry_type", item.Get("entry_type").String()),
			)

			continue
		}

		entries = append(entries, e)
	}

	return entries
}
