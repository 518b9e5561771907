package device

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/paper-sync/internal/logging"
)

// --- parseEntry ---

func TestParseEntry_Document(t *testing.T) {
	raw := `{"entry_id":"d1","entry_name":"a.pdf","entry_path":"Document/a.pdf","entry_type":"document","file_size":1234,"modified_date":"2024-03-01T12:00:00Z","parent_folder_id":"root"}`

	e, ok := parseEntry(gjson.Parse(raw))
	require.True(t, ok)
	assert.Equal(t, "d1", e.ID)
	assert.Equal(t, "a.pdf", e.Name)
	assert.Equal(t, "Document/a.pdf", e.Path)
	assert.Equal(t, EntryDocument, e.Type)
	assert.Equal(t, int64(1234), e.Size)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), e.Modified)
	assert.Equal(t, "root", e.ParentID)
	assert.True(t, e.IsDocument())
	assert.False(t, e.IsFolder())
}

func TestParseEntry_Folder(t *testing.T) {
	e, ok := parseEntry(gjson.Parse(`{"entry_id":"f1","entry_name":"Papers","entry_path":"Document/Papers","entry_type":"folder"}`))
	require.True(t, ok)
	assert.True(t, e.IsFolder())
	assert.Zero(t, e.Size)
	assert.True(t, e.Modified.IsZero())
}

func TestParseEntry_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing path", `{"entry_id":"x","entry_type":"document"}`},
		{"empty path", `{"entry_id":"x","entry_path":"","entry_type":"document"}`},
		{"unknown type", `{"entry_id":"x","entry_path":"Document/x","entry_type":"note"}`},
		{"missing type", `{"entry_id":"x","entry_path":"Document/x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseEntry(gjson.Parse(tt.raw))
			assert.False(t, ok)
		})
	}
}

func TestParseEntry_BadModifiedDateIgnored(t *testing.T) {
	e, ok := parseEntry(gjson.Parse(`{"entry_path":"Document/a.pdf","entry_type":"document","modified_date":"yesterday"}`))
	require.True(t, ok)
	assert.True(t, e.Modified.IsZero())
}

func TestParseEntryList_DropsInvalid(t *testing.T) {
	body := []byte(`{"entry_list":[
		{"entry_path":"Document/a.pdf","entry_type":"document"},
		{"entry_path":"","entry_type":"document"},
		{"entry_path":"Document/b","entry_type":"folder"},
		{"entry_path":"Document/c","entry_type":"bogus"}
	]}`)

	entries := parseEntryList(body, logging.Discard())
	require.Len(t, entries, 2)
	assert.Equal(t, "Document/a.pdf", entries[0].Path)
	assert.Equal(t, "Document/b", entries[1].Path)
}

func TestParseEntryList_MissingList(t *testing.T) {
	assert.Empty(t, parseEntryList([]byte(`{}`), logging.Discard()))
}

// --- Response helpers ---

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain", sanitizeResponseBody([]byte("plain")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Equal(t, "line\nnext", sanitizeResponseBody([]byte("line\nnext")))
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, isTransientStatus(code), "status %d", code)
	}

	for _, code := range []int{200, 400, 401, 404, 409} {
		assert.False(t, isTransientStatus(code), "status %d", code)
	}
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://dpt.local/documents2", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://dpt.local/other", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example/x", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))

	via := make([]*http.Request, maxRedirects)
	for i := range via {
		via[i] = orig
	}

	assert.Error(t, sameHostRedirectPolicy(same, via))
}
