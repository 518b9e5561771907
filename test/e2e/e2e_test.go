package e2e_test

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- REST API ---

func TestAPI_RequiresToken(t *testing.T) {
	h := newHarness(t)

	resp, err := h.Client.Get(h.URL + "/api/local/list")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.Device.Requests())
}

func TestAPI_NotConnectedBeforeConnect(t *testing.T) {
	h := newHarness(t)

	status, out := h.api(t, http.MethodPost, "/api/sync-to-device", map[string]string{"local_folder": h.LocalDir})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "device not connected", out["error"])
}

func TestAPI_ConnectCachesCredentials(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	addr, creds := h.State.DeviceCredentials()
	assert.Equal(t, h.Device.URL(), addr)
	assert.Equal(t, "test-credentials", creds)
}

func TestAPI_DownloadEditMirrorRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.Device.AddDocument("Document/Papers/attention.pdf", []byte("attention"))
	h.Device.AddDocument("Document/notes.pdf", []byte("notes"))
	h.connect(t)

	folder := filepath.Join(h.LocalDir, "Paper")

	// Pull everything into a folder that does not exist yet.
	status, out := h.api(t, http.MethodPost, "/api/sync", map[string]string{"local_folder": folder})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, float64(2), out["downloaded"])

	data, err := os.ReadFile(filepath.Join(folder, "Papers", "attention.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "attention", string(data))

	// Drop one file locally, add another, then mirror.
	require.NoError(t, os.Remove(filepath.Join(folder, "notes.pdf")))
	writeLocal(t, folder, "Books/new.pdf", "new")

	status, out = h.api(t, http.MethodPost, "/api/sync/plan", map[string]string{"local_folder": folder, "mode": "mirror"})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, float64(1), out["uploads"])
	assert.Equal(t, float64(1), out["deletes"])

	status, out = h.api(t, http.MethodPost, "/api/sync-to-device", map[string]string{"local_folder": folder})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, float64(1), out["uploaded"])
	assert.Equal(t, float64(1), out["deleted"])
	assert.Equal(t, float64(1), out["skipped"])

	assert.Equal(t, []string{"Document/Books/new.pdf", "Document/Papers/attention.pdf"}, h.Device.Documents())

	// A second mirror is a no-op.
	status, out = h.api(t, http.MethodPost, "/api/sync-to-device", map[string]string{"local_folder": folder})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, float64(0), out["uploaded"])
	assert.Equal(t, float64(0), out["deleted"])
	assert.Equal(t, float64(2), out["skipped"])

	// Every sync is in the persisted history, newest first.
	status, out = h.api(t, http.MethodGet, "/api/sync/history", nil)
	require.Equal(t, http.StatusOK, status, out)

	runs := out["runs"].([]any)
	require.Len(t, runs, 3)
	assert.Equal(t, "mirror", runs[0].(map[string]any)["mode"])
	assert.Equal(t, "download_all", runs[2].(map[string]any)["mode"])
}

func TestAPI_MirrorListingFailureDeletesNothing(t *testing.T) {
	h := newHarness(t)
	h.Device.AddDocument("Document/keep.pdf", []byte("k"))
	h.connect(t)
	h.Device.FailListing()

	status, out := h.api(t, http.MethodPost, "/api/sync-to-device", map[string]string{"local_folder": h.LocalDir})
	assert.Equal(t, http.StatusInternalServerError, status, out)
	assert.True(t, h.Device.Exists("Document/keep.pdf"))

	_, out = h.api(t, http.MethodGet, "/api/sync/history", nil)
	assert.Empty(t, out["runs"])
}

func TestAPI_DeviceBrowsing(t *testing.T) {
	h := newHarness(t)
	h.Device.AddDocument("Document/Inbox/a.pdf", []byte("a"))
	h.connect(t)

	status, out := h.api(t, http.MethodPost, "/api/device/folder", map[string]string{"path": "Document/Archive"})
	require.Equal(t, http.StatusOK, status, out)

	status, out = h.api(t, http.MethodPost, "/api/device/move", map[string]string{
		"old_path": "Document/Inbox/a.pdf",
		"new_path": "Document/Archive/a.pdf",
	})
	require.Equal(t, http.StatusOK, status, out)

	status, out = h.api(t, http.MethodGet, "/api/device/list?path=Document/Archive", nil)
	require.Equal(t, http.StatusOK, status, out)

	files := out["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "Document/Archive/a.pdf", files[0].(map[string]any)["path"])

	dest := filepath.Join(h.LocalDir, "export")
	status, out = h.api(t, http.MethodPost, "/api/device/download-recursive", map[string]any{
		"paths":        []string{"Document/Archive"},
		"local_folder": dest,
	})
	require.Equal(t, http.StatusOK, status, out)
	assert.FileExists(t, filepath.Join(dest, "Archive", "a.pdf"))
}

// --- MCP ---

func TestMCP_RequiresToken(t *testing.T) {
	h := newHarness(t)

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.URL + "/mcp",
		HTTPClient:           h.Client,
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	_, err := client.Connect(t.Context(), transport, nil)
	assert.Error(t, err)
}

func TestMCP_UploadAll(t *testing.T) {
	h := newHarness(t)
	folder := t.TempDir()
	writeLocal(t, folder, "a.pdf", "a")
	writeLocal(t, folder, "deep/b.pdf", "b")
	writeLocal(t, folder, "skip.txt", "not a pdf")

	session := h.mcpSession(t, testToken)

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "device_connect"})
	require.NoError(t, err)
	require.False(t, result.IsError, extractTextContent(t, result))

	result, err = session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "sync_upload_all",
		Arguments: map[string]any{"local_folder": folder},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, extractTextContent(t, result))

	var out struct {
		Uploaded int `json:"uploaded"`
		Total    int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), &out))
	assert.Equal(t, 2, out.Uploaded)
	assert.Equal(t, 2, out.Total)

	assert.Equal(t, []string{"Document/a.pdf", "Document/deep/b.pdf"}, h.Device.Documents())

	// The REST side sees the same session and history.
	_, hist := h.api(t, http.MethodGet, "/api/sync/history", nil)
	assert.Len(t, hist["runs"], 1)
}
