package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/device/devicetest"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
	"github.com/alexjbarnes/paper-sync/internal/logging"
	"github.com/alexjbarnes/paper-sync/internal/mcpserver"
	"github.com/alexjbarnes/paper-sync/internal/server"
	"github.com/alexjbarnes/paper-sync/internal/server/middleware"
	"github.com/alexjbarnes/paper-sync/internal/state"
)

const testToken = "e2e-test-token"

// harness holds the full e2e stack: a fake device, bbolt state, and the
// real router with the MCP endpoint behind an httptest server.
type harness struct {
	URL      string
	Device   *devicetest.Device
	State    *state.State
	LocalDir string
	Client   *http.Client
}

// newHarness wires everything the way cmd/paper-sync does, except that
// the device is a fake and the state lives in a temp dir.
func newHarness(t *testing.T) *harness {
	t.Helper()

	dev := devicetest.New(t)
	logger := logging.Discard()

	appState, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = appState.Close() })

	session := device.NewSession(dev.Dialer(), logger)
	session.OnConnect(func(c *device.Client) {
		_ = appState.SetDeviceCredentials(c.BaseURL(), c.Credentials())
	})

	syncer, err := docsync.NewSyncer(
		docsync.SessionSource(session),
		docsync.NewPathMapper(devicetest.Root),
		docsync.DefaultPattern,
		appState,
		logger,
	)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "paper-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session, syncer)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	localDir := t.TempDir()

	handler := server.SetupRoutes(&server.Services{
		Session: session,
		Syncer:  syncer,
		History: appState,
		MCP:     mcpHandler,
	}, &server.RouteConfig{
		Auth:         middleware.TokenAuthConfig{Token: testToken},
		DocumentRoot: devicetest.Root,
		LocalDir:     localDir,
		DownloadDir:  filepath.Join(localDir, "Downloads"),
		Version:      "test",
		Logger:       logger,
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &harness{
		URL:      ts.URL,
		Device:   dev,
		State:    appState,
		LocalDir: localDir,
		Client:   ts.Client(),
	}
}

// api performs an authenticated API call and decodes the JSON body.
func (h *harness) api(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return resp.StatusCode, out
}

// connect calls the connect endpoint and requires success.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	status, out := h.api(t, http.MethodGet, "/api/device/connect", nil)
	require.Equal(t, http.StatusOK, status, out)
}

// mcpSession opens an MCP client session against /mcp using token.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// writeLocal creates a file under dir, making parent folders.
func writeLocal(t *testing.T, dir, rel, content string) {
	t.Helper()

	abs := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// extractTextContent returns the text of the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
