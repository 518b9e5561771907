package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/device/devicetest"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
	"github.com/alexjbarnes/paper-sync/internal/logging"
	"github.com/alexjbarnes/paper-sync/internal/server/middleware"
)

func newTestRouter(t *testing.T, cfg RouteConfig, mcp http.Handler) http.Handler {
	t.Helper()

	dev := devicetest.New(t)
	logger := logging.Discard()
	session := device.NewSession(dev.Dialer(), logger)

	syncer, err := docsync.NewSyncer(docsync.SessionSource(session), docsync.NewPathMapper(devicetest.Root), "", nil, logger)
	require.NoError(t, err)

	cfg.DocumentRoot = devicetest.Root
	cfg.LocalDir = t.TempDir()
	cfg.DownloadDir = t.TempDir()
	cfg.Logger = logger

	return SetupRoutes(&Services{Session: session, Syncer: syncer, MCP: mcp}, &cfg)
}

func get(h http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	return w
}

func TestRoot_Version(t *testing.T) {
	h := newTestRouter(t, RouteConfig{Version: "1.2.3"}, nil)

	w := get(h, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"paper-sync","version":"1.2.3"}`, w.Body.String())
}

func TestRoot_StaticUI(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ui</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	h := newTestRouter(t, RouteConfig{StaticDir: dir}, nil)

	w := get(h, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<html>ui</html>")

	w = get(h, "/static/app.js", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := newTestRouter(t, RouteConfig{}, nil)

	w := get(h, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"not found"}`, w.Body.String())

	w = get(h, "/api/upload-all", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"method not allowed"}`, w.Body.String())
}

func TestAPI_TokenRequired(t *testing.T) {
	h := newTestRouter(t, RouteConfig{Auth: middleware.TokenAuthConfig{Token: "s3cret"}}, nil)

	w := get(h, "/api/local/list", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(h, "/api/local/list", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(h, "/api/local/list", "s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// The landing page stays public.
	w = get(h, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_DeviceRequiresConnection(t *testing.T) {
	h := newTestRouter(t, RouteConfig{}, nil)

	w := get(h, "/api/device/list", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"device not connected"}`, w.Body.String())
}

func TestMCP_Mounted(t *testing.T) {
	var hits int
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	})

	h := newTestRouter(t, RouteConfig{Auth: middleware.TokenAuthConfig{Token: "tok"}}, mcp)

	w := get(h, "/mcp", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, hits)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, hits)
}

func TestMCP_AbsentWhenDisabled(t *testing.T) {
	h := newTestRouter(t, RouteConfig{}, nil)

	w := get(h, "/mcp", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_RejectsCrossSiteWrites(t *testing.T) {
	dev := devicetest.New(t)
	dev.AddDocument("Document/a.pdf", []byte("a"))

	logger := logging.Discard()
	session := device.NewSession(dev.Dialer(), logger)
	_, err := session.Connect(context.Background())
	require.NoError(t, err)

	syncer, err := docsync.NewSyncer(docsync.SessionSource(session), docsync.NewPathMapper(devicetest.Root), "", nil, logger)
	require.NoError(t, err)

	h := SetupRoutes(&Services{Session: session, Syncer: syncer}, &RouteConfig{
		DocumentRoot: devicetest.Root,
		LocalDir:     t.TempDir(),
		DownloadDir:  t.TempDir(),
		CORSOrigins:  []string{"http://127.0.0.1:5001"},
		Logger:       logger,
	})

	body, err := json.Marshal(map[string]string{"local_folder": t.TempDir()})
	require.NoError(t, err)

	send := func(method, target, contentType, origin string, payload []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, bytes.NewReader(payload))
		req.Header.Set("Content-Type", contentType)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}

		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		return w
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("files", "evil.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		origin      string
		payload     []byte
		wantCode    int
	}{
		{"text/plain from foreign origin", http.MethodPost, "/api/sync-to-device", "text/plain", "https://evil.example", body, http.StatusForbidden},
		{"json from foreign origin", http.MethodPost, "/api/sync-to-device", "application/json", "https://evil.example", body, http.StatusForbidden},
		{"form upload from foreign origin", http.MethodPost, "/api/device/upload", mw.FormDataContentType(), "https://evil.example", form.Bytes(), http.StatusForbidden},
		{"text/plain without origin", http.MethodPost, "/api/sync-to-device", "text/plain", "", body, http.StatusUnsupportedMediaType},
		{"text/plain delete without origin", http.MethodDelete, "/api/device/delete", "text/plain", "", []byte(`{"paths":["Document/a.pdf"]}`), http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(tt.method, tt.target, tt.contentType, tt.origin, tt.payload)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, []string{"Document/a.pdf"}, dev.Documents())
		})
	}

	// The listed origin sending JSON goes through.
	w := send(http.MethodPost, "/api/sync-to-device", "application/json", "http://127.0.0.1:5001", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "http://127.0.0.1:5001", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, dev.Documents())
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer(":0", http.NotFoundHandler())
	assert.Equal(t, ":0", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
	assert.NotZero(t, srv.WriteTimeout)
}
