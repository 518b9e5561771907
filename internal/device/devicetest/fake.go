// Package devicetest provides an in-memory Digital Paper device served
// over httptest for tests of code that talks to the device API.
package devicetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/logging"
)

// Root is the name of the device's root collection.
const Root = "Document"

type entry struct {
	id       string
	path     string
	folder   bool
	content  []byte
	modified time.Time
}

// Device is a fake device. All methods are safe for concurrent use.
type Device struct {
	srv         *httptest.Server
	credentials string

	mu       sync.Mutex
	byPath   map[string]*entry
	byID     map[string]*entry
	failList bool
	failures map[string]map[string]bool // op -> path -> fail
	failNext int
	requests int
}

// Option configures a Device.
type Option func(*Device)

// WithCredentials makes the device reject requests without the
// matching Credentials cookie.
func WithCredentials(credentials string) Option {
	return func(d *Device) { d.credentials = credentials }
}

// New starts a fake device containing only the root collection. The
// server is closed when the test ends.
func New(t testing.TB, opts ...Option) *Device {
	t.Helper()

	d := &Device{
		byPath:   make(map[string]*entry),
		byID:     make(map[string]*entry),
		failures: make(map[string]map[string]bool),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.addLocked(Root, true, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents2", d.handleListAll)
	mux.HandleFunc("POST /documents2", d.handleCreateDocument)
	mux.HandleFunc("GET /resolve/entry/path/{path...}", d.handleResolve)
	mux.HandleFunc("GET /folders/{id}/entries", d.handleFolderEntries)
	mux.HandleFunc("POST /folders2", d.handleCreateFolder)
	mux.HandleFunc("PUT /folders/{id}", d.handleMove)
	mux.HandleFunc("DELETE /folders/{id}", d.handleDelete)
	mux.HandleFunc("GET /documents/{id}/file", d.handleDownload)
	mux.HandleFunc("PUT /documents/{id}/file", d.handleUploadFile)
	mux.HandleFunc("PUT /documents/{id}", d.handleMove)
	mux.HandleFunc("DELETE /documents/{id}", d.handleDelete)
	mux.HandleFunc("GET /register/information", d.handleStatus(map[string]any{
		"model_name": "DPT-RP1", "serial_number": "5000000", "firmware_version": "1.6.50",
	}))
	mux.HandleFunc("GET /system/status/battery", d.handleStatus(map[string]any{
		"health": "good", "level": "87", "plugged": "not_plugged", "status": "discharging",
	}))
	mux.HandleFunc("GET /system/status/storage", d.handleStatus(map[string]any{
		"available": "12000000000", "capacity": "16000000000",
	}))

	d.srv = httptest.NewServer(d.middleware(mux))
	t.Cleanup(d.srv.Close)

	return d
}

// URL returns the base URL of the fake device.
func (d *Device) URL() string { return d.srv.URL }

// Client returns a device client for the fake with retries disabled.
func (d *Device) Client() *device.Client {
	return device.NewClient(d.srv.URL, d.credentials, d.srv.Client(), logging.Discard(), NoRetry())
}

// Dialer returns a Dialer that connects to the fake.
func (d *Device) Dialer() device.Dialer {
	creds := d.credentials
	if creds == "" {
		creds = "test-credentials"
	}

	return device.StaticDialer(d.srv.URL, creds, d.srv.Client(), logging.Discard(), NoRetry())
}

// NoRetry is a client option that disables backoff between retries.
func NoRetry() device.Option {
	return device.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
}

// --- Seeding and inspection ---

// AddDocument stores a document, creating missing parent folders.
func (d *Device) AddDocument(p string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ensureParentsLocked(p)
	d.addLocked(p, false, content)
}

// AddFolder creates a folder and any missing parents.
func (d *Device) AddFolder(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ensureParentsLocked(p)

	if _, ok := d.byPath[p]; !ok {
		d.addLocked(p, true, nil)
	}
}

// Content returns the bytes of the document at p.
func (d *Device) Content(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byPath[p]
	if !ok || e.folder {
		return nil, false
	}

	return e.content, true
}

// Exists reports whether any entry exists at p.
func (d *Device) Exists(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.byPath[p]

	return ok
}

// Documents returns the sorted paths of all documents.
func (d *Device) Documents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string

	for p, e := range d.byPath {
		if !e.folder {
			out = append(out, p)
		}
	}

	sort.Strings(out)

	return out
}

// Requests returns the number of requests served.
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.requests
}

// --- Failure injection ---

// FailListing makes the full listing endpoint return 500.
func (d *Device) FailListing() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failList = true
}

// FailUpload makes uploads of document p fail.
func (d *Device) FailUpload(p string) { d.fail("upload", p) }

// FailDownload makes downloads of document p fail.
func (d *Device) FailDownload(p string) { d.fail("download", p) }

// FailDelete makes deletion of entry p fail.
func (d *Device) FailDelete(p string) { d.fail("delete", p) }

// FailNext makes the next n requests return 503.
func (d *Device) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failNext = n
}

func (d *Device) fail(op, p string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failures[op] == nil {
		d.failures[op] = make(map[string]bool)
	}

	d.failures[op][p] = true
}

func (d *Device) shouldFailLocked(op, p string) bool {
	return d.failures[op][p]
}

// --- Internals ---

func (d *Device) addLocked(p string, folder bool, content []byte) *entry {
	if old, ok := d.byPath[p]; ok {
		delete(d.byID, old.id)
	}

	e := &entry{
		id:       uuid.NewString(),
		path:     p,
		folder:   folder,
		content:  content,
		modified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	d.byPath[p] = e
	d.byID[e.id] = e

	return e
}

func (d *Device) ensureParentsLocked(p string) {
	dir := path.Dir(p)
	if dir == "." || dir == p {
		return
	}

	if _, ok := d.byPath[dir]; ok {
		return
	}

	d.ensureParentsLocked(dir)
	d.addLocked(dir, true, nil)
}

func (d *Device) parentIDLocked(p string) string {
	if parent, ok := d.byPath[path.Dir(p)]; ok {
		return parent.id
	}

	return ""
}

func (d *Device) entryJSONLocked(e *entry) map[string]any {
	m := map[string]any{
		"entry_id":         e.id,
		"entry_name":       path.Base(e.path),
		"entry_path":       e.path,
		"entry_type":       "document",
		"parent_folder_id": d.parentIDLocked(e.path),
		"modified_date":    e.modified.Format(time.RFC3339),
	}

	if e.folder {
		m["entry_type"] = "folder"
	} else {
		m["file_size"] = len(e.content)
	}

	return m
}

func (d *Device) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.requests++
		transient := d.failNext > 0

		if transient {
			d.failNext--
		}
		d.mu.Unlock()

		if transient {
			writeError(w, http.StatusServiceUnavailable, "50300", "device busy")
			return
		}

		if d.credentials != "" {
			c, err := r.Cookie("Credentials")
			if err != nil || c.Value != d.credentials {
				writeError(w, http.StatusUnauthorized, "40101", "authentication required")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": msg})
}

func (d *Device) handleListAll(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failList {
		writeError(w, http.StatusInternalServerError, "50000", "listing unavailable")
		return
	}

	paths := make([]string, 0, len(d.byPath))
	for p := range d.byPath {
		if p != Root {
			paths = append(paths, p)
		}
	}

	sort.Strings(paths)

	list := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		list = append(list, d.entryJSONLocked(d.byPath[p]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"entry_list": list})
}

func (d *Device) handleResolve(w http.ResponseWriter, r *http.Request) {
	p := strings.Trim(r.PathValue("path"), "/")

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byPath[p]
	if !ok {
		writeError(w, http.StatusNotFound, "40401", "entry not found: "+p)
		return
	}

	writeJSON(w, http.StatusOK, d.entryJSONLocked(e))
}

func (d *Device) handleFolderEntries(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	folder, ok := d.byID[r.PathValue("id")]
	if !ok || !folder.folder {
		writeError(w, http.StatusNotFound, "40401", "folder not found")
		return
	}

	list := []map[string]any{}

	for p, e := range d.byPath {
		if p != Root && path.Dir(p) == folder.path {
			list = append(list, d.entryJSONLocked(e))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entry_list": list})
}

func (d *Device) handleDownload(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byID[r.PathValue("id")]
	if !ok || e.folder {
		writeError(w, http.StatusNotFound, "40401", "document not found")
		return
	}

	if d.shouldFailLocked("download", e.path) {
		writeError(w, http.StatusBadRequest, "40001", "download refused")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write(e.content)
}

func (d *Device) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName       string `json:"file_name"`
		ParentFolderID string `json:"parent_folder_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		writeError(w, http.StatusBadRequest, "40000", "bad request")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	parent, ok := d.byID[req.ParentFolderID]
	if !ok || !parent.folder {
		writeError(w, http.StatusNotFound, "40401", "parent not found")
		return
	}

	p := parent.path + "/" + req.FileName
	if d.shouldFailLocked("upload", p) {
		writeError(w, http.StatusBadRequest, "40002", "upload refused")
		return
	}

	e := d.addLocked(p, false, nil)
	writeJSON(w, http.StatusOK, map[string]string{"document_id": e.id})
}

func (d *Device) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "40000", "missing file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "40000", "unreadable file part")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byID[r.PathValue("id")]
	if !ok || e.folder {
		writeError(w, http.StatusNotFound, "40401", "document not found")
		return
	}

	e.content = data
	w.WriteHeader(http.StatusNoContent)
}

func (d *Device) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FolderName     string `json:"folder_name"`
		ParentFolderID string `json:"parent_folder_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FolderName == "" {
		writeError(w, http.StatusBadRequest, "40000", "bad request")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	parent, ok := d.byID[req.ParentFolderID]
	if !ok || !parent.folder {
		writeError(w, http.StatusNotFound, "40401", "parent not found")
		return
	}

	p := parent.path + "/" + req.FolderName
	if _, exists := d.byPath[p]; exists {
		writeError(w, http.StatusConflict, "40901", "entry already exists")
		return
	}

	e := d.addLocked(p, true, nil)
	writeJSON(w, http.StatusOK, map[string]string{"folder_id": e.id})
}

func (d *Device) handleDelete(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byID[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "40401", "entry not found")
		return
	}

	if d.shouldFailLocked("delete", e.path) {
		writeError(w, http.StatusBadRequest, "40003", "delete refused")
		return
	}

	for p, child := range d.byPath {
		if p == e.path || strings.HasPrefix(p, e.path+"/") {
			delete(d.byPath, p)
			delete(d.byID, child.id)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (d *Device) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentFolderID string `json:"parent_folder_id"`
		FileName       string `json:"file_name"`
		FolderName     string `json:"folder_name"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "40000", "bad request")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byID[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "40401", "entry not found")
		return
	}

	parent, ok := d.byID[req.ParentFolderID]
	if !ok || !parent.folder {
		writeError(w, http.StatusNotFound, "40401", "parent not found")
		return
	}

	name := req.FileName
	if e.folder {
		name = req.FolderName
	}

	if name == "" {
		name = path.Base(e.path)
	}

	oldPath := e.path
	newPath := parent.path + "/" + name

	var moved []*entry

	for p, child := range d.byPath {
		if p == oldPath || strings.HasPrefix(p, oldPath+"/") {
			moved = append(moved, child)
		}
	}

	for _, child := range moved {
		delete(d.byPath, child.path)
		child.path = newPath + strings.TrimPrefix(child.path, oldPath)
		d.byPath[child.path] = child
	}

	w.WriteHeader(http.StatusNoContent)
}

func (d *Device) handleStatus(body map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}
