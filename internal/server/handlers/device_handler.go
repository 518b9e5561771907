package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alexjbarnes/paper-sync/internal/config"
	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
)

// DeviceHandler serves connection management and file operations on
// the device.
type DeviceHandler struct {
	session     *device.Session
	root        string
	downloadDir string
	logger      *slog.Logger
}

// NewDeviceHandler creates a DeviceHandler. root is the device folder
// listed and uploaded to when the request names none; downloadDir is
// the local folder used when a download request names none.
func NewDeviceHandler(session *device.Session, root, downloadDir string, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		session:     session,
		root:        root,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

type ConnectResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Info    json.RawMessage `json:"info"`
}

type InfoResponse struct {
	Success bool            `json:"success"`
	Info    json.RawMessage `json:"info"`
	Battery json.RawMessage `json:"battery"`
	Storage json.RawMessage `json:"storage"`
}

type ListResponse struct {
	Success bool           `json:"success"`
	Path    string         `json:"path"`
	Folders []device.Entry `json:"folders"`
	Files   []device.Entry `json:"files"`
}

type FilesResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

type DownloadRequest struct {
	Paths       []string `json:"paths"`
	LocalFolder string   `json:"local_folder"`
}

type RecursiveDownloadResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Files   []string `json:"files"`
	Total   int      `json:"total"`
}

type DeleteRequest struct {
	Paths []string `json:"paths"`
}

type DeleteResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Deleted []string `json:"deleted"`
}

type FolderRequest struct {
	Path string `json:"path"`
}

type MoveRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// requireConnected aborts with 400 when no device is connected. It runs
// before any input validation.
func (h *DeviceHandler) requireConnected(c *gin.Context) bool {
	if !h.session.Connected() {
		fail(c, apperrors.ErrDeviceNotConnected)
		return false
	}

	return true
}

// acquire takes the device for the rest of the request.
func (h *DeviceHandler) acquire(c *gin.Context) (*device.Client, func(), bool) {
	client, release, err := h.session.Acquire(c.Request.Context())
	if err != nil {
		fail(c, err)
		return nil, nil, false
	}

	return client, release, true
}

// Connect dials the device and probes it.
func (h *DeviceHandler) Connect(c *gin.Context) {
	info, err := h.session.Connect(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if statusFor(err) == http.StatusBadRequest {
			status = http.StatusBadRequest
		}

		AbortWithError(c, status, fmt.Errorf("connection failed: %w", err))

		return
	}

	c.JSON(http.StatusOK, ConnectResponse{
		Success: true,
		Message: "Connected to Digital Paper",
		Info:    info,
	})
}

// Disconnect forgets the device client.
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	h.session.Disconnect()

	c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "Disconnected"})
}

// Info returns device information with battery and storage status.
func (h *DeviceHandler) Info(c *gin.Context) {
	if !h.requireConnected(c) {
		return
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	ctx := c.Request.Context()

	info, err := client.Info(ctx)
	if err != nil {
		fail(c, err)
		return
	}

	battery, err := client.Battery(ctx)
	if err != nil {
		fail(c, err)
		return
	}

	storage, err := client.Storage(ctx)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, InfoResponse{
		Success: true,
		Info:    info,
		Battery: battery,
		Storage: storage,
	})
}

// List returns one folder level of the device, folders and files each
// sorted by name ignoring case.
func (h *DeviceHandler) List(c *gin.Context) {
	if !h.requireConnected(c) {
		return
	}

	p := strings.Trim(c.DefaultQuery("path", h.root), "/")
	if p == "" {
		p = h.root
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	entries, err := client.ListFolder(c.Request.Context(), p)
	if err != nil {
		fail(c, err)
		return
	}

	resp := ListResponse{
		Success: true,
		Path:    p,
		Folders: []device.Entry{},
		Files:   []device.Entry{},
	}

	for _, e := range entries {
		if e.IsFolder() {
			resp.Folders = append(resp.Folders, e)
		} else {
			resp.Files = append(resp.Files, e)
		}
	}

	sortEntries(resp.Folders)
	sortEntries(resp.Files)

	c.JSON(http.StatusOK, resp)
}

func sortEntries(entries []device.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// Upload stores the multipart "files" in the device folder named by the
// "remote_path" form field.
func (h *DeviceHandler) Upload(c *gin.Context) {
	if !h.requireConnected(c) {
		return
	}

	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		badRequest(c, "no files provided")
		return
	}

	remoteDir := strings.Trim(c.DefaultPostForm("remote_path", h.root), "/")
	if remoteDir == "" {
		remoteDir = h.root
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	uploaded := []string{}

	for _, fh := range form.File["files"] {
		name := path.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
		if name == "" || name == "." || name == "/" {
			continue
		}

		f, err := fh.Open()
		if err != nil {
			fail(c, fmt.Errorf("reading upload %s: %w", name, err))
			return
		}

		err = client.Upload(c.Request.Context(), f, remoteDir+"/"+name)
		f.Close()

		if err != nil {
			fail(c, err)
			return
		}

		h.logger.Info("uploaded to device", slog.String("path", remoteDir+"/"+name))
		uploaded = append(uploaded, name)
	}

	c.JSON(http.StatusOK, FilesResponse{
		Success: true,
		Message: fmt.Sprintf("Uploaded %d file(s)", len(uploaded)),
		Files:   uploaded,
	})
}

// Download copies documents into a local folder, flat by file name.
func (h *DeviceHandler) Download(c *gin.Context) {
	if !h.requireConnected(c) || !requireJSON(c) {
		return
	}

	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Paths) == 0 {
		badRequest(c, "no paths provided")
		return
	}

	if req.LocalFolder == "" {
		req.LocalFolder = h.downloadDir
	}

	dir, err := docsync.CreateLocalDir(config.ExpandHome(req.LocalFolder))
	if err != nil {
		fail(c, err)
		return
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	downloaded := []string{}

	for _, p := range req.Paths {
		data, err := client.Download(c.Request.Context(), p)
		if err != nil {
			fail(c, err)
			return
		}

		name := path.Base(p)
		if err := dir.WriteFile(name, data, time.Time{}); err != nil {
			fail(c, err)
			return
		}

		downloaded = append(downloaded, name)
	}

	c.JSON(http.StatusOK, FilesResponse{
		Success: true,
		Message: fmt.Sprintf("Downloaded %d file(s) to %s", len(downloaded), dir.Dir()),
		Files:   downloaded,
	})
}

// DownloadRecursive copies documents and whole folders into a local
// folder. A folder is recreated under its own name with its structure.
func (h *DeviceHandler) DownloadRecursive(c *gin.Context) {
	if !h.requireConnected(c) || !requireJSON(c) {
		return
	}

	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Paths) == 0 || req.LocalFolder == "" {
		badRequest(c, "missing paths or destination")
		return
	}

	dir, err := docsync.CreateLocalDir(config.ExpandHome(req.LocalFolder))
	if err != nil {
		fail(c, err)
		return
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	ctx := c.Request.Context()
	downloaded := []string{}
	total := 0

	for _, p := range req.Paths {
		p = strings.Trim(p, "/")

		isFolder, err := client.IsFolder(ctx, p)
		if err != nil {
			fail(c, err)
			return
		}

		if !isFolder {
			data, err := client.Download(ctx, p)
			if err != nil {
				fail(c, err)
				return
			}

			if err := dir.WriteFile(path.Base(p), data, time.Time{}); err != nil {
				fail(c, err)
				return
			}

			downloaded = append(downloaded, path.Base(p))
			total++

			continue
		}

		folderName := path.Base(p)

		items, err := client.TraverseFolder(ctx, p)
		if err != nil {
			fail(c, err)
			return
		}

		for _, item := range items {
			if !item.IsDocument() {
				continue
			}

			data, err := client.Download(ctx, item.Path)
			if err != nil {
				fail(c, err)
				return
			}

			rel := folderName + "/" + strings.TrimPrefix(item.Path, p+"/")
			if err := dir.WriteFile(rel, data, item.Modified); err != nil {
				fail(c, err)
				return
			}

			h.logger.Debug("downloaded", slog.String("path", item.Path))
			total++
		}

		downloaded = append(downloaded, folderName)
	}

	c.JSON(http.StatusOK, RecursiveDownloadResponse{
		Success: true,
		Message: fmt.Sprintf("Downloaded %d file(s) to %s", total, dir.Dir()),
		Files:   downloaded,
		Total:   total,
	})
}

// Delete removes documents and folders.
func (h *DeviceHandler) Delete(c *gin.Context) {
	if !h.requireConnected(c) || !requireJSON(c) {
		return
	}

	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Paths) == 0 {
		badRequest(c, "no paths provided")
		return
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	ctx := c.Request.Context()
	deleted := []string{}

	for _, p := range req.Paths {
		isFolder, err := client.IsFolder(ctx, p)
		if err != nil {
			fail(c, err)
			return
		}

		if isFolder {
			err = client.DeleteFolder(ctx, p)
		} else {
			err = client.DeleteDocument(ctx, p)
		}

		if err != nil {
			fail(c, err)
			return
		}

		deleted = append(deleted, p)
	}

	c.JSON(http.StatusOK, DeleteResponse{
		Success: true,
		Message: fmt.Sprintf("Deleted %d item(s)", len(deleted)),
		Deleted: deleted,
	})
}

// NewFolder creates a folder.
func (h *DeviceHandler) NewFolder(c *gin.Context) {
	if !h.requireConnected(c) || !requireJSON(c) {
		return
	}

	var req FolderRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		badRequest(c, "no path provided")
		return
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	if _, err := client.NewFolder(c.Request.Context(), req.Path); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{
		Success: true,
		Message: "Created folder: " + path.Base(req.Path),
	})
}

// Move renames or moves a document or folder.
func (h *DeviceHandler) Move(c *gin.Context) {
	if !h.requireConnected(c) || !requireJSON(c) {
		return
	}

	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OldPath == "" || req.NewPath == "" {
		badRequest(c, "paths not provided")
		return
	}

	client, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	if err := client.Move(c.Request.Context(), req.OldPath, req.NewPath); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "Moved " + req.OldPath + " to " + req.NewPath})
}
