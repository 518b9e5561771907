package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/alexjbarnes/paper-sync/internal/docsync"
	"github.com/alexjbarnes/paper-sync/internal/models"
)

// HistoryLister reads back recorded syncs.
type HistoryLister interface {
	SyncRuns(limit int) ([]models.SyncRun, error)
}

// SyncHandler runs the folder sync operations.
type SyncHandler struct {
	syncer  *docsync.Syncer
	history HistoryLister
	logger  *slog.Logger
}

// NewSyncHandler creates a SyncHandler. history may be nil, in which
// case the history endpoint returns an empty list.
func NewSyncHandler(syncer *docsync.Syncer, history HistoryLister, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		syncer:  syncer,
		history: history,
		logger:  logger,
	}
}

type SyncRequest struct {
	LocalFolder string `json:"local_folder"`
	Mode        string `json:"mode,omitempty"`
}

type SyncResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Mode       docsync.Mode      `json:"mode"`
	Uploaded   int               `json:"uploaded"`
	Downloaded int               `json:"downloaded"`
	Deleted    int               `json:"deleted"`
	Skipped    int               `json:"skipped"`
	Total      int               `json:"total"`
	Failures   []docsync.Failure `json:"failures"`
}

type PlanResponse struct {
	Success   bool             `json:"success"`
	Mode      docsync.Mode     `json:"mode"`
	Actions   []docsync.Action `json:"actions"`
	Uploads   int              `json:"uploads"`
	Downloads int              `json:"downloads"`
	Deletes   int              `json:"deletes"`
	Skips     int              `json:"skips"`
}

type HistoryResponse struct {
	Success bool             `json:"success"`
	Runs    []models.SyncRun `json:"runs"`
}

// bind reads the optional JSON body. A missing or malformed body leaves
// the request empty so the syncer reports the missing folder after its
// device check. A body that is not JSON is rejected.
func (h *SyncHandler) bind(c *gin.Context) (SyncRequest, bool) {
	var req SyncRequest

	if !requireJSON(c) {
		return req, false
	}

	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("ignoring malformed sync request body", slog.String("error", err.Error()))
	}

	return req, true
}

// DownloadAll copies device documents missing from the local folder.
func (h *SyncHandler) DownloadAll(c *gin.Context) {
	h.run(c, h.syncer.DownloadAll)
}

// UploadAll copies local files missing on the device.
func (h *SyncHandler) UploadAll(c *gin.Context) {
	h.run(c, h.syncer.UploadAll)
}

// Mirror makes the device match the local folder.
func (h *SyncHandler) Mirror(c *gin.Context) {
	h.run(c, h.syncer.Mirror)
}

func (h *SyncHandler) run(c *gin.Context, op func(ctx context.Context, localFolder string) (docsync.SyncReport, error)) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	report, err := op(c.Request.Context(), req.LocalFolder)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, SyncResponse{
		Success:    true,
		Message:    summary(report),
		Mode:       report.Mode,
		Uploaded:   report.Uploaded,
		Downloaded: report.Downloaded,
		Deleted:    report.Deleted,
		Skipped:    report.Skipped,
		Total:      report.Total,
		Failures:   report.Failures,
	})
}

func summary(r docsync.SyncReport) string {
	var msg string

	switch r.Mode {
	case docsync.ModeDownloadAll:
		msg = fmt.Sprintf("Downloaded %d files (%d already existed)", r.Downloaded, r.Skipped)
	case docsync.ModeUploadAll:
		msg = fmt.Sprintf("Uploaded %d files (%d already existed)", r.Uploaded, r.Skipped)
	default:
		msg = fmt.Sprintf("Synced to device: %d uploaded, %d deleted, %d unchanged", r.Uploaded, r.Deleted, r.Skipped)
	}

	if n := len(r.Failures); n > 0 {
		msg += fmt.Sprintf(", %d failed", n)
	}

	return msg
}

// Plan returns the actions a sync would take without running it.
func (h *SyncHandler) Plan(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	plan, err := h.syncer.Plan(c.Request.Context(), docsync.Mode(req.Mode), req.LocalFolder)
	if err != nil {
		fail(c, err)
		return
	}

	actions := []docsync.Action(plan)
	if actions == nil {
		actions = []docsync.Action{}
	}

	c.JSON(http.StatusOK, PlanResponse{
		Success:   true,
		Mode:      docsync.Mode(req.Mode),
		Actions:   actions,
		Uploads:   plan.Count(docsync.ActionUpload),
		Downloads: plan.Count(docsync.ActionDownload),
		Deletes:   plan.Count(docsync.ActionDeleteRemote) + plan.Count(docsync.ActionDeleteLocal),
		Skips:     plan.Count(docsync.ActionSkip),
	})
}

// History lists recorded syncs, newest first. The optional "limit"
// query parameter caps the number returned.
func (h *SyncHandler) History(c *gin.Context) {
	limit := 0

	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}

		limit = n
	}

	runs := []models.SyncRun{}

	if h.history != nil {
		var err error

		runs, err = h.history.SyncRuns(limit)
		if err != nil {
			fail(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, HistoryResponse{Success: true, Runs: runs})
}
