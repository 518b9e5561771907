package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alexjbarnes/paper-sync/internal/localfs"
)

// LocalHandler browses the filesystem of the machine running the server.
type LocalHandler struct {
	defaultDir string
}

// NewLocalHandler creates a LocalHandler that lists defaultDir when the
// request names no path.
func NewLocalHandler(defaultDir string) *LocalHandler {
	return &LocalHandler{defaultDir: defaultDir}
}

type LocalListResponse struct {
	Success bool `json:"success"`
	*localfs.Listing
}

// List returns one directory level.
func (h *LocalHandler) List(c *gin.Context) {
	listing, err := localfs.List(c.DefaultQuery("path", h.defaultDir))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, LocalListResponse{Success: true, Listing: listing})
}
