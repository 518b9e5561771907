package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
	"github.com/alexjbarnes/paper-sync/internal/localfs"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// MessageResponse acknowledges an operation that returns no data.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AbortWithError stops the handler chain and writes err as the body.
func AbortWithError(c *gin.Context, status int, err error) {
	c.Abort()
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// statusFor maps an error to an HTTP status. Bad requests and failed
// preconditions are the caller's fault; anything else, including a
// failed device listing, is a server error.
func statusFor(err error) int {
	var lerr *localfs.Error

	switch {
	case errors.Is(err, apperrors.ErrRemoteList):
		return http.StatusInternalServerError
	case errors.Is(err, apperrors.ErrDeviceNotConnected),
		errors.Is(err, apperrors.ErrLocalFolderRequired),
		errors.Is(err, apperrors.ErrLocalFolderNotFound),
		errors.Is(err, apperrors.ErrInvalidSyncMode),
		errors.Is(err, apperrors.ErrNoCredentials),
		errors.Is(err, apperrors.ErrPathNotAllowed),
		errors.Is(err, apperrors.ErrNotADocument),
		errors.As(err, &lerr):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status statusFor picks.
func fail(c *gin.Context, err error) {
	AbortWithError(c, statusFor(err), err)
}

// badRequest writes a 400 with msg.
func badRequest(c *gin.Context, msg string) {
	AbortWithError(c, http.StatusBadRequest, errors.New(msg))
}

// requireJSON rejects a request body that is not declared as JSON. A
// request with no body and no Content-Type passes. Browsers send
// text/plain and form bodies cross-site without a preflight, so this
// runs before a body is decoded.
func requireJSON(c *gin.Context) bool {
	if c.Request.ContentLength == 0 && c.GetHeader("Content-Type") == "" {
		return true
	}

	if c.ContentType() == gin.MIMEJSON {
		return true
	}

	fail(c, apperrors.ErrUnsupportedMediaType)

	return false
}
