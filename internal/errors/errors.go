package errors

import "errors"

// Precondition errors. Returned before any device or filesystem I/O.
var (
	ErrLocalFolderRequired = errors.New("no local folder provided")
	ErrLocalFolderNotFound = errors.New("local folder does not exist")
	ErrDeviceNotConnected  = errors.New("device not connected")
	ErrInvalidSyncMode     = errors.New("invalid sync mode")
)

// Request errors.
var (
	ErrUnsupportedMediaType = errors.New("request body must be application/json")
)

// Inventory errors. Abort a sync before any action executes.
var (
	ErrRemoteList = errors.New("listing device documents failed")
)

// Device transport errors.
var (
	ErrAPIRequest     = errors.New("device API request failed")
	ErrAPIResponse    = errors.New("unexpected device API response")
	ErrEntryNotFound  = errors.New("entry not found on device")
	ErrNoCredentials  = errors.New("no device credentials configured")
	ErrNotADocument   = errors.New("entry is not a document")
	ErrPathNotAllowed = errors.New("path not allowed")
)
