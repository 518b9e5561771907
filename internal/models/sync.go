// Package models defines types shared across internal packages.
package models

import "time"

// SyncFailure is a single key that could not be synced.
type SyncFailure struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// SyncRun is the persisted record of one completed sync.
type SyncRun struct {
	ID          string        `json:"id"`
	Mode        string        `json:"mode"`
	LocalFolder string        `json:"local_folder"`
	StartedAt   time.Time     `json:"started_at"`
	DurationMs  int64         `json:"duration_ms"`
	Uploaded    int           `json:"uploaded"`
	Downloaded  int           `json:"downloaded"`
	Deleted     int           `json:"deleted"`
	Skipped     int           `json:"skipped"`
	Total       int           `json:"total"`
	Failures    []SyncFailure `json:"failures"`
}
