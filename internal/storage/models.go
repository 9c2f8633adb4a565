package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Archive records one move of a session's current profile into history.
type Archive struct {
	ID          int64     `json:"id"`
	Scope       string    `json:"scope"`
	SessionID   string    `json:"sessionId"`
	ArchiveName string    `json:"archiveName"` // directory name under history/
	Reason      string    `json:"reason"`      // "start", "reset"
	ArchivedAt  time.Time `json:"archivedAt"`
}

// TrainingEvent records one status transition of a training job.
type TrainingEvent struct {
	ID         int64     `json:"id"`
	Scope      string    `json:"scope"`
	SessionID  string    `json:"sessionId"`
	JobID      string    `json:"jobId"`
	Kind       string    `json:"kind"`
	FromStatus string    `json:"fromStatus,omitempty"` // empty for the enqueue event
	ToStatus   string    `json:"toStatus"`
	Tier       string    `json:"tier,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
