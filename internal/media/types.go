package media

import (
	"errors"
	"time"
)

var (
	ErrInvalidKind    = errors.New("invalid_media_kind")
	ErrInvalidContent = errors.New("invalid_media_content")
)

// Kind classifies an ingested asset.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindAudio, KindVideo, KindFile:
		return true
	}
	return false
}

// Item is one ingested asset as seen by callers, with every sensitive field
// already opened.
type Item struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Kind      Kind           `json:"kind"`
	MimeType  string         `json:"mimeType"`
	FileName  string         `json:"fileName"`
	LocalPath string         `json:"localPath,omitempty"`
	SizeBytes *int64         `json:"sizeBytes,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the item is eligible for garbage collection at now.
func (i Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// IngestInput describes an asset to register. ContentBase64 is optional;
// when empty the item is recorded without a backing file.
type IngestInput struct {
	Source        string         `json:"source"`
	Kind          Kind           `json:"kind"`
	MimeType      string         `json:"mimeType"`
	FileName      string         `json:"fileName"`
	ContentBase64 string         `json:"contentBase64,omitempty"`
	SizeBytes     *int64         `json:"sizeBytes,omitempty"`
	TTLHours      *float64       `json:"ttlHours,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// GCResult reports the outcome of one garbage-collection sweep.
type GCResult struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// storedItem is the on-disk form of Item. Source, FileName, LocalPath and
// the JSON-encoded Metadata are sealed envelopes.
type storedItem struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Kind      Kind      `json:"kind"`
	MimeType  string    `json:"mimeType"`
	FileName  string    `json:"fileName"`
	LocalPath string    `json:"localPath,omitempty"`
	SizeBytes *int64    `json:"sizeBytes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Metadata  string    `json:"metadata,omitempty"`
}

type index struct {
	Items map[string]storedItem `json:"items"`
}
