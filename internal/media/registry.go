// Package media registers uploaded binary assets (photos, voice samples,
// generated output), stores their content locally, and expires them after a
// time-to-live.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/companion/internal/fsutil"
)

// DefaultTTL applies when an ingest request does not specify one.
const DefaultTTL = 24 * time.Hour

// MaxTTL caps requested lifetimes so the hour count always fits a
// time.Duration.
const MaxTTL = 10 * 365 * 24 * time.Hour

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 100

// Sealer protects sensitive strings at rest. Implemented by secure.Store.
type Sealer interface {
	Seal(ctx context.Context, scope, plaintext string) (string, error)
	Open(ctx context.Context, scope, raw string) string
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Registry owns the media index of every scope it is asked about. The
// index lives at <scope>/media/index.json next to the content files.
type Registry struct {
	sealer     Sealer
	clock      Clock
	defaultTTL time.Duration
	logger     *slog.Logger

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithDefaultTTL sets the TTL applied when an ingest omits one, bounded to
// [1h, MaxTTL].
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTTL = min(max(d, time.Hour), MaxTTL)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry sealing sensitive fields through sealer.
func NewRegistry(sealer Sealer, opts ...Option) *Registry {
	r := &Registry{
		sealer:     sealer,
		clock:      realClock{},
		defaultTTL: DefaultTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the directory holding the index and content files for scope.
func Dir(scope string) string {
	return filepath.Join(scope, "media")
}

func indexPath(scope string) string {
	return filepath.Join(Dir(scope), "index.json")
}

// Ingest registers a new asset. The expiry is now plus the requested TTL,
// never less than one hour. When content is supplied it is decoded and
// written to <id><ext> in the media directory.
func (r *Registry) Ingest(ctx context.Context, scope string, in IngestInput) (Item, error) {
	if !in.Kind.Valid() {
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
	}
	var content []byte
	if in.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(in.ContentBase64)
		if err != nil {
			return Item{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		content = decoded
	}

	ttl := r.defaultTTL
	if in.TTLHours != nil {
		ttl = ttlFromHours(*in.TTLHours)
	}
	ttl = min(max(ttl, time.Hour), MaxTTL)

	now := r.clock.Now().UTC()
	item := Item{
		ID:        "media_" + uuid.New().String(),
		Source:    in.Source,
		Kind:      in.Kind,
		MimeType:  in.MimeType,
		FileName:  in.FileName,
		SizeBytes: in.SizeBytes,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  in.Metadata,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if content != nil {
		if err := os.MkdirAll(Dir(scope), 0o700); err != nil {
			return Item{}, fmt.Errorf("creating media dir: %w", err)
		}
		ext := ExtensionFor(in.FileName, in.MimeType, ".bin")
		path := filepath.Join(Dir(scope), item.ID+ext)
		if err := fsutil.WriteFileAtomic(path, content, 0o600); err != nil {
			return Item{}, fmt.Errorf("writing media content: %w", err)
		}
		item.LocalPath = path
		if item.SizeBytes == nil {
			size := int64(len(content))
			item.SizeBytes = &size
		}
	}

	stored, err := r.seal(ctx, scope, item)
	if err != nil {
		if item.LocalPath != "" {
			os.Remove(item.LocalPath)
		}
		return Item{}, err
	}

	idx := r.readIndex(scope)
	idx.Items[item.ID] = stored
	if err := r.writeIndex(scope, idx); err != nil {
		if item.LocalPath != "" {
			os.Remove(item.LocalPath)
		}
		return Item{}, err
	}
	return item, nil
}

// Get returns the item with the given id.
func (r *Registry) Get(ctx context.Context, scope, id string) (Item, bool) {
	r.mu.Lock()
	stored, ok := r.readIndex(scope).Items[id]
	r.mu.Unlock()
	if !ok {
		return Item{}, false
	}
	return r.open(ctx, scope, stored), true
}

// List returns up to limit items, newest first.
func (r *Registry) List(ctx context.Context, scope string, limit int) []Item {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	r.mu.Lock()
	idx := r.readIndex(scope)
	r.mu.Unlock()

	stored := make([]storedItem, 0, len(idx.Items))
	for _, s := range idx.Items {
		stored = append(stored, s)
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].ID > stored[j].ID
		}
		return stored[i].CreatedAt.After(stored[j].CreatedAt)
	})
	if len(stored) > limit {
		stored = stored[:limit]
	}

	items := make([]Item, len(stored))
	for i, s := range stored {
		items[i] = r.open(ctx, scope, s)
	}
	return items
}

// RunGC drops every expired item from the index and deletes its backing
// file. File deletion is best effort: a failed unlink is logged and the
// sweep continues.
func (r *Registry) RunGC(ctx context.Context, scope string) (GCResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.readIndex(scope)
	now := r.clock.Now()
	removed := 0
	for id, stored := range idx.Items {
		if stored.ExpiresAt.After(now) {
			continue
		}
		if stored.LocalPath != "" {
			path := r.sealer.Open(ctx, scope, stored.LocalPath)
			if err := fsutil.RemoveIfExists(path); err != nil {
				r.logger.Warn("media gc: removing content failed", "media_id", id, "error", err)
			}
		}
		delete(idx.Items, id)
		removed++
	}

	if removed > 0 {
		if err := r.writeIndex(scope, idx); err != nil {
			return GCResult{}, err
		}
	}
	return GCResult{Removed: removed, Kept: len(idx.Items)}, nil
}

// RunJanitor sweeps scope every interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, scope string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunGC(ctx, scope)
			if err != nil {
				r.logger.Error("media gc failed", "error", err)
				continue
			}
			if res.Removed > 0 {
				r.logger.Info("media gc", "removed", res.Removed, "kept", res.Kept)
			}
		}
	}
}

// readIndex loads the index for scope. A missing or unparsable index is
// an empty one; the next write replaces it.
func (r *Registry) readIndex(scope string) index {
	var idx index
	if !fsutil.ReadJSON(indexPath(scope), &idx) {
		r.logger.Debug("media index unreadable, starting empty", "path", indexPath(scope))
		idx = index{}
	}
	if idx.Items == nil {
		idx.Items = make(map[string]storedItem)
	}
	return idx
}

func (r *Registry) writeIndex(scope string, idx index) error {
	if err := fsutil.WriteJSON(indexPath(scope), idx); err != nil {
		return fmt.Errorf("writing media index: %w", err)
	}
	return nil
}

func (r *Registry) seal(ctx context.Context, scope string, item Item) (storedItem, error) {
	s := storedItem{
		ID:        item.ID,
		Kind:      item.Kind,
		MimeType:  item.MimeType,
		SizeBytes: item.SizeBytes,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}
	var metadata string
	if len(item.Metadata) > 0 {
		data, err := json.Marshal(item.Metadata)
		if err != nil {
			return storedItem{}, fmt.Errorf("encoding media metadata: %w", err)
		}
		metadata = string(data)
	}

	fields := []struct {
		dst   *string
		plain string
	}{
		{&s.Source, item.Source},
		{&s.FileName, item.FileName},
		{&s.LocalPath, item.LocalPath},
		{&s.Metadata, metadata},
	}
	for _, f := range fields {
		sealed, err := r.sealer.Seal(ctx, scope, f.plain)
		if err != nil {
			return storedItem{}, fmt.Errorf("sealing media item: %w", err)
		}
		*f.dst = sealed
	}
	return s, nil
}

func (r *Registry) open(ctx context.Context, scope string, s storedItem) Item {
	item := Item{
		ID:        s.ID,
		Source:    r.sealer.Open(ctx, scope, s.Source),
		Kind:      s.Kind,
		MimeType:  s.MimeType,
		FileName:  r.sealer.Open(ctx, scope, s.FileName),
		LocalPath: r.sealer.Open(ctx, scope, s.LocalPath),
		SizeBytes: s.SizeBytes,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if s.Metadata != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(r.sealer.Open(ctx, scope, s.Metadata)), &md); err == nil {
			item.Metadata = md
		}
	}
	return item
}

// ttlFromHours converts hours to a duration, clamping to [1h, MaxTTL]
// before the conversion can overflow.
func ttlFromHours(hours float64) time.Duration {
	if math.IsNaN(hours) || hours < 1 {
		return time.Hour
	}
	if hours >= MaxTTL.Hours() {
		return MaxTTL
	}
	return time.Duration(hours * float64(time.Hour))
}

// ExtensionFor picks a file extension from the file name, then the MIME
// type, then fallback. Extensions that are not short alphanumerics are
// ignored so a crafted file name cannot influence the on-disk path.
func ExtensionFor(fileName, mimeType, fallback string) string {
	if ext := strings.ToLower(filepath.Ext(fileName)); validExtension(ext) {
		return ext
	}
	mime := strings.ToLower(mimeType)
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return ".jpg"
	case strings.Contains(mime, "webp"):
		return ".webp"
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	}
	return fallback
}

func validExtension(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 || ext[0] != '.' {
		return false
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
