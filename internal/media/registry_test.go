package media

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/companion/internal/fsutil"
	"github.com/kalambet/companion/internal/secure"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, string) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(secure.New(secure.WithPlatform(nil)), WithClock(clock))
	return r, clock, t.TempDir()
}

func ttl(h float64) *float64 { return &h }

func TestIngest_WritesContentAndIndex(t *testing.T) {
	ctx := context.Background()
	r, clock, scope := newTestRegistry(t)

	content := []byte("fake jpeg bytes")
	item, err := r.Ingest(ctx, scope, IngestInput{
		Source:        "upload:/Users/me/selfie.jpg",
		Kind:          KindImage,
		MimeType:      "image/jpeg",
		FileName:      "selfie.jpg",
		ContentBase64: base64.StdEncoding.EncodeToString(content),
		Metadata:      map[string]any{"camera": "front"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if !strings.HasPrefix(item.ID, "media_") {
		t.Errorf("ID = %q, want media_ prefix", item.ID)
	}
	if want := filepath.Join(Dir(scope), item.ID+".jpg"); item.LocalPath != want {
		t.Errorf("LocalPath = %q, want %q", item.LocalPath, want)
	}
	if item.SizeBytes == nil || *item.SizeBytes != int64(len(content)) {
		t.Errorf("SizeBytes = %v, want %d", item.SizeBytes, len(content))
	}
	if want := clock.Now().Add(DefaultTTL); !item.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", item.ExpiresAt, want)
	}

	got, err := os.ReadFile(item.LocalPath)
	if err != nil {
		t.Fatalf("reading content: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q", got)
	}

	fetched, ok := r.Get(ctx, scope, item.ID)
	if !ok {
		t.Fatal("Get: not found")
	}
	if fetched.Source != item.Source || fetched.FileName != "selfie.jpg" || fetched.LocalPath != item.LocalPath {
		t.Errorf("Get = %+v", fetched)
	}
	if fetched.Metadata["camera"] != "front" {
		t.Errorf("Metadata = %v", fetched.Metadata)
	}
}

func TestIngest_IndexHoldsNoPlaintext(t *testing.T) {
	ctx := context.Background()
	r, _, scope := newTestRegistry(t)

	_, err := r.Ingest(ctx, scope, IngestInput{
		Source:        "upload:private-source-path",
		Kind:          KindAudio,
		MimeType:      "audio/wav",
		FileName:      "confidential-voice.wav",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("RIFF")),
		Metadata:      map[string]any{"speaker": "distinctive-speaker-name"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(Dir(scope), "index.json"))
	if err != nil {
		t.Fatalf("reading index: %v", err)
	}
	for _, secret := range []string{"private-source-path", "confidential-voice", "distinctive-speaker-name", Dir(scope)} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("index contains plaintext %q", secret)
		}
	}
}

func TestIngest_TTLFloor(t *testing.T) {
	ctx := context.Background()
	r, clock, scope := newTestRegistry(t)

	for name, tc := range map[string]struct {
		ttl  *float64
		want time.Duration
	}{
		"zero":      {ttl(0), time.Hour},
		"negative":  {ttl(-5), time.Hour},
		"fraction":  {ttl(0.25), time.Hour},
		"explicit":  {ttl(48), 48 * time.Hour},
		"default":   {nil, DefaultTTL},
		"huge":      {ttl(3e6), MaxTTL},
		"max float": {ttl(1e300), MaxTTL},
	} {
		t.Run(name, func(t *testing.T) {
			item, err := r.Ingest(ctx, scope, IngestInput{Kind: KindFile, TTLHours: tc.ttl})
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if got := item.ExpiresAt.Sub(clock.Now()); got != tc.want {
				t.Errorf("ttl = %v, want %v", got, tc.want)
			}
			if item.LocalPath != "" {
				t.Errorf("LocalPath = %q for content-less ingest", item.LocalPath)
			}
		})
	}
}

func TestIngest_Validation(t *testing.T) {
	ctx := context.Background()
	r, _, scope := newTestRegistry(t)

	if _, err := r.Ingest(ctx, scope, IngestInput{Kind: "hologram"}); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("invalid kind err = %v, want ErrInvalidKind", err)
	}
	if _, err := r.Ingest(ctx, scope, IngestInput{Kind: KindImage, ContentBase64: "%%%"}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("invalid content err = %v, want ErrInvalidContent", err)
	}
	if items := r.List(ctx, scope, 0); len(items) != 0 {
		t.Errorf("List after failed ingests = %d items", len(items))
	}
}

func TestList_NewestFirstAndLimit(t *testing.T) {
	ctx := context.Background()
	r, clock, scope := newTestRegistry(t)

	var ids []string
	for range 3 {
		item, err := r.Ingest(ctx, scope, IngestInput{Kind: KindFile})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		ids = append(ids, item.ID)
		clock.Advance(time.Minute)
	}

	items := r.List(ctx, scope, 0)
	if len(items) != 3 {
		t.Fatalf("List = %d items, want 3", len(items))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if items[i].ID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].ID, want)
		}
	}

	if items := r.List(ctx, scope, 2); len(items) != 2 || items[0].ID != ids[2] {
		t.Errorf("List(2) = %v", items)
	}
}

func TestGet_Missing(t *testing.T) {
	r, _, scope := newTestRegistry(t)
	if _, ok := r.Get(context.Background(), scope, "media_nope"); ok {
		t.Error("Get(missing) reported found")
	}
}

func TestRunGC_RemovesExpiredAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, clock, scope := newTestRegistry(t)

	short, err := r.Ingest(ctx, scope, IngestInput{
		Kind:          KindImage,
		FileName:      "a.png",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("png")),
		TTLHours:      ttl(1),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	long, err := r.Ingest(ctx, scope, IngestInput{Kind: KindImage, TTLHours: ttl(48)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := r.RunGC(ctx, scope)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res != (GCResult{Removed: 0, Kept: 2}) {
		t.Errorf("RunGC before expiry = %+v", res)
	}

	clock.Advance(time.Hour)
	res, err = r.RunGC(ctx, scope)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res != (GCResult{Removed: 1, Kept: 1}) {
		t.Errorf("RunGC at expiry = %+v", res)
	}
	if fsutil.Exists(short.LocalPath) {
		t.Error("expired content file still on disk")
	}
	if _, ok := r.Get(ctx, scope, short.ID); ok {
		t.Error("expired item still indexed")
	}
	if _, ok := r.Get(ctx, scope, long.ID); !ok {
		t.Error("unexpired item removed")
	}

	res, err = r.RunGC(ctx, scope)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res != (GCResult{Removed: 0, Kept: 1}) {
		t.Errorf("second RunGC = %+v", res)
	}
}

func TestRunGC_MissingFileStillRemovesEntry(t *testing.T) {
	ctx := context.Background()
	r, clock, scope := newTestRegistry(t)

	item, err := r.Ingest(ctx, scope, IngestInput{
		Kind:          KindAudio,
		FileName:      "v.wav",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("wav")),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := os.Remove(item.LocalPath); err != nil {
		t.Fatal(err)
	}

	clock.Advance(DefaultTTL)
	res, err := r.RunGC(ctx, scope)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res.Removed != 1 || res.Kept != 0 {
		t.Errorf("RunGC = %+v", res)
	}
}

func TestCorruptIndexTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	r, _, scope := newTestRegistry(t)

	if err := os.MkdirAll(Dir(scope), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(Dir(scope), "index.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	if items := r.List(ctx, scope, 0); len(items) != 0 {
		t.Errorf("List over corrupt index = %d items", len(items))
	}
	res, err := r.RunGC(ctx, scope)
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if res != (GCResult{}) {
		t.Errorf("RunGC over corrupt index = %+v", res)
	}
	if _, err := r.Ingest(ctx, scope, IngestInput{Kind: KindFile}); err != nil {
		t.Fatalf("Ingest over corrupt index: %v", err)
	}
	if items := r.List(ctx, scope, 0); len(items) != 1 {
		t.Errorf("List after recovery = %d items, want 1", len(items))
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		name, mime, want string
	}{
		{"photo.JPG", "", ".jpg"},
		{"", "image/png", ".png"},
		{"noext", "image/jpeg", ".jpg"},
		{"", "audio/x-wav", ".wav"},
		{"evil./../x", "", ".bin"},
		{"", "", ".bin"},
	}
	for _, tt := range tests {
		if got := ExtensionFor(tt.name, tt.mime, ".bin"); got != tt.want {
			t.Errorf("ExtensionFor(%q, %q) = %q, want %q", tt.name, tt.mime, got, tt.want)
		}
	}
}
