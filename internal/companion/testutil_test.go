package companion

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/secure"
	"github.com/kalambet/companion/internal/storage"
)

type fakeJournal struct {
	mu       sync.Mutex
	archives []storage.Archive
	events   []storage.TrainingEvent
}

func (j *fakeJournal) RecordArchive(_ context.Context, a storage.Archive) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.archives = append(j.archives, a)
	return nil
}

func (j *fakeJournal) RecordTrainingEvent(_ context.Context, e storage.TrainingEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *fakeJournal) eventsFor(jobID string) []storage.TrainingEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []storage.TrainingEvent
	for _, e := range j.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc     *Service
	reg     *media.Registry
	journal *fakeJournal
	scope   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope := t.TempDir()
	sealer := secure.New(secure.WithPlatform(nil))
	reg := media.NewRegistry(sealer)
	journal := &fakeJournal{}
	return &fixture{
		svc:     New(scope, sealer, reg, WithJournal(journal)),
		reg:     reg,
		journal: journal,
		scope:   scope,
	}
}

func (f *fixture) ingest(t *testing.T, kind media.Kind, fileName, content string) string {
	t.Helper()
	item, err := f.reg.Ingest(context.Background(), f.scope, media.IngestInput{
		Source:        "test",
		Kind:          kind,
		FileName:      fileName,
		ContentBase64: base64.StdEncoding.EncodeToString([]byte(content)),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return item.ID
}

func (f *fixture) photos(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.ingest(t, media.KindImage, "photo.jpg", "jpeg-bytes-"+string(rune('a'+i)))
	}
	return ids
}

func (f *fixture) start(t *testing.T, sid string) Wizard {
	t.Helper()
	w, err := f.svc.Start(context.Background(), sid, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

// runImage starts a session, submits one photo and returns the image job.
func (f *fixture) runImage(t *testing.T, sid string) Job {
	t.Helper()
	f.start(t, sid)
	_, job, err := f.svc.SubmitPhotos(context.Background(), sid, f.photos(t, 1))
	if err != nil {
		t.Fatalf("SubmitPhotos: %v", err)
	}
	return job
}

func (f *fixture) finish(t *testing.T, sid, jobID string, status JobStatus, tier Tier) Wizard {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.svc.MarkRunning(ctx, sid, jobID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	w, err := f.svc.MarkFinished(ctx, FinishInput{SessionID: sid, JobID: jobID, Status: status, Tier: tier, Message: "done"})
	if err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}
	return w
}
