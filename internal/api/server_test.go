package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/secure"
	"github.com/kalambet/companion/internal/storage"
)

const testToken = "test-token-12345"

type stubProber struct{ up bool }

func (s stubProber) IsRunning(context.Context) bool { return s.up }

func setupHandler(t *testing.T) http.Handler {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sealer := secure.New(secure.WithPlatform(nil))
	reg := media.NewRegistry(sealer)
	svc := companion.New(t.TempDir(), sealer, reg, companion.WithJournal(store))

	return NewHandler(Deps{
		Companion: svc,
		Media:     reg,
		Journal:   store,
		Backend:   stubProber{up: false},
		Token:     testToken,
	})
}

func rpc(t *testing.T, h http.Handler, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc/"+method, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, code int, message string) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, code, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if !strings.HasPrefix(body.Error.Message, message) {
		t.Errorf("message = %q, want prefix %q", body.Error.Message, message)
	}
}

func ingestPhoto(t *testing.T, h http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(media.IngestInput{
		Source:        "test",
		Kind:          media.KindImage,
		FileName:      "me.jpg",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("jpeg")),
	})
	rec := rpc(t, h, "media.ingest", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("media.ingest status = %d: %s", rec.Code, rec.Body.String())
	}
	return decode[media.Item](t, rec).ID
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := setupHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["backend"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestRPC_RequiresToken(t *testing.T) {
	h := setupHandler(t)
	for _, auth := range []string{"", "Bearer wrong", testToken, "Basic " + testToken, "Bearer"} {
		req := httptest.NewRequest(http.MethodPost, "/rpc/companion.wizard.status", strings.NewReader("{}"))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want 401", auth, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("auth %q: missing WWW-Authenticate", auth)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc/companion.wizard.status", strings.NewReader("{}"))
	req.Header.Set("Authorization", "bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("lowercase scheme: status = %d, want 200", rec.Code)
	}
}

func TestRPC_UnknownMethodAndBadBody(t *testing.T) {
	h := setupHandler(t)
	expectError(t, rpc(t, h, "companion.wizard.fly", "{}"), http.StatusNotFound, "unknown method")
	expectError(t, rpc(t, h, "companion.wizard.status", "{oops"), http.StatusBadRequest, "invalid request body")
	expectError(t, rpc(t, h, "companion.wizard.photos.submit", `{"mediaIds": "nope"}`), http.StatusBadRequest, "invalid_params")
}

func TestRPC_EmptyBodyUsesDefaults(t *testing.T) {
	h := setupHandler(t)
	rec := rpc(t, h, "companion.wizard.status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	v := decode[WizardView](t, rec)
	if v.Wizard.Phase != companion.PhaseIdle || v.Wizard.SessionID != "wizard:companion:main" {
		t.Errorf("wizard = %s/%s", v.Wizard.SessionID, v.Wizard.Phase)
	}
	if len(v.Checklist) != 3 {
		t.Errorf("checklist = %v", v.Checklist)
	}
}

func TestRPC_WizardFlow(t *testing.T) {
	h := setupHandler(t)

	rec := rpc(t, h, "companion.wizard.start", `{"sessionId":"alpha"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if v := decode[WizardView](t, rec); v.Wizard.Phase != companion.PhaseAwaitingPhotos {
		t.Fatalf("phase after start = %s", v.Wizard.Phase)
	}

	expectError(t, rpc(t, h, "companion.wizard.photos.submit", `{"sessionId":"alpha","mediaIds":[]}`),
		http.StatusBadRequest, "wizard_photo_count_invalid:must_be_1_to_5")
	expectError(t, rpc(t, h, "companion.wizard.photos.submit", `{"sessionId":"alpha","mediaIds":["media_gone"]}`),
		http.StatusNotFound, "media_asset_not_found:media_gone")

	id := ingestPhoto(t, h)
	rec = rpc(t, h, "companion.wizard.photos.submit", `{"sessionId":"alpha","mediaIds":["`+id+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("photos.submit: %d %s", rec.Code, rec.Body.String())
	}
	v := decode[WizardView](t, rec)
	if v.Job == nil || v.Job.Status != companion.StatusQueued || v.Job.Type != companion.JobTypeImage {
		t.Fatalf("job = %+v", v.Job)
	}
	if v.Checklist[0] != "visual:done" {
		t.Errorf("checklist = %v", v.Checklist)
	}
	jobID := v.Job.ID

	expectError(t, rpc(t, h, "companion.wizard.voice.submit", `{"sessionId":"alpha","mediaId":""}`),
		http.StatusBadRequest, "invalid_media_id")
	expectError(t, rpc(t, h, "companion.wizard.voice.submit", `{"sessionId":"alpha","mediaId":"`+id+`"}`),
		http.StatusConflict, "wizard_state_invalid:training_image")
	expectError(t, rpc(t, h, "companion.wizard.personality.submit", `{"sessionId":"alpha","text":"  "}`),
		http.StatusBadRequest, "invalid_personality_text")

	rec = rpc(t, h, "companion.training.job", `{"jobId":"`+jobID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("training.job: %d %s", rec.Code, rec.Body.String())
	}
	jv := decode[JobView](t, rec)
	if jv.SessionID != "alpha" || jv.Job.ID != jobID {
		t.Errorf("job view = %+v", jv)
	}
	if len(jv.Events) != 1 || jv.Events[0].ToStatus != "queued" {
		t.Errorf("events = %+v", jv.Events)
	}

	rec = rpc(t, h, "companion.wizard.cancel", `{"sessionId":"alpha"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if v := decode[WizardView](t, rec); v.Canceled != 1 || v.Wizard.Phase != companion.PhaseTrainingImage {
		t.Errorf("cancel = %d jobs, phase %s", v.Canceled, v.Wizard.Phase)
	}

	rec = rpc(t, h, "companion.training.requeue", `{"jobId":"`+jobID+`","message":"retry"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("requeue: %d %s", rec.Code, rec.Body.String())
	}
	if v := decode[WizardView](t, rec); v.Job == nil || v.Job.Status != companion.StatusQueued {
		t.Errorf("requeued job = %+v", v.Job)
	}

	expectError(t, rpc(t, h, "companion.training.requeue", `{"jobId":"wjob_missing"}`),
		http.StatusNotFound, "training_job_not_found:wjob_missing")

	rec = rpc(t, h, "companion.wizard.metadata", `{"sessionId":"alpha"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata: %d %s", rec.Code, rec.Body.String())
	}
	if md := decode[companion.Metadata](t, rec); md.Assets.Photos.Count != 1 {
		t.Errorf("metadata photo count = %d", md.Assets.Photos.Count)
	}

	rec = rpc(t, h, "companion.wizard.sessions", "")
	sessions := decode[struct {
		Sessions []companion.SessionSummary `json:"sessions"`
	}](t, rec)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].SessionID != "alpha" {
		t.Errorf("sessions = %+v", sessions.Sessions)
	}

	rec = rpc(t, h, "companion.wizard.reset", `{"sessionId":"alpha"}`)
	if v := decode[WizardView](t, rec); v.Wizard.Phase != companion.PhaseIdle || len(v.Wizard.Jobs) != 0 {
		t.Errorf("after reset = %s with %d jobs", v.Wizard.Phase, len(v.Wizard.Jobs))
	}

	rec = rpc(t, h, "companion.wizard.history", `{"sessionId":"alpha"}`)
	history := decode[HistoryView](t, rec)
	if len(history.Directories) != 1 || len(history.Archives) != 1 {
		t.Fatalf("history = %+v", history)
	}
	if a := history.Archives[0]; a.Reason != "reset" || a.ArchiveName != history.Directories[0] {
		t.Errorf("archive = %+v", a)
	}

	rec = rpc(t, h, "companion.wizard.persona", `{"sessionId":"alpha"}`)
	if strings.TrimSpace(rec.Body.String()) != `{"persona":null}` {
		t.Errorf("persona before submission = %s", rec.Body.String())
	}
}

func TestRPC_Media(t *testing.T) {
	h := setupHandler(t)

	expectError(t, rpc(t, h, "media.ingest", `{"kind":"hologram"}`), http.StatusBadRequest, "invalid_media_kind")
	expectError(t, rpc(t, h, "media.ingest", `{"kind":"image","contentBase64":"%%%"}`), http.StatusBadRequest, "invalid_media_content")
	expectError(t, rpc(t, h, "media.get", `{"id":"media_nope"}`), http.StatusNotFound, "media_asset_not_found:media_nope")

	id := ingestPhoto(t, h)

	rec := rpc(t, h, "media.get", `{"id":"`+id+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("media.get: %d %s", rec.Code, rec.Body.String())
	}
	if item := decode[media.Item](t, rec); item.FileName != "me.jpg" || item.Kind != media.KindImage {
		t.Errorf("item = %+v", item)
	}

	rec = rpc(t, h, "media.list", `{"limit":10}`)
	list := decode[struct {
		Items []media.Item `json:"items"`
	}](t, rec)
	if len(list.Items) != 1 || list.Items[0].ID != id {
		t.Errorf("list = %+v", list.Items)
	}

	rec = rpc(t, h, "media.gc", "")
	if res := decode[media.GCResult](t, rec); res != (media.GCResult{Removed: 0, Kept: 1}) {
		t.Errorf("gc = %+v", res)
	}
}
