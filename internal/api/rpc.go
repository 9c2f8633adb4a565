package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/storage"
)

type rpcMethod func(ctx context.Context, deps Deps, raw json.RawMessage) (any, error)

var methods = map[string]rpcMethod{
	"companion.wizard.start":              rpcWizardStart,
	"companion.wizard.status":             rpcWizardStatus,
	"companion.wizard.photos.submit":      rpcWizardPhotos,
	"companion.wizard.voice.submit":       rpcWizardVoice,
	"companion.wizard.personality.submit": rpcWizardPersonality,
	"companion.wizard.reset":              rpcWizardReset,
	"companion.wizard.cancel":             rpcWizardCancel,
	"companion.wizard.sessions":           rpcWizardSessions,
	"companion.wizard.metadata":           rpcWizardMetadata,
	"companion.wizard.persona":            rpcWizardPersona,
	"companion.wizard.history":            rpcWizardHistory,
	"companion.training.requeue":          rpcTrainingRequeue,
	"companion.training.job":              rpcTrainingJob,
	"media.ingest":                        rpcMediaIngest,
	"media.get":                           rpcMediaGet,
	"media.list":                          rpcMediaList,
	"media.gc":                            rpcMediaGC,
}

// WizardView is the response of every wizard method.
type WizardView struct {
	Wizard    companion.Wizard `json:"wizard"`
	Checklist []string         `json:"checklist"`
	Job       *companion.Job   `json:"job,omitempty"`
	Canceled  int              `json:"canceled,omitempty"`
}

func view(w companion.Wizard) WizardView {
	return WizardView{Wizard: w, Checklist: companion.Checklist(w)}
}

func viewWithJob(w companion.Wizard, job companion.Job) WizardView {
	v := view(w)
	v.Job = &job
	return v
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

// session returns the caller's id when given, else the session an
// implicit request applies to.
func session(ctx context.Context, deps Deps, requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return deps.Companion.ResolveSession(ctx, "")
}

func rpcWizardStart(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID  string `json:"sessionId"`
		ForceReset bool   `json:"forceReset"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, err := deps.Companion.Start(ctx, session(ctx, deps, p.SessionID), p.ForceReset)
	if err != nil {
		return nil, err
	}
	return view(w), nil
}

func rpcWizardStatus(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, err := deps.Companion.Read(ctx, session(ctx, deps, p.SessionID))
	if err != nil {
		return nil, err
	}
	return view(w), nil
}

func rpcWizardPhotos(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string   `json:"sessionId"`
		MediaIDs  []string `json:"mediaIds"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, job, err := deps.Companion.SubmitPhotos(ctx, session(ctx, deps, p.SessionID), p.MediaIDs)
	if err != nil {
		return nil, err
	}
	return viewWithJob(w, job), nil
}

func rpcWizardVoice(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		MediaID   string `json:"mediaId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, job, err := deps.Companion.SubmitVoice(ctx, session(ctx, deps, p.SessionID), p.MediaID)
	if err != nil {
		return nil, err
	}
	return viewWithJob(w, job), nil
}

func rpcWizardPersonality(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, err := deps.Companion.SubmitPersonality(ctx, session(ctx, deps, p.SessionID), p.Text)
	if err != nil {
		return nil, err
	}
	return view(w), nil
}

func rpcWizardReset(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, err := deps.Companion.Reset(ctx, session(ctx, deps, p.SessionID))
	if err != nil {
		return nil, err
	}
	return view(w), nil
}

func rpcWizardCancel(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	w, n, err := deps.Companion.Cancel(ctx, session(ctx, deps, p.SessionID))
	if err != nil {
		return nil, err
	}
	v := view(w)
	v.Canceled = n
	return v, nil
}

func rpcWizardSessions(ctx context.Context, deps Deps, _ json.RawMessage) (any, error) {
	sessions := deps.Companion.Sessions(ctx)
	if sessions == nil {
		sessions = []companion.SessionSummary{}
	}
	return map[string]any{"sessions": sessions}, nil
}

func rpcWizardMetadata(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return deps.Companion.Metadata(ctx, session(ctx, deps, p.SessionID))
}

func rpcWizardPersona(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	persona, ok := deps.Companion.Persona(ctx, session(ctx, deps, p.SessionID))
	if !ok {
		return map[string]any{"persona": nil}, nil
	}
	return map[string]any{"persona": persona}, nil
}

// HistoryView lists the archived profiles of a session. Archives come from
// the journal when one is configured and carry the reason they were made.
type HistoryView struct {
	SessionID   string            `json:"sessionId"`
	Directories []string          `json:"directories"`
	Archives    []storage.Archive `json:"archives,omitempty"`
}

func rpcWizardHistory(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sid := companion.NormalizeSessionID(session(ctx, deps, p.SessionID))
	v := HistoryView{SessionID: sid, Directories: deps.Companion.History(sid)}
	if v.Directories == nil {
		v.Directories = []string{}
	}
	if deps.Journal != nil {
		archives, err := deps.Journal.ListArchives(ctx, deps.Companion.Scope(), sid, p.Limit)
		if err != nil {
			return nil, err
		}
		v.Archives = archives
	}
	return v, nil
}

func rpcTrainingRequeue(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID      string `json:"sessionId"`
		JobID          string `json:"jobId"`
		Message        string `json:"message"`
		CheckpointPath string `json:"checkpointPath"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, companion.ErrJobNotFound
	}
	w, job, err := deps.Companion.Requeue(ctx, companion.RequeueInput{
		SessionID:      p.SessionID,
		JobID:          p.JobID,
		Message:        p.Message,
		CheckpointPath: p.CheckpointPath,
	})
	if err != nil {
		return nil, err
	}
	return viewWithJob(w, job), nil
}

// JobView is a job with its owning session and transition history.
type JobView struct {
	SessionID string                  `json:"sessionId"`
	Job       companion.Job           `json:"job"`
	Events    []storage.TrainingEvent `json:"events,omitempty"`
}

func rpcTrainingJob(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		JobID     string `json:"jobId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	var ref companion.JobRef
	if p.SessionID != "" {
		w, err := deps.Companion.Read(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		job, ok := w.Job(p.JobID)
		if !ok {
			return nil, companion.ErrJobNotFound.WithDetail(p.JobID)
		}
		ref = companion.JobRef{SessionID: companion.NormalizeSessionID(p.SessionID), Job: job}
	} else {
		found, ok := deps.Companion.FindJob(ctx, p.JobID)
		if !ok {
			return nil, companion.ErrJobNotFound.WithDetail(p.JobID)
		}
		ref = found
	}

	v := JobView{SessionID: ref.SessionID, Job: ref.Job}
	if deps.Journal != nil {
		events, err := deps.Journal.ListTrainingEvents(ctx, ref.Job.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		v.Events = events
	}
	return v, nil
}

func rpcMediaIngest(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var in media.IngestInput
	if err := decodeParams(raw, &in); err != nil {
		return nil, err
	}
	return deps.Media.Ingest(ctx, deps.Companion.Scope(), in)
}

func rpcMediaGet(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	item, ok := deps.Media.Get(ctx, deps.Companion.Scope(), p.ID)
	if !ok {
		return nil, companion.ErrMediaNotFound.WithDetail(p.ID)
	}
	return item, nil
}

func rpcMediaList(ctx context.Context, deps Deps, raw json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	items := deps.Media.List(ctx, deps.Companion.Scope(), p.Limit)
	return map[string]any{"items": items}, nil
}

func rpcMediaGC(ctx context.Context, deps Deps, _ json.RawMessage) (any, error) {
	return deps.Media.RunGC(ctx, deps.Companion.Scope())
}
