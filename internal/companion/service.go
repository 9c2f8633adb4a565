// Package companion implements the onboarding wizard and the training job
// ledger it drives. Each session owns one wizard document and one derived
// metadata document under <scope>/profiles/companion/sessions/<sid>/current;
// every sensitive string in them is sealed at rest.
package companion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/companion/internal/fsutil"
	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/storage"
)

// MediaSource resolves media ids to registry items.
type MediaSource interface {
	Get(ctx context.Context, scope, id string) (media.Item, bool)
}

// Journal receives an append-only record of archives and job transitions.
// Implemented by storage.Store.
type Journal interface {
	RecordArchive(ctx context.Context, a storage.Archive) error
	RecordTrainingEvent(ctx context.Context, e storage.TrainingEvent) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Service owns every wizard session of one scope. Mutations of a single
// session are serialized by a per-session mutex; different sessions never
// contend.
type Service struct {
	scope      string
	sealer     media.Sealer
	media      MediaSource
	journal    Journal
	clock      Clock
	logger     *slog.Logger
	voiceModel string

	locks   sync.Map // normalized session id -> *sync.Mutex
	indexMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records archives and job transitions to j.
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithVoiceModel sets the model type advertised in metadata.
func WithVoiceModel(model string) Option {
	return func(s *Service) {
		if model != "" {
			s.voiceModel = model
		}
	}
}

// New creates a Service rooted at scope.
func New(scope string, sealer media.Sealer, src MediaSource, opts ...Option) *Service {
	s := &Service{
		scope:      scope,
		sealer:     sealer,
		media:      src,
		clock:      realClock{},
		logger:     slog.Default(),
		voiceModel: "gpt_sovits_v2",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scope returns the directory the service stores its documents under.
func (s *Service) Scope() string { return s.scope }

func (s *Service) lock(sid string) func() {
	v, _ := s.locks.LoadOrStore(sid, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func defaultWizard(sid, bound string, now time.Time) Wizard {
	if bound == "" {
		bound = sid
	}
	return Wizard{
		SessionID:      WizardSessionID(sid),
		BoundSessionID: bound,
		Phase:          PhaseIdle,
		StartedAt:      now,
		UpdatedAt:      now,
		Assets:         Assets{Photos: []string{}},
		Jobs:           []Job{},
	}
}

// load reads the wizard document of sid. A missing or unparsable document
// is replaced by a fresh idle one, which is persisted. Callers hold the
// session lock.
func (s *Service) load(ctx context.Context, sid, bound string) (Wizard, error) {
	var w Wizard
	if fsutil.ReadJSON(s.wizardPath(sid), &w) && w.SessionID != "" {
		s.openWizard(ctx, &w)
		if w.Assets.Photos == nil {
			w.Assets.Photos = []string{}
		}
		if w.Jobs == nil {
			w.Jobs = []Job{}
		}
		return w, nil
	}
	return s.persist(ctx, sid, defaultWizard(sid, bound, s.now()), nil)
}

// persist stamps updatedAt, writes the sealed wizard document, re-derives
// the metadata document and refreshes the session index. photoChecksums,
// when non-nil, replaces the cached photo checksums.
func (s *Service) persist(ctx context.Context, sid string, w Wizard, photoChecksums []string) (Wizard, error) {
	if err := s.ensureLayout(sid); err != nil {
		return Wizard{}, fmt.Errorf("creating profile layout: %w", err)
	}
	w.UpdatedAt = s.now()

	sealed := w.clone()
	if err := s.sealWizard(ctx, &sealed); err != nil {
		return Wizard{}, err
	}
	if err := fsutil.WriteJSON(s.wizardPath(sid), sealed); err != nil {
		return Wizard{}, fmt.Errorf("writing wizard state: %w", err)
	}

	prev, _ := s.readMetadata(ctx, sid)
	md := s.deriveMetadata(sid, prev, w, photoChecksums)
	if err := s.writeMetadata(ctx, sid, md); err != nil {
		return Wizard{}, err
	}

	s.updateIndex(ctx, sid, w)
	return w, nil
}

func (s *Service) sealWizard(ctx context.Context, w *Wizard) error {
	fields := []*string{&w.BoundSessionID, &w.Assets.VoiceSample, &w.Assets.PersonalityText}
	for i := range w.Assets.Photos {
		fields = append(fields, &w.Assets.Photos[i])
	}
	for i := range w.Jobs {
		fields = append(fields, &w.Jobs[i].Message, &w.Jobs[i].Error, &w.Jobs[i].CheckpointPath)
	}
	return s.seal(ctx, fields...)
}

func (s *Service) openWizard(ctx context.Context, w *Wizard) {
	fields := []*string{&w.BoundSessionID, &w.Assets.VoiceSample, &w.Assets.PersonalityText}
	for i := range w.Assets.Photos {
		fields = append(fields, &w.Assets.Photos[i])
	}
	for i := range w.Jobs {
		fields = append(fields, &w.Jobs[i].Message, &w.Jobs[i].Error, &w.Jobs[i].CheckpointPath)
	}
	s.open(ctx, fields...)
}

func (s *Service) seal(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		v, err := s.sealer.Seal(ctx, s.scope, *f)
		if err != nil {
			return fmt.Errorf("sealing field: %w", err)
		}
		*f = v
	}
	return nil
}

func (s *Service) open(ctx context.Context, fields ...*string) {
	for _, f := range fields {
		*f = s.sealer.Open(ctx, s.scope, *f)
	}
}

// sealedMetadataFields lists the metadata strings kept sealed at rest.
func sealedMetadataFields(md *Metadata) []*string {
	fields := []*string{
		&md.Assets.Persona.SourceText,
		&md.Assets.Persona.GeneratedPrompt,
		&md.SessionBinding.ClientSessionID,
	}
	for i := range md.Assets.Photos.Paths {
		fields = append(fields, &md.Assets.Photos.Paths[i])
	}
	return fields
}

// readMetadata returns the opened metadata document of sid.
func (s *Service) readMetadata(ctx context.Context, sid string) (Metadata, bool) {
	var md Metadata
	if !fsutil.ReadJSON(s.metadataPath(sid), &md) || md.ProfileID == "" {
		return Metadata{}, false
	}
	s.open(ctx, sealedMetadataFields(&md)...)
	return md, true
}

func (s *Service) writeMetadata(ctx context.Context, sid string, md Metadata) error {
	md.Assets.Photos.Paths = append([]string{}, md.Assets.Photos.Paths...)
	if err := s.seal(ctx, sealedMetadataFields(&md)...); err != nil {
		return err
	}
	if err := fsutil.WriteJSON(s.metadataPath(sid), md); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// Metadata returns the backend-facing summary of a session.
func (s *Service) Metadata(ctx context.Context, sessionID string) (Metadata, error) {
	sid := NormalizeSessionID(sessionID)
	unlock := s.lock(sid)
	defer unlock()

	if md, ok := s.readMetadata(ctx, sid); ok {
		return md, nil
	}
	w, err := s.load(ctx, sid, sessionID)
	if err != nil {
		return Metadata{}, err
	}
	if md, ok := s.readMetadata(ctx, sid); ok {
		return md, nil
	}
	return s.deriveMetadata(sid, Metadata{}, w, nil), nil
}

// Persona returns the persisted personality document of a session.
func (s *Service) Persona(ctx context.Context, sessionID string) (Persona, bool) {
	var p Persona
	if !fsutil.ReadJSON(s.personaPath(NormalizeSessionID(sessionID)), &p) {
		return Persona{}, false
	}
	s.open(ctx, &p.SourceText, &p.GeneratedPrompt)
	return p, true
}

// archive moves the current profile of sid into history/<timestamp> with a
// single rename and records it in the journal. A missing profile is not an
// error.
func (s *Service) archive(ctx context.Context, sid, reason string) error {
	current := s.ProfileDir(sid)
	if !fsutil.Exists(current) {
		return nil
	}
	if err := os.MkdirAll(s.historyDir(sid), 0o700); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}

	now := s.now()
	base := now.Format("20060102T150405.000000000Z")
	name := base
	for i := 1; fsutil.Exists(filepath.Join(s.historyDir(sid), name)); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	if err := os.Rename(current, filepath.Join(s.historyDir(sid), name)); err != nil {
		return fmt.Errorf("archiving profile: %w", err)
	}
	s.logger.Info("profile archived", "session_id", sid, "archive", name, "reason", reason)

	if s.journal != nil {
		err := s.journal.RecordArchive(ctx, storage.Archive{
			Scope:       s.scope,
			SessionID:   sid,
			ArchiveName: name,
			Reason:      reason,
			ArchivedAt:  now,
		})
		if err != nil {
			s.logger.Warn("recording archive failed", "session_id", sid, "error", err)
		}
	}
	return nil
}

// History lists the archive directory names of a session, oldest first.
func (s *Service) History(sessionID string) []string {
	entries, err := os.ReadDir(s.historyDir(NormalizeSessionID(sessionID)))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (s *Service) recordTransition(ctx context.Context, sid string, job Job, from JobStatus) {
	s.logger.Debug("training job transition", "session_id", sid, "job_id", job.ID, "from", from, "to", job.Status)
	if s.journal == nil {
		return
	}
	err := s.journal.RecordTrainingEvent(ctx, storage.TrainingEvent{
		Scope:      s.scope,
		SessionID:  sid,
		JobID:      job.ID,
		Kind:       string(job.Type),
		FromStatus: string(from),
		ToStatus:   string(job.Status),
		Tier:       string(job.CurrentTier),
		CreatedAt:  job.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("recording training event failed", "job_id", job.ID, "error", err)
	}
}

// --- Session index ---

type sessionIndex struct {
	Sessions map[string]SessionSummary `json:"sessions"`
}

func (s *Service) updateIndex(ctx context.Context, sid string, w Wizard) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var idx sessionIndex
	if !fsutil.ReadJSON(s.sessionIndexPath(), &idx) || idx.Sessions == nil {
		idx.Sessions = make(map[string]SessionSummary)
	}
	bound, err := s.sealer.Seal(ctx, s.scope, w.BoundSessionID)
	if err != nil {
		s.logger.Warn("sealing session index entry failed", "session_id", sid, "error", err)
		return
	}
	idx.Sessions[sid] = SessionSummary{
		SessionID:      sid,
		BoundSessionID: bound,
		Phase:          w.Phase,
		UpdatedAt:      w.UpdatedAt,
	}
	if err := fsutil.WriteJSON(s.sessionIndexPath(), idx); err != nil {
		s.logger.Warn("writing session index failed", "error", err)
	}
}

// Sessions returns the session index, most recently updated first.
func (s *Service) Sessions(ctx context.Context) []SessionSummary {
	s.indexMu.Lock()
	var idx sessionIndex
	ok := fsutil.ReadJSON(s.sessionIndexPath(), &idx)
	s.indexMu.Unlock()
	if !ok {
		return nil
	}

	out := make([]SessionSummary, 0, len(idx.Sessions))
	for _, e := range idx.Sessions {
		e.BoundSessionID = s.sealer.Open(ctx, s.scope, e.BoundSessionID)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ListSessions returns every session that has a wizard document, sorted.
func (s *Service) ListSessions() []string {
	entries, err := os.ReadDir(s.sessionsRoot())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("listing sessions failed", "error", err)
		}
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && fsutil.Exists(s.wizardPath(e.Name())) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}
