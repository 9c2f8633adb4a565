package companion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kalambet/companion/internal/fsutil"
	"github.com/kalambet/companion/internal/media"
)

const (
	maxPhotos       = 5
	voiceSampleName = "original_sample.wav"
)

// Read returns the wizard of a session, creating and persisting an idle
// one when none exists.
func (s *Service) Read(ctx context.Context, sessionID string) (Wizard, error) {
	sid := NormalizeSessionID(sessionID)
	unlock := s.lock(sid)
	defer unlock()
	return s.load(ctx, sid, boundID(sessionID))
}

// IsEmpty reports whether a session has no assets, no jobs and is idle.
func (s *Service) IsEmpty(ctx context.Context, sessionID string) (bool, error) {
	w, err := s.Read(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return !w.HasAssets() && len(w.Jobs) == 0 && w.Phase == PhaseIdle, nil
}

// ResolveSession picks the session an operation without an explicit id
// applies to: the only active session, else "main" when active, else the
// first active one, else the first known one, else "main".
func (s *Service) ResolveSession(ctx context.Context, requested string) string {
	if strings.TrimSpace(requested) != "" {
		return NormalizeSessionID(requested)
	}
	sessions := s.ListSessions()
	if len(sessions) == 0 {
		return DefaultSession
	}
	var active []string
	for _, sid := range sessions {
		unlock := s.lock(sid)
		w, err := s.load(ctx, sid, "")
		unlock()
		if err != nil {
			continue
		}
		if w.Phase != PhaseIdle || w.HasAssets() || len(w.Jobs) > 0 {
			active = append(active, sid)
		}
	}
	switch {
	case len(active) == 1:
		return active[0]
	case slices.Contains(active, DefaultSession):
		return DefaultSession
	case len(active) > 0:
		return active[0]
	}
	return sessions[0]
}

// Start begins onboarding. Without forceReset a session that already has
// progress is returned unchanged; with it the current profile is archived
// first. A started wizard awaits photos.
func (s *Service) Start(ctx context.Context, sessionID string, forceReset bool) (Wizard, error) {
	sid := NormalizeSessionID(sessionID)
	unlock := s.lock(sid)
	defer unlock()

	if forceReset {
		if err := s.archive(ctx, sid, "start"); err != nil {
			return Wizard{}, err
		}
	} else {
		w, err := s.load(ctx, sid, boundID(sessionID))
		if err != nil {
			return Wizard{}, err
		}
		if w.HasAssets() || w.Phase != PhaseIdle {
			return w, nil
		}
		if err := fsutil.RemoveIfExists(s.metadataPath(sid)); err != nil {
			return Wizard{}, fmt.Errorf("clearing metadata: %w", err)
		}
	}

	w := defaultWizard(sid, boundID(sessionID), s.now())
	w.Phase = PhaseAwaitingPhotos
	return s.persist(ctx, sid, w, nil)
}

// Reset archives the current profile and returns the session to idle.
func (s *Service) Reset(ctx context.Context, sessionID string) (Wizard, error) {
	sid := NormalizeSessionID(sessionID)
	unlock := s.lock(sid)
	defer unlock()

	if err := s.archive(ctx, sid, "reset"); err != nil {
		return Wizard{}, err
	}
	return s.persist(ctx, sid, defaultWizard(sid, boundID(sessionID), s.now()), nil)
}

// SubmitPhotos replaces the photo set with copies of 1 to 5 media items
// and queues image training. Every reference is resolved before anything
// on disk changes.
func (s *Service) SubmitPhotos(ctx context.Context, sessionID string, mediaIDs []string) (Wizard, Job, error) {
	if len(mediaIDs) < 1 || len(mediaIDs) > maxPhotos {
		return Wizard{}, Job{}, ErrPhotoCount.with("must_be_1_to_5")
	}
	for _, id := range mediaIDs {
		if strings.TrimSpace(id) == "" {
			return Wizard{}, Job{}, ErrInvalidMediaID
		}
	}

	sid := s.ResolveSession(ctx, sessionID)
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, boundID(sessionID))
	if err != nil {
		return Wizard{}, Job{}, err
	}
	if w.Phase != PhaseAwaitingPhotos {
		return Wizard{}, Job{}, ErrStateInvalid.with(string(w.Phase))
	}

	items := make([]media.Item, len(mediaIDs))
	for i, id := range mediaIDs {
		item, ok := s.resolveMedia(ctx, id)
		if !ok {
			return Wizard{}, Job{}, ErrMediaNotFound.with(id)
		}
		items[i] = item
	}

	photosDir := filepath.Join(s.ProfileDir(sid), "photos")
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = fmt.Sprintf("%02d_original%s", i+1, media.ExtensionFor(item.FileName, item.MimeType, ".bin"))
	}
	err = replaceDir(photosDir, func(staging string) error {
		for i, item := range items {
			if err := fsutil.CopyFile(item.LocalPath, filepath.Join(staging, names[i])); err != nil {
				return fmt.Errorf("copying photo %s: %w", item.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Wizard{}, Job{}, err
	}

	photos := make([]string, len(names))
	for i, name := range names {
		photos[i] = filepath.Join(photosDir, name)
	}
	checksums, err := checksumFiles(ctx, photos)
	if err != nil {
		s.logger.Warn("checksumming photos failed", "session_id", sid, "error", err)
	}

	w = w.clone()
	w.Phase = PhaseTrainingImage
	w.Assets.Photos = photos
	w, job := Enqueue(w, EnqueueInput{
		Type:             JobTypeImage,
		EstimatedTime:    ImageEstimate,
		FallbackStrategy: FallbackStrategy,
	}, s.now())

	w, err = s.persist(ctx, sid, w, checksums)
	if err != nil {
		return Wizard{}, Job{}, err
	}
	s.recordTransition(ctx, sid, job, "")
	s.logger.Info("photos submitted", "session_id", sid, "count", len(photos), "job_id", job.ID)
	return w, job, nil
}

// SubmitVoice stores one voice sample and queues voice training.
func (s *Service) SubmitVoice(ctx context.Context, sessionID, mediaID string) (Wizard, Job, error) {
	if strings.TrimSpace(mediaID) == "" {
		return Wizard{}, Job{}, ErrInvalidMediaID
	}

	sid := s.ResolveSession(ctx, sessionID)
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, boundID(sessionID))
	if err != nil {
		return Wizard{}, Job{}, err
	}
	if w.Phase != PhaseAwaitingVoice {
		return Wizard{}, Job{}, ErrStateInvalid.with(string(w.Phase))
	}

	item, ok := s.resolveMedia(ctx, mediaID)
	if !ok {
		return Wizard{}, Job{}, ErrVoiceNotFound.with(mediaID)
	}

	voiceDir := filepath.Join(s.ProfileDir(sid), "voice")
	err = replaceDir(voiceDir, func(staging string) error {
		return fsutil.CopyFile(item.LocalPath, filepath.Join(staging, voiceSampleName))
	})
	if err != nil {
		return Wizard{}, Job{}, fmt.Errorf("copying voice sample: %w", err)
	}

	w = w.clone()
	w.Phase = PhaseTrainingVoice
	w.Assets.VoiceSample = filepath.Join(voiceDir, voiceSampleName)
	w, job := Enqueue(w, EnqueueInput{
		Type:             JobTypeVoice,
		EstimatedTime:    VoiceEstimate,
		FallbackStrategy: FallbackStrategy,
	}, s.now())

	w, err = s.persist(ctx, sid, w, nil)
	if err != nil {
		return Wizard{}, Job{}, err
	}
	s.recordTransition(ctx, sid, job, "")
	s.logger.Info("voice submitted", "session_id", sid, "job_id", job.ID)
	return w, job, nil
}

// SubmitPersonality stores the personality text with its derived prompt
// and completes onboarding.
func (s *Service) SubmitPersonality(ctx context.Context, sessionID, text string) (Wizard, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Wizard{}, ErrPersonalityText
	}

	sid := s.ResolveSession(ctx, sessionID)
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, boundID(sessionID))
	if err != nil {
		return Wizard{}, err
	}
	if w.Phase != PhaseAwaitingPersonality {
		return Wizard{}, ErrStateInvalid.with(string(w.Phase))
	}

	persona := Persona{
		SourceText:      text,
		GeneratedPrompt: generatePrompt(text),
		UpdatedAt:       s.now(),
	}
	if err := s.seal(ctx, &persona.SourceText, &persona.GeneratedPrompt); err != nil {
		return Wizard{}, err
	}
	if err := fsutil.WriteJSON(s.personaPath(sid), persona); err != nil {
		return Wizard{}, fmt.Errorf("writing persona: %w", err)
	}

	w = w.clone()
	w.Phase = PhaseCompleted
	w.Assets.PersonalityText = text
	w, err = s.persist(ctx, sid, w, nil)
	if err != nil {
		return Wizard{}, err
	}
	s.logger.Info("personality submitted", "session_id", sid)
	return w, nil
}

// CancelTraining cancels every pending job of a session. The phase is kept
// so the canceled job can be requeued.
func (s *Service) CancelTraining(ctx context.Context, sessionID string) (Wizard, error) {
	w, _, err := s.Cancel(ctx, s.ResolveSession(ctx, sessionID))
	return w, err
}

// Checklist summarizes which modalities have been submitted.
func Checklist(w Wizard) []string {
	item := func(name string, done bool) string {
		if done {
			return name + ":done"
		}
		return name + ":pending"
	}
	return []string{
		item("visual", len(w.Assets.Photos) > 0),
		item("voice", w.Assets.VoiceSample != ""),
		item("persona", w.Assets.PersonalityText != ""),
	}
}

func (s *Service) resolveMedia(ctx context.Context, id string) (media.Item, bool) {
	item, ok := s.media.Get(ctx, s.scope, id)
	if !ok || item.LocalPath == "" || !fsutil.Exists(item.LocalPath) {
		return media.Item{}, false
	}
	return item, true
}

// replaceDir fills a staging directory next to dir and swaps it in with
// renames, so dir holds either the old or the complete new set.
func replaceDir(dir string, fill func(staging string) error) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+"-staging-*")
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	if err := fill(staging); err != nil {
		os.RemoveAll(staging)
		return err
	}

	var old string
	if fsutil.Exists(dir) {
		old = staging + ".old"
		if err := os.Rename(dir, old); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("moving previous %s aside: %w", filepath.Base(dir), err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		if old != "" {
			os.Rename(old, dir)
		}
		os.RemoveAll(staging)
		return fmt.Errorf("installing %s: %w", filepath.Base(dir), err)
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}

func boundID(sessionID string) string {
	if id := strings.TrimSpace(sessionID); id != "" {
		return id
	}
	return DefaultSession
}
