package companion

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ImageEstimate    = "about 5-10 minutes"
	VoiceEstimate    = "about 3-8 minutes"
	FallbackStrategy = "degrades to embedding when accelerator memory is insufficient"

	canceledMessage = "training canceled; retry available"
)

// EnqueueInput describes a job to append to the ledger.
type EnqueueInput struct {
	Type             JobType
	EstimatedTime    string
	FallbackStrategy string
}

// Enqueue appends a queued job to w and points the modality's current-job
// pointer at it. It does not persist anything.
func Enqueue(w Wizard, in EnqueueInput, now time.Time) (Wizard, Job) {
	job := Job{
		ID:               "wjob_" + uuid.New().String(),
		Type:             in.Type,
		Status:           StatusQueued,
		EstimatedTime:    in.EstimatedTime,
		FallbackStrategy: in.FallbackStrategy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	out := w.clone()
	out.Jobs = append(out.Jobs, job)
	switch in.Type {
	case JobTypeImage:
		out.TrainingJobs.ImageJobID = job.ID
	case JobTypeVoice:
		out.TrainingJobs.VoiceJobID = job.ID
	}
	return out, job
}

// PickQueued returns the next queued job, skipping every session that
// already has a job in training. An empty sessionID scans all sessions.
func (s *Service) PickQueued(ctx context.Context, sessionID string) (JobRef, bool, error) {
	sessions := []string{NormalizeSessionID(sessionID)}
	if sessionID == "" {
		sessions = s.ListSessions()
	}
	for _, sid := range sessions {
		ref, ok, err := s.pickInSession(ctx, sid)
		if err != nil {
			return JobRef{}, false, err
		}
		if ok {
			return ref, true, nil
		}
	}
	return JobRef{}, false, nil
}

func (s *Service) pickInSession(ctx context.Context, sid string) (JobRef, bool, error) {
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, "")
	if err != nil {
		return JobRef{}, false, err
	}
	for _, j := range w.Jobs {
		if j.Status == StatusTraining {
			return JobRef{}, false, nil
		}
	}
	for _, j := range w.Jobs {
		if j.Status == StatusQueued {
			return JobRef{SessionID: sid, Job: j}, true, nil
		}
	}
	return JobRef{}, false, nil
}

// FindJob locates a job across every session.
func (s *Service) FindJob(ctx context.Context, jobID string) (JobRef, bool) {
	for _, sid := range s.ListSessions() {
		unlock := s.lock(sid)
		w, err := s.load(ctx, sid, "")
		unlock()
		if err != nil {
			continue
		}
		if j, ok := w.Job(jobID); ok {
			return JobRef{SessionID: sid, Job: j}, true
		}
	}
	return JobRef{}, false
}

// resolveJobSession picks the session a job operation applies to: the
// named one, or whichever session owns the job.
func (s *Service) resolveJobSession(ctx context.Context, sessionID, jobID string) (string, error) {
	if sessionID != "" {
		return NormalizeSessionID(sessionID), nil
	}
	ref, ok := s.FindJob(ctx, jobID)
	if !ok {
		return "", ErrJobNotFound.with(jobID)
	}
	return ref.SessionID, nil
}

// MarkRunning moves a queued job to training. A session never has two
// jobs in training at once.
func (s *Service) MarkRunning(ctx context.Context, sessionID, jobID string) (Wizard, Job, error) {
	sid, err := s.resolveJobSession(ctx, sessionID, jobID)
	if err != nil {
		return Wizard{}, Job{}, err
	}
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, sessionID)
	if err != nil {
		return Wizard{}, Job{}, err
	}
	i := w.jobIndex(jobID)
	if i < 0 {
		return Wizard{}, Job{}, ErrJobNotFound.with(jobID)
	}
	if st := w.Jobs[i].Status; st != StatusQueued {
		return Wizard{}, Job{}, ErrTransitionInvalid.with(string(st))
	}
	for _, j := range w.Jobs {
		if j.Status == StatusTraining {
			return Wizard{}, Job{}, ErrTrainingBusy.with(j.ID)
		}
	}

	w = w.clone()
	job := &w.Jobs[i]
	job.Status = StatusTraining
	job.Progress = max(5, job.Progress)
	job.Attempts++
	job.UpdatedAt = s.now()

	w, err = s.persist(ctx, sid, w, nil)
	if err != nil {
		return Wizard{}, Job{}, err
	}
	started := w.Jobs[i]
	s.recordTransition(ctx, sid, started, StatusQueued)
	s.logger.Info("training job started", "session_id", sid, "job_id", jobID, "attempt", started.Attempts)
	return w, started, nil
}

// FinishInput reports the outcome of a training run.
type FinishInput struct {
	SessionID      string
	JobID          string
	Status         JobStatus
	Message        string
	Error          string
	Tier           Tier
	CheckpointPath string
}

// MarkFinished records the outcome of a job in training and advances the
// wizard: a completed or degraded image job moves training_image to
// awaiting_voice, a voice job moves training_voice to awaiting_personality,
// and a failure leaves the phase where it is. An outcome for a job that was
// canceled meanwhile is dropped.
func (s *Service) MarkFinished(ctx context.Context, in FinishInput) (Wizard, error) {
	switch in.Status {
	case StatusCompleted, StatusFailed, StatusDegraded:
	default:
		return Wizard{}, ErrInvalidStatus.with(string(in.Status))
	}
	if in.Tier != "" && !in.Tier.Valid() {
		return Wizard{}, ErrInvalidTier.with(string(in.Tier))
	}
	tier := in.Tier
	switch in.Status {
	case StatusDegraded:
		if tier == TierLoRA {
			return Wizard{}, ErrInvalidTier.with(string(tier))
		}
	case StatusFailed:
		tier = ""
	}

	sid, err := s.resolveJobSession(ctx, in.SessionID, in.JobID)
	if err != nil {
		return Wizard{}, err
	}
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, in.SessionID)
	if err != nil {
		return Wizard{}, err
	}
	i := w.jobIndex(in.JobID)
	if i < 0 {
		return Wizard{}, ErrJobNotFound.with(in.JobID)
	}
	switch st := w.Jobs[i].Status; st {
	case StatusTraining:
	case StatusCanceled:
		s.logger.Info("ignoring outcome of canceled job", "session_id", sid, "job_id", in.JobID, "status", in.Status)
		return w, nil
	default:
		return Wizard{}, ErrTransitionInvalid.with(string(st))
	}

	w = w.clone()
	job := &w.Jobs[i]
	job.Status = in.Status
	job.Message = in.Message
	job.CurrentTier = tier
	job.UpdatedAt = s.now()
	if in.CheckpointPath != "" {
		job.CheckpointPath = in.CheckpointPath
	}
	if in.Status == StatusFailed {
		job.Error = in.Error
		if job.Error == "" {
			job.Error = in.Message
		}
	} else {
		job.Progress = 100
		job.Error = ""
	}

	if in.Status != StatusFailed {
		switch {
		case job.Type == JobTypeImage && w.Phase == PhaseTrainingImage && w.TrainingJobs.ImageJobID == job.ID:
			w.Phase = PhaseAwaitingVoice
		case job.Type == JobTypeVoice && w.Phase == PhaseTrainingVoice && w.TrainingJobs.VoiceJobID == job.ID:
			w.Phase = PhaseAwaitingPersonality
		}
	}

	w, err = s.persist(ctx, sid, w, nil)
	if err != nil {
		return Wizard{}, err
	}
	finished := w.Jobs[i]
	s.recordTransition(ctx, sid, finished, StatusTraining)
	s.logger.Info("training job finished", "session_id", sid, "job_id", in.JobID,
		"status", finished.Status, "tier", finished.CurrentTier, "phase", w.Phase)
	return w, nil
}

// RequeueInput asks for a job to be retried.
type RequeueInput struct {
	SessionID      string
	JobID          string
	Message        string
	CheckpointPath string
}

// Requeue puts an existing job back into queued, keeping a checkpoint
// reference so the next run can resume. Any existing job can be requeued;
// the checkpoint path is stored as given.
func (s *Service) Requeue(ctx context.Context, in RequeueInput) (Wizard, Job, error) {
	w, job, _, err := s.requeue(ctx, in, false)
	return w, job, err
}

// RequeueInterrupted requeues a job only while it is still training, for
// runs cut short by a restart or shutdown. A job that reached any other
// status meanwhile, canceled included, is left alone and reported as not
// requeued. The job's checkpoint path is kept.
func (s *Service) RequeueInterrupted(ctx context.Context, sessionID, jobID, message string) (Wizard, Job, bool, error) {
	return s.requeue(ctx, RequeueInput{SessionID: sessionID, JobID: jobID, Message: message}, true)
}

func (s *Service) requeue(ctx context.Context, in RequeueInput, interrupted bool) (Wizard, Job, bool, error) {
	sid, err := s.resolveJobSession(ctx, in.SessionID, in.JobID)
	if err != nil {
		return Wizard{}, Job{}, false, err
	}
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, in.SessionID)
	if err != nil {
		return Wizard{}, Job{}, false, err
	}
	i := w.jobIndex(in.JobID)
	if i < 0 {
		return Wizard{}, Job{}, false, ErrJobNotFound.with(in.JobID)
	}
	if interrupted && w.Jobs[i].Status != StatusTraining {
		return w, w.Jobs[i], false, nil
	}

	w = w.clone()
	job := &w.Jobs[i]
	from := job.Status
	job.Status = StatusQueued
	job.Progress = max(10, job.Progress)
	if !interrupted {
		job.CheckpointPath = in.CheckpointPath
	}
	job.Message = in.Message
	job.CurrentTier = ""
	job.UpdatedAt = s.now()

	w, err = s.persist(ctx, sid, w, nil)
	if err != nil {
		return Wizard{}, Job{}, false, err
	}
	requeued := w.Jobs[i]
	s.recordTransition(ctx, sid, requeued, from)
	s.logger.Info("training job requeued", "session_id", sid, "job_id", in.JobID, "from", from)
	return w, requeued, true, nil
}

// Cancel moves every queued or training job of a session to canceled and
// reports how many changed. The wizard phase is left alone.
func (s *Service) Cancel(ctx context.Context, sessionID string) (Wizard, int, error) {
	sid := NormalizeSessionID(sessionID)
	unlock := s.lock(sid)
	defer unlock()

	w, err := s.load(ctx, sid, sessionID)
	if err != nil {
		return Wizard{}, 0, err
	}

	w = w.clone()
	now := s.now()
	type change struct {
		index int
		from  JobStatus
	}
	var changed []change
	for i := range w.Jobs {
		if !w.Jobs[i].Status.Active() {
			continue
		}
		changed = append(changed, change{index: i, from: w.Jobs[i].Status})
		w.Jobs[i].Status = StatusCanceled
		w.Jobs[i].Message = canceledMessage
		w.Jobs[i].UpdatedAt = now
	}
	if len(changed) == 0 {
		return w, 0, nil
	}

	w, err = s.persist(ctx, sid, w, nil)
	if err != nil {
		return Wizard{}, 0, err
	}
	for _, c := range changed {
		s.recordTransition(ctx, sid, w.Jobs[c.index], c.from)
	}
	s.logger.Info("training canceled", "session_id", sid, "jobs", len(changed))
	return w, len(changed), nil
}
