// Package trainer runs the worker loop that drains the training ledger:
// claim a queued job, hand it to the execution backend, record the outcome.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/companion/internal/backend"
	"github.com/kalambet/companion/internal/companion"
)

// Ledger is the subset of companion.Service the worker drives.
type Ledger interface {
	ListSessions() []string
	Read(ctx context.Context, sessionID string) (companion.Wizard, error)
	PickQueued(ctx context.Context, sessionID string) (companion.JobRef, bool, error)
	MarkRunning(ctx context.Context, sessionID, jobID string) (companion.Wizard, companion.Job, error)
	MarkFinished(ctx context.Context, in companion.FinishInput) (companion.Wizard, error)
	RequeueInterrupted(ctx context.Context, sessionID, jobID, message string) (companion.Wizard, companion.Job, bool, error)
	Metadata(ctx context.Context, sessionID string) (companion.Metadata, error)
	ProfileDir(sessionID string) string
}

// Config tunes the worker.
type Config struct {
	PollInterval     time.Duration
	Concurrency      int
	VRAMBudgetMB     int
	ImageModel       string
	ImageModelVRAMMB int
	VoiceModel       string
	VoiceModelVRAMMB int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.VRAMBudgetMB <= 0 {
		c.VRAMBudgetMB = 8192
	}
	if c.ImageModel == "" {
		c.ImageModel = "flux-lora"
	}
	if c.ImageModelVRAMMB <= 0 {
		c.ImageModelVRAMMB = 6144
	}
	if c.VoiceModel == "" {
		c.VoiceModel = "gpt_sovits_v2"
	}
	if c.VoiceModelVRAMMB <= 0 {
		c.VoiceModelVRAMMB = 4096
	}
	return c
}

const (
	interruptedMessage = "interrupted by shutdown; will resume"
	recoveredMessage   = "recovered after restart"
)

// Worker claims training jobs and runs them on the backend. At most
// Concurrency jobs run at once across all sessions; within a session the
// ledger admits one.
type Worker struct {
	ledger  Ledger
	backend backend.Backend
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(ledger Ledger, be backend.Backend, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		ledger:  ledger,
		backend: be,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  slog.Default(),
	}
}

// Recover requeues every job left in training by a previous process, so a
// crash never wedges a session behind a job nobody is running.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, sid := range w.ledger.ListSessions() {
		wiz, err := w.ledger.Read(ctx, sid)
		if err != nil {
			return n, fmt.Errorf("reading session %s: %w", sid, err)
		}
		for _, job := range wiz.Jobs {
			if job.Status != companion.StatusTraining {
				continue
			}
			_, _, requeued, err := w.ledger.RequeueInterrupted(ctx, sid, job.ID, recoveredMessage)
			if err != nil {
				return n, fmt.Errorf("requeueing %s: %w", job.ID, err)
			}
			if !requeued {
				continue
			}
			w.logger.Info("recovered interrupted training job", "session_id", sid, "job_id", job.ID)
			n++
		}
	}
	return n, nil
}

// Run polls for jobs until ctx is cancelled, then waits for in-flight
// jobs to wind down.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		ref, ok, err := w.claim(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer w.sem.Release(1)
				w.execute(ctx, ref)
			}()
			continue
		}
		w.sem.Release(1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and runs a single job. Returns true if a job was
// processed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	ref, ok, err := w.claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	w.execute(ctx, ref)
	return true, nil
}

// claim picks the next queued job and marks it running. Nothing is
// claimed while the backend is unreachable.
func (w *Worker) claim(ctx context.Context) (companion.JobRef, bool, error) {
	if !w.backend.IsRunning(ctx) {
		w.logger.Debug("training backend unreachable, not claiming")
		return companion.JobRef{}, false, nil
	}

	ref, ok, err := w.ledger.PickQueued(ctx, "")
	if err != nil {
		return companion.JobRef{}, false, fmt.Errorf("picking job: %w", err)
	}
	if !ok {
		return companion.JobRef{}, false, nil
	}

	_, job, err := w.ledger.MarkRunning(ctx, ref.SessionID, ref.Job.ID)
	if err != nil {
		// Lost a race with a cancel or another claimer.
		if errors.Is(err, companion.ErrTransitionInvalid) || errors.Is(err, companion.ErrTrainingBusy) {
			w.logger.Debug("job no longer claimable", "job_id", ref.Job.ID, "error", err)
			return companion.JobRef{}, false, nil
		}
		return companion.JobRef{}, false, fmt.Errorf("marking job %s running: %w", ref.Job.ID, err)
	}
	ref.Job = job
	w.logger.Info("training job claimed", "session_id", ref.SessionID, "job_id", job.ID, "type", job.Type)
	return ref, true, nil
}

func (w *Worker) execute(ctx context.Context, ref companion.JobRef) {
	task, err := w.buildTask(ctx, ref)
	var res backend.Result
	if err == nil {
		res, err = w.backend.Submit(ctx, task)
	}

	// Record the outcome even when ctx is already cancelled.
	record := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		// A job canceled while it ran stays canceled.
		_, _, requeued, rqErr := w.ledger.RequeueInterrupted(record, ref.SessionID, ref.Job.ID, interruptedMessage)
		switch {
		case rqErr != nil:
			w.logger.Error("failed to requeue interrupted job", "job_id", ref.Job.ID, "error", rqErr)
		case requeued:
			w.logger.Info("interrupted training job requeued", "session_id", ref.SessionID, "job_id", ref.Job.ID)
		default:
			w.logger.Info("interrupted job no longer training, not requeued", "session_id", ref.SessionID, "job_id", ref.Job.ID)
		}
		return
	}

	in := companion.FinishInput{SessionID: ref.SessionID, JobID: ref.Job.ID}
	if err != nil {
		w.logger.Warn("training job failed", "job_id", ref.Job.ID, "error", err)
		in.Status = companion.StatusFailed
		in.Message = "training backend error"
		in.Error = err.Error()
	} else {
		in.Status = companion.JobStatus(res.Status)
		in.Tier = companion.Tier(res.Tier)
		in.Message = res.Message
		in.Error = res.Error
		in.CheckpointPath = res.CheckpointPath
	}

	if _, err := w.ledger.MarkFinished(record, in); err != nil {
		w.logger.Error("failed to record training outcome", "job_id", ref.Job.ID, "status", in.Status, "error", err)
		if errors.Is(err, companion.ErrInvalidTier) || errors.Is(err, companion.ErrInvalidStatus) {
			_, ferr := w.ledger.MarkFinished(record, companion.FinishInput{
				SessionID: ref.SessionID,
				JobID:     ref.Job.ID,
				Status:    companion.StatusFailed,
				Message:   "training backend returned an invalid result",
				Error:     err.Error(),
			})
			if ferr != nil {
				w.logger.Error("failed to mark job as failed", "job_id", ref.Job.ID, "error", ferr)
			}
		}
	}
}

func (w *Worker) buildTask(ctx context.Context, ref companion.JobRef) (backend.Task, error) {
	md, err := w.ledger.Metadata(ctx, ref.SessionID)
	if err != nil {
		return backend.Task{}, fmt.Errorf("loading metadata: %w", err)
	}

	task := backend.Task{
		ID:               ref.Job.ID,
		Kind:             string(ref.Job.Type),
		ResourcePriority: backend.PriorityBackground,
		VRAMBudgetMB:     w.cfg.VRAMBudgetMB,
		Metadata: map[string]any{
			"sessionId":  ref.SessionID,
			"profileId":  md.ProfileID,
			"profileDir": w.ledger.ProfileDir(ref.SessionID),
			"attempt":    ref.Job.Attempts,
		},
	}
	if ref.Job.CheckpointPath != "" {
		task.Metadata["checkpointPath"] = ref.Job.CheckpointPath
	}

	switch ref.Job.Type {
	case companion.JobTypeImage:
		task.ModelID = w.cfg.ImageModel
		task.ModelVRAMMB = w.cfg.ImageModelVRAMMB
		task.Metadata["photos"] = md.Assets.Photos.Paths
		task.Metadata["photoChecksums"] = md.Assets.Photos.Checksums
	case companion.JobTypeVoice:
		task.ModelID = w.cfg.VoiceModel
		task.ModelVRAMMB = w.cfg.VoiceModelVRAMMB
		task.Metadata["voiceSample"] = "voice/original_sample.wav"
		task.Metadata["voiceDuration"] = md.Assets.Voice.Duration
	default:
		return backend.Task{}, fmt.Errorf("unknown job type %q", ref.Job.Type)
	}
	return task, nil
}
