package trainer

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/companion/internal/backend"
	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/secure"
)

type mockBackend struct {
	down     atomic.Bool
	mu       sync.Mutex
	tasks    []backend.Task
	submitFn func(ctx context.Context, task backend.Task) (backend.Result, error)
}

func (m *mockBackend) IsRunning(context.Context) bool { return !m.down.Load() }

func (m *mockBackend) Submit(ctx context.Context, task backend.Task) (backend.Result, error) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(ctx, task)
	}
	return backend.Result{Status: "completed", Tier: "lora", Message: "trained"}, nil
}

func (m *mockBackend) submitted() []backend.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.Task(nil), m.tasks...)
}

type env struct {
	svc   *companion.Service
	reg   *media.Registry
	scope string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	scope := t.TempDir()
	sealer := secure.New(secure.WithPlatform(nil))
	reg := media.NewRegistry(sealer)
	return &env{svc: companion.New(scope, sealer, reg), reg: reg, scope: scope}
}

// queueImage starts sid and submits one photo, leaving a queued image job.
func (e *env) queueImage(t *testing.T, sid string) string {
	t.Helper()
	ctx := context.Background()
	item, err := e.reg.Ingest(ctx, e.scope, media.IngestInput{
		Kind:          media.KindImage,
		FileName:      "face.jpg",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("jpeg-" + sid)),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := e.svc.Start(ctx, sid, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, job, err := e.svc.SubmitPhotos(ctx, sid, []string{item.ID})
	if err != nil {
		t.Fatalf("SubmitPhotos: %v", err)
	}
	return job.ID
}

func (e *env) job(t *testing.T, sid, jobID string) (companion.Wizard, companion.Job) {
	t.Helper()
	w, err := e.svc.Read(context.Background(), sid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	job, ok := w.Job(jobID)
	if !ok {
		t.Fatalf("job %s not found", jobID)
	}
	return w, job
}

func TestRunOnce_NothingQueued(t *testing.T) {
	e := newEnv(t)
	w := NewWorker(e.svc, &mockBackend{}, Config{})

	ran, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if ran {
		t.Error("RunOnce reported work with an empty ledger")
	}
}

func TestRunOnce_BackendDownLeavesJobQueued(t *testing.T) {
	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	be := &mockBackend{}
	be.down.Store(true)
	w := NewWorker(e.svc, be, Config{})

	ran, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if ran {
		t.Error("RunOnce claimed a job while the backend is down")
	}
	if _, job := e.job(t, "s1", jobID); job.Status != companion.StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if len(be.submitted()) != 0 {
		t.Error("task submitted to an unreachable backend")
	}
}

func TestRunOnce_CompletesImageJob(t *testing.T) {
	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	be := &mockBackend{}
	w := NewWorker(e.svc, be, Config{VRAMBudgetMB: 12000})

	ran, err := w.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}

	wiz, job := e.job(t, "s1", jobID)
	if job.Status != companion.StatusCompleted || job.CurrentTier != companion.TierLoRA {
		t.Errorf("job = %s/%s, want completed/lora", job.Status, job.CurrentTier)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if wiz.Phase != companion.PhaseAwaitingVoice {
		t.Errorf("phase = %s, want awaiting_voice", wiz.Phase)
	}

	tasks := be.submitted()
	if len(tasks) != 1 {
		t.Fatalf("submitted %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.ID != jobID || task.Kind != string(companion.JobTypeImage) {
		t.Errorf("task = %s/%s", task.ID, task.Kind)
	}
	if task.ModelID != "flux-lora" || task.VRAMBudgetMB != 12000 || task.ResourcePriority != backend.PriorityBackground {
		t.Errorf("task model/budget/priority = %s/%d/%s", task.ModelID, task.VRAMBudgetMB, task.ResourcePriority)
	}
	if paths, _ := task.Metadata["photos"].([]string); len(paths) != 1 {
		t.Errorf("task photos = %v", task.Metadata["photos"])
	}
	if task.Metadata["profileDir"] != e.svc.ProfileDir("s1") {
		t.Errorf("task profileDir = %v", task.Metadata["profileDir"])
	}
}

func TestRunOnce_BackendErrorMarksFailed(t *testing.T) {
	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	be := &mockBackend{submitFn: func(context.Context, backend.Task) (backend.Result, error) {
		return backend.Result{}, errors.New("gpu on fire")
	}}
	w := NewWorker(e.svc, be, Config{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wiz, job := e.job(t, "s1", jobID)
	if job.Status != companion.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "gpu on fire") {
		t.Errorf("error = %q", job.Error)
	}
	if wiz.Phase != companion.PhaseTrainingImage {
		t.Errorf("phase = %s, want training_image", wiz.Phase)
	}
}

func TestRunOnce_InvalidResultMarkedFailed(t *testing.T) {
	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	be := &mockBackend{submitFn: func(context.Context, backend.Task) (backend.Result, error) {
		return backend.Result{Status: "degraded", Tier: "lora"}, nil
	}}
	w := NewWorker(e.svc, be, Config{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, job := e.job(t, "s1", jobID); job.Status != companion.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
}

func TestRunOnce_DegradedKeepsTier(t *testing.T) {
	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	be := &mockBackend{submitFn: func(context.Context, backend.Task) (backend.Result, error) {
		return backend.Result{Status: "degraded", Tier: "reference", CheckpointPath: "ckpt/step-200"}, nil
	}}
	w := NewWorker(e.svc, be, Config{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wiz, job := e.job(t, "s1", jobID)
	if job.Status != companion.StatusDegraded || job.CurrentTier != companion.TierReference {
		t.Errorf("job = %s/%s, want degraded/reference", job.Status, job.CurrentTier)
	}
	if job.CheckpointPath != "ckpt/step-200" {
		t.Errorf("checkpoint = %q", job.CheckpointPath)
	}
	if wiz.Phase != companion.PhaseAwaitingVoice {
		t.Errorf("phase = %s, want awaiting_voice", wiz.Phase)
	}
}

func TestRecover_RequeuesTrainingJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stuck := e.queueImage(t, "s1")
	idle := e.queueImage(t, "s2")
	if _, _, err := e.svc.MarkRunning(ctx, "s1", stuck); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	w := NewWorker(e.svc, &mockBackend{}, Config{})
	n, err := w.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	if _, job := e.job(t, "s1", stuck); job.Status != companion.StatusQueued || job.Message != recoveredMessage {
		t.Errorf("stuck job = %s %q", job.Status, job.Message)
	}
	if _, job := e.job(t, "s2", idle); job.Status != companion.StatusQueued || job.Message == recoveredMessage {
		t.Errorf("idle job touched: %s %q", job.Status, job.Message)
	}
}

func TestRun_ShutdownRequeuesInFlightJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	started := make(chan struct{})
	be := &mockBackend{submitFn: func(ctx context.Context, _ backend.Task) (backend.Result, error) {
		close(started)
		<-ctx.Done()
		return backend.Result{}, ctx.Err()
	}}
	w := NewWorker(e.svc, be, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never submitted")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, job := e.job(t, "s1", jobID)
	if job.Status != companion.StatusQueued || job.Message != interruptedMessage {
		t.Errorf("job = %s %q, want queued with interruption message", job.Status, job.Message)
	}
}

func TestRun_ShutdownLeavesCanceledJobCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t)
	jobID := e.queueImage(t, "s1")
	started := make(chan struct{})
	be := &mockBackend{submitFn: func(ctx context.Context, _ backend.Task) (backend.Result, error) {
		close(started)
		<-ctx.Done()
		return backend.Result{}, ctx.Err()
	}}
	w := NewWorker(e.svc, be, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never submitted")
	}
	if _, err := e.svc.CancelTraining(context.Background(), "s1"); err != nil {
		t.Fatalf("CancelTraining: %v", err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, job := e.job(t, "s1", jobID); job.Status != companion.StatusCanceled {
		t.Errorf("job = %s %q, want canceled", job.Status, job.Message)
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t)
	jobs := map[string]string{"s1": e.queueImage(t, "s1"), "s2": e.queueImage(t, "s2")}

	var inFlight, peak atomic.Int32
	be := &mockBackend{submitFn: func(context.Context, backend.Task) (backend.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return backend.Result{Status: "completed"}, nil
	}}
	w := NewWorker(e.svc, be, Config{PollInterval: 5 * time.Millisecond, Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		finished := 0
		for sid, id := range jobs {
			if _, job := e.job(t, sid, id); job.Status == companion.StatusCompleted {
				finished++
			}
		}
		if finished == len(jobs) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d jobs completed", finished, len(jobs))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrency = %d, want 1", p)
	}
}
