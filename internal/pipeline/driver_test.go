package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/lifecycle"
	"redub/internal/logging"
	"redub/internal/notify"
	"redub/internal/runqueue"
	"redub/internal/services"
	"redub/internal/testsupport"
)

type fakeOp struct {
	name string
	get  func(*jobs.Job) string
	set  func(*jobs.Job, string)
	run  func(context.Context, *jobs.Job) (string, error)
	runs int
}

func (f *fakeOp) Name() string                  { return f.name }
func (f *fakeOp) Output(job *jobs.Job) string   { return f.get(job) }
func (f *fakeOp) Record(job *jobs.Job, p string) { f.set(job, p) }

func (f *fakeOp) Run(ctx context.Context, job *jobs.Job) (string, error) {
	f.runs++
	return f.run(ctx, job)
}

type harness struct {
	cfg     *config.Config
	store   *jobs.Store
	manager *lifecycle.Manager
	driver  *Driver

	requeued []string
	priority []int
}

func newHarness(t *testing.T, stageList []Stage) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	manager := lifecycle.NewManager(cfg, store, notify.NewDispatcher(cfg, logging.NewNop()), logging.NewNop())

	h := &harness{cfg: cfg, store: store, manager: manager}
	h.driver = &Driver{
		cfg:     cfg,
		manager: manager,
		logger:  logging.NewNop(),
		stages:  stageList,
	}
	h.driver.SetRequeue(func(jobID string, priority int) bool {
		h.requeued = append(h.requeued, jobID)
		h.priority = append(h.priority, priority)
		return true
	})
	return h
}

// writingOp returns a fake stage that writes a real artifact file so the
// resume check sees it on later runs.
func writingOp(t *testing.T, cfg *config.Config, name string, get func(*jobs.Job) string, set func(*jobs.Job, string)) *fakeOp {
	return &fakeOp{
		name: name,
		get:  get,
		set:  set,
		run: func(_ context.Context, job *jobs.Job) (string, error) {
			dir := cfg.JobWorkspace(job.ID)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			path := filepath.Join(dir, name+".out")
			if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			return path, nil
		},
	}
}

func mediaAccessors() (func(*jobs.Job) string, func(*jobs.Job, string)) {
	return func(j *jobs.Job) string { return j.Outputs.MediaFile },
		func(j *jobs.Job, p string) { j.Outputs.MediaFile = p }
}

func transcriptAccessors() (func(*jobs.Job) string, func(*jobs.Job, string)) {
	return func(j *jobs.Job) string { return j.Outputs.TranscriptFile },
		func(j *jobs.Job, p string) { j.Outputs.TranscriptFile = p }
}

func createJob(t *testing.T, h *harness) *jobs.Job {
	t.Helper()
	job, err := h.manager.CreateJob(context.Background(), "https://example.com/v/1", "es", "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestExecuteRunsAllStagesToCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	getM, setM := mediaAccessors()
	getT, setT := transcriptAccessors()
	first := writingOp(t, cfg, "first", getM, setM)
	second := writingOp(t, cfg, "second", getT, setT)

	h := newHarness(t, []Stage{
		{Status: jobs.StatusDownloading, StartProgress: 0.0, Op: first},
		{Status: jobs.StatusTranscribing, StartProgress: 0.5, Op: second},
	})
	job := createJob(t, h)
	if err := h.driver.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	loaded, _ := h.store.GetByID(context.Background(), job.ID)
	if loaded.Status != jobs.StatusCompleted || loaded.Progress != 1.0 {
		t.Errorf("job = %q at %v, want completed at 1.0", loaded.Status, loaded.Progress)
	}
	if loaded.Outputs.MediaFile == "" || loaded.Outputs.TranscriptFile == "" {
		t.Errorf("outputs not recorded: %+v", loaded.Outputs)
	}
	if first.runs != 1 || second.runs != 1 {
		t.Errorf("runs = %d, %d; want 1, 1", first.runs, second.runs)
	}
}

func TestExecuteSkipsStagesWithExistingArtifacts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	getM, setM := mediaAccessors()
	getT, setT := transcriptAccessors()
	first := writingOp(t, cfg, "first", getM, setM)
	second := writingOp(t, cfg, "second", getT, setT)

	h := newHarness(t, []Stage{
		{Status: jobs.StatusDownloading, StartProgress: 0.0, Op: first},
		{Status: jobs.StatusTranscribing, StartProgress: 0.5, Op: second},
	})

	job := createJob(t, h)
	artifact := testsupport.WriteArtifact(t, cfg, job.ID, "first.out")
	job.Outputs.MediaFile = artifact
	if err := h.manager.Checkpoint(context.Background(), job); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	if err := h.driver.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.runs != 0 {
		t.Errorf("first stage ran %d times, want skip", first.runs)
	}
	if second.runs != 1 {
		t.Errorf("second stage ran %d times, want 1", second.runs)
	}
}

func TestExecuteRerunsStageWhenRecordedArtifactMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	getM, setM := mediaAccessors()
	first := writingOp(t, cfg, "first", getM, setM)

	h := newHarness(t, []Stage{
		{Status: jobs.StatusDownloading, StartProgress: 0.0, Op: first},
	})

	job := createJob(t, h)
	job.Outputs.MediaFile = filepath.Join(cfg.JobWorkspace(job.ID), "deleted.out")
	if err := h.manager.Checkpoint(context.Background(), job); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	if err := h.driver.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.runs != 1 {
		t.Errorf("stage ran %d times, want re-run after artifact loss", first.runs)
	}
}

func TestRetryableFailureRequeuesAtElevatedPriority(t *testing.T) {
	getM, setM := mediaAccessors()
	failing := &fakeOp{
		name: "download",
		get:  getM,
		set:  setM,
		run: func(context.Context, *jobs.Job) (string, error) {
			return "", services.Wrap(services.ErrExternalTool, "download", "yt-dlp", "exit status 1", nil)
		},
	}
	h := newHarness(t, []Stage{{Status: jobs.StatusDownloading, Op: failing}})

	job := createJob(t, h)
	if err := h.driver.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected stage error to propagate")
	}

	if len(h.requeued) != 1 || h.requeued[0] != job.ID {
		t.Fatalf("requeued = %v, want one entry for the job", h.requeued)
	}
	if h.priority[0] != runqueue.RetryPriority {
		t.Errorf("retry priority = %d, want %d", h.priority[0], runqueue.RetryPriority)
	}
	loaded, _ := h.store.GetByID(context.Background(), job.ID)
	if loaded.Status != jobs.StatusPending {
		t.Errorf("status = %q, want pending for retry", loaded.Status)
	}
}

func TestNonRetryableFailureFailsJobWithoutRequeue(t *testing.T) {
	getM, setM := mediaAccessors()
	failing := &fakeOp{
		name: "download",
		get:  getM,
		set:  setM,
		run: func(context.Context, *jobs.Job) (string, error) {
			return "", services.Wrap(services.ErrValidation, "download", "", "bad source", nil)
		},
	}
	h := newHarness(t, []Stage{{Status: jobs.StatusDownloading, Op: failing}})

	job := createJob(t, h)
	if err := h.driver.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected stage error to propagate")
	}
	if len(h.requeued) != 0 {
		t.Errorf("requeued = %v, want none", h.requeued)
	}
	loaded, _ := h.store.GetByID(context.Background(), job.ID)
	if loaded.Status != jobs.StatusFailed {
		t.Errorf("status = %q, want failed", loaded.Status)
	}
}

func TestRetriesExhaustToTerminalFailure(t *testing.T) {
	getM, setM := mediaAccessors()
	failing := &fakeOp{
		name: "download",
		get:  getM,
		set:  setM,
		run: func(context.Context, *jobs.Job) (string, error) {
			return "", services.Wrap(services.ErrTransient, "download", "", "flaky network", nil)
		},
	}
	h := newHarness(t, []Stage{{Status: jobs.StatusDownloading, Op: failing}})

	job := createJob(t, h)
	// Configured budget is 3 retries: three failing attempts re-enqueue, the
	// fourth lands the job in failed.
	for attempt := 0; attempt < 4; attempt++ {
		_ = h.driver.Execute(context.Background(), job.ID)
	}

	if len(h.requeued) != 3 {
		t.Errorf("requeued %d times, want 3", len(h.requeued))
	}
	loaded, _ := h.store.GetByID(context.Background(), job.ID)
	if loaded.Status != jobs.StatusFailed {
		t.Errorf("status = %q, want failed after budget", loaded.Status)
	}
}

func TestCancellationObservedAtStageBoundary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	getT, setT := transcriptAccessors()
	second := writingOp(t, cfg, "second", getT, setT)

	h := newHarness(t, nil)

	getM, setM := mediaAccessors()
	first := &fakeOp{
		name: "first",
		get:  getM,
		set:  setM,
		run: func(_ context.Context, job *jobs.Job) (string, error) {
			// Cancellation arrives while the stage runs.
			if err := h.store.SetCancelRequested(context.Background(), job.ID, true); err != nil {
				t.Fatalf("set cancel: %v", err)
			}
			path := filepath.Join(cfg.JobWorkspace(job.ID), "first.out")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			return path, nil
		},
	}
	h.driver.stages = []Stage{
		{Status: jobs.StatusDownloading, Op: first},
		{Status: jobs.StatusTranscribing, Op: second},
	}

	job := createJob(t, h)
	if err := h.driver.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	loaded, _ := h.store.GetByID(context.Background(), job.ID)
	if loaded.Status != jobs.StatusCancelled {
		t.Errorf("status = %q, want cancelled", loaded.Status)
	}
	if second.runs != 0 {
		t.Errorf("stage after cancellation ran %d times, want 0", second.runs)
	}
	// The running stage finished and its artifact survives for a later retry.
	if loaded.Outputs.MediaFile == "" {
		t.Error("expected completed stage output to be recorded")
	}
}

func TestExecuteUnknownJobIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.driver.Execute(context.Background(), "ghost"); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestExecuteTerminalJobDoesNothing(t *testing.T) {
	getM, setM := mediaAccessors()
	op := &fakeOp{
		name: "first",
		get:  getM,
		set:  setM,
		run: func(context.Context, *jobs.Job) (string, error) {
			return "", nil
		},
	}
	h := newHarness(t, []Stage{{Status: jobs.StatusDownloading, Op: op}})

	job := createJob(t, h)
	if err := h.manager.Advance(context.Background(), job, jobs.StatusCompleted, 1.0, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := h.driver.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if op.runs != 0 {
		t.Errorf("stage ran %d times on terminal job", op.runs)
	}
}

func TestJobDeletedDuringStageIsAbandoned(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	getT, setT := transcriptAccessors()
	second := writingOp(t, cfg, "second", getT, setT)

	h := newHarness(t, nil)

	getM, setM := mediaAccessors()
	first := &fakeOp{
		name: "first",
		get:  getM,
		set:  setM,
		run: func(_ context.Context, job *jobs.Job) (string, error) {
			// The job is deleted while the stage runs; the checkpoint after it
			// must not re-insert the record.
			if _, err := h.manager.DeleteJob(context.Background(), job.ID, false); err != nil {
				t.Fatalf("delete: %v", err)
			}
			path := filepath.Join(cfg.JobWorkspace(job.ID), "first.out")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			return path, nil
		},
	}
	h.driver.stages = []Stage{
		{Status: jobs.StatusDownloading, Op: first},
		{Status: jobs.StatusTranscribing, Op: second},
	}

	job := createJob(t, h)
	if err := h.driver.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if loaded, _ := h.store.GetByID(context.Background(), job.ID); loaded != nil {
		t.Errorf("deleted job resurrected as %q", loaded.Status)
	}
	if second.runs != 0 {
		t.Errorf("stage after deletion ran %d times, want 0", second.runs)
	}
}
