package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/notify"
	"redub/internal/services"
)

// Manager owns the job store and notification dispatcher. Every job mutation
// flows through Advance; the pipeline driver and execution queue never write
// job records directly.
type Manager struct {
	cfg        *config.Config
	store      *jobs.Store
	dispatcher *notify.Dispatcher
	logger     *slog.Logger

	maxRetries int
	retryDelay time.Duration

	mu       sync.Mutex
	attempts map[string]int

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewManager constructs a lifecycle manager.
func NewManager(cfg *config.Config, store *jobs.Store, dispatcher *notify.Dispatcher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "lifecycle"),
		maxRetries: cfg.Queue.MaxRetries,
		retryDelay: time.Duration(cfg.Queue.RetryDelay) * time.Second,
		attempts:   make(map[string]int),
		shutdownCh: make(chan struct{}),
	}
}

// CreateJob allocates a new pending job and persists it. Empty targetLanguage
// and voice fall back to the configured pipeline defaults.
func (m *Manager) CreateJob(ctx context.Context, sourceURL, targetLanguage, voice string) (*jobs.Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	parsed, err := url.Parse(sourceURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("source url %q is not a valid URL", sourceURL)
	}

	targetLanguage = strings.TrimSpace(targetLanguage)
	if targetLanguage == "" {
		targetLanguage = m.cfg.Pipeline.TargetLanguage
	}
	tag, err := language.Parse(targetLanguage)
	if err != nil {
		return nil, fmt.Errorf("target language %q is not a valid BCP 47 tag: %w", targetLanguage, err)
	}

	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = m.cfg.Pipeline.Voice
	}

	job := &jobs.Job{
		ID:             uuid.NewString(),
		SourceURL:      sourceURL,
		TargetLanguage: tag.String(),
		Voice:          voice,
		Status:         jobs.StatusPending,
		Progress:       0,
	}
	if err := m.store.Save(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Info("job created",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source_url", job.SourceURL),
		logging.String("target_language", job.TargetLanguage),
		logging.String(logging.FieldEventType, "job_created"),
	)
	m.dispatcher.Notify(ctx, job, notify.EventStatusChanged)
	return job, nil
}

// GetJob fetches a job by id. Returns nil when absent.
func (m *Manager) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return m.store.GetByID(ctx, id)
}

// ListJobs returns jobs newest-first, optionally filtered by status and capped
// at limit when positive.
func (m *Manager) ListJobs(ctx context.Context, limit int, statuses ...jobs.Status) ([]*jobs.Job, error) {
	return m.store.List(ctx, limit, statuses...)
}

// DeleteJob removes a job record and optionally its stage artifacts, releasing
// any notification sink and retry state held for the id.
func (m *Manager) DeleteJob(ctx context.Context, id string, deleteArtifacts bool) (bool, error) {
	removed, err := m.store.Delete(ctx, id, deleteArtifacts)
	if err != nil {
		return removed, err
	}
	if removed {
		m.dispatcher.UnregisterSink(id)
		m.clearAttempts(id)
	}
	return removed, nil
}

// Advance is the sole mutator for job state. It sets status, progress, and
// error, stamps the update time, persists the record, and notifies sinks.
// Progress never moves backwards within an attempt; only an explicit reset to
// pending (a retry or recovery) lowers it.
func (m *Manager) Advance(ctx context.Context, job *jobs.Job, status jobs.Status, progress float64, errMsg string) error {
	if status != jobs.StatusPending && progress < job.Progress {
		progress = job.Progress
	}
	job.Status = status
	job.Progress = progress
	job.ErrorMessage = errMsg

	if err := m.store.Save(ctx, job); err != nil {
		return fmt.Errorf("persist status transition: %w", err)
	}
	// A retry requeue also passes through pending, so the attempt counter is
	// cleared only on terminal states and on an explicit external retry.
	if jobs.IsTerminal(status) {
		m.clearAttempts(job.ID)
	}
	m.dispatcher.Notify(ctx, job, notify.KindForStatus(status))
	return nil
}

// Checkpoint persists the job record without a status transition. Used by the
// pipeline driver to record stage outputs between advances. The write is
// update-only: when the row was deleted while the stage ran, nothing is
// re-inserted and a not-found error is returned.
func (m *Manager) Checkpoint(ctx context.Context, job *jobs.Job) error {
	found, err := m.store.Update(ctx, job)
	if err != nil {
		return err
	}
	if !found {
		return services.Wrap(services.ErrNotFound, "", "checkpoint",
			fmt.Sprintf("job %s no longer exists", job.ID), nil)
	}
	return nil
}

// BeginShutdown wakes any worker sleeping in a retry backoff so a queue drain
// is not pinned for the remaining delay. In-flight stage work is unaffected.
func (m *Manager) BeginShutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

// HandleError decides retry versus terminal failure for a stage error. It
// increments the job's in-memory attempt counter; while the budget lasts it
// sleeps for retryDelay * attempt (linear backoff) and returns true, in which
// case the caller must re-enqueue the job. Once the budget is exhausted, or
// when the error kind is not retryable, the job is advanced to failed and
// false is returned.
func (m *Manager) HandleError(ctx context.Context, job *jobs.Job, stageErr error, stageName string) bool {
	logger := logging.WithContext(ctx, m.logger)
	message := failureMessage(stageErr, stageName)

	if !services.IsRetryable(stageErr) {
		logger.Error("stage failed with non-retryable error",
			logging.Error(stageErr),
			logging.String(logging.FieldStage, stageName),
			logging.String(logging.FieldEventType, "stage_failure_terminal"),
		)
		m.failJob(ctx, job, message)
		return false
	}

	attempt := m.bumpAttempts(job.ID)
	if attempt > m.maxRetries {
		logger.Error("stage failed; retry budget exhausted",
			logging.Error(stageErr),
			logging.String(logging.FieldStage, stageName),
			logging.Int("attempts", attempt-1),
			logging.String(logging.FieldEventType, "stage_failure_terminal"),
		)
		m.failJob(ctx, job, message)
		return false
	}

	delay := m.retryDelay * time.Duration(attempt)
	logger.Warn("stage failed; scheduling retry",
		logging.Error(stageErr),
		logging.String(logging.FieldStage, stageName),
		logging.Int("attempt", attempt),
		logging.Int("max_retries", m.maxRetries),
		logging.Duration("backoff", delay),
		logging.String(logging.FieldEventType, "stage_retry_scheduled"),
	)

	select {
	case <-ctx.Done():
		logger.Debug("retry backoff interrupted by shutdown")
		return false
	case <-m.shutdownCh:
		// Skip the remaining delay; the caller re-enqueues and recovery picks
		// the job up on the next start.
		logger.Debug("retry backoff cut short by shutdown")
	case <-time.After(delay):
	}
	return true
}

// RecoverIncompleteJobs resets every non-terminal job to pending and resubmits
// it through resubmit. Work in flight when the process died is treated like a
// fresh retry; the driver's per-stage resume check is what skips completed
// stages, not this function. Returns the number of jobs recovered.
func (m *Manager) RecoverIncompleteJobs(ctx context.Context, resubmit func(jobID string)) int {
	loaded, err := m.store.LoadAll(ctx)
	if err != nil {
		m.logger.Error("failed to load jobs for recovery", logging.Error(err))
		return 0
	}

	recovered := 0
	for _, job := range loaded {
		if job.IsTerminal() {
			continue
		}
		if err := m.Advance(ctx, job, jobs.StatusPending, 0, ""); err != nil {
			m.logger.Error("failed to reset job during recovery",
				logging.Error(err),
				logging.String(logging.FieldJobID, job.ID),
			)
			continue
		}
		resubmit(job.ID)
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered incomplete jobs",
			logging.Int("count", recovered),
			logging.String(logging.FieldEventType, "jobs_recovered"),
		)
	}
	return recovered
}

// RetryJob resets a failed job to pending so it can be re-enqueued. Returns
// nil without error when the id does not exist.
func (m *Manager) RetryJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Status != jobs.StatusFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.Status)
	}
	if err := m.store.SetCancelRequested(ctx, id, false); err != nil {
		return nil, err
	}
	job.CancelRequested = false
	m.clearAttempts(id)
	if err := m.Advance(ctx, job, jobs.StatusPending, 0, ""); err != nil {
		return nil, err
	}
	return job, nil
}

// RequestCancel flips the cooperative cancellation flag on a non-terminal job.
// The pipeline driver honors it at the next stage boundary; an already
// terminal job returns false.
func (m *Manager) RequestCancel(ctx context.Context, id string) (bool, error) {
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil || job.IsTerminal() {
		return false, nil
	}
	if err := m.store.SetCancelRequested(ctx, id, true); err != nil {
		return false, err
	}
	// A pending job is not in a worker, so no checkpoint will observe the
	// flag; cancel it directly.
	if job.Status == jobs.StatusPending {
		job.CancelRequested = true
		if err := m.Advance(ctx, job, jobs.StatusCancelled, job.Progress, ""); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RegisterSink forwards a per-job webhook registration to the dispatcher.
func (m *Manager) RegisterSink(jobID, url string) {
	m.dispatcher.RegisterSink(jobID, url)
}

func (m *Manager) failJob(ctx context.Context, job *jobs.Job, message string) {
	m.clearAttempts(job.ID)
	if err := m.Advance(ctx, job, jobs.StatusFailed, job.Progress, message); err != nil {
		m.logger.Error("failed to persist job failure",
			logging.Error(err),
			logging.String(logging.FieldJobID, job.ID),
		)
	}
}

func (m *Manager) bumpAttempts(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[jobID]++
	return m.attempts[jobID]
}

func (m *Manager) clearAttempts(jobID string) {
	m.mu.Lock()
	delete(m.attempts, jobID)
	m.mu.Unlock()
}

func failureMessage(stageErr error, stageName string) string {
	if stageErr == nil {
		return fmt.Sprintf("%s failed without error detail", stageName)
	}
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		return fmt.Sprintf("%s failed", stageName)
	}
	return message
}
