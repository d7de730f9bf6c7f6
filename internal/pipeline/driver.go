package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/lifecycle"
	"redub/internal/logging"
	"redub/internal/runqueue"
	"redub/internal/services"
	"redub/internal/stages"
)

// Stage pairs an operation with the status and baseline progress the job
// carries while that operation runs.
type Stage struct {
	Status        jobs.Status
	StartProgress float64
	Op            stages.Operation
}

// Driver walks a job through the dubbing stages. Executions are idempotent:
// a stage whose recorded artifact still exists on disk is skipped, so a job
// that is retried or recovered resumes from its first missing artifact.
type Driver struct {
	cfg     *config.Config
	manager *lifecycle.Manager
	logger  *slog.Logger
	stages  []Stage

	requeue func(jobID string, priority int) bool
}

// NewDriver builds the driver with the standard stage order.
func NewDriver(cfg *config.Config, manager *lifecycle.Manager, logger *slog.Logger) *Driver {
	return &Driver{
		cfg:     cfg,
		manager: manager,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
		stages: []Stage{
			{Status: jobs.StatusDownloading, StartProgress: 0.0, Op: stages.NewDownloader(cfg, logger)},
			{Status: jobs.StatusTranscribing, StartProgress: 0.15, Op: stages.NewTranscriber(cfg, logger)},
			{Status: jobs.StatusDiarizing, StartProgress: 0.35, Op: stages.NewDiarizer(cfg, logger)},
			{Status: jobs.StatusTranslating, StartProgress: 0.50, Op: stages.NewTranslator(cfg, logger)},
			{Status: jobs.StatusSynthesizing, StartProgress: 0.70, Op: stages.NewSynthesizer(cfg, logger)},
			{Status: jobs.StatusPublishing, StartProgress: 0.90, Op: stages.NewPublisher(cfg, logger)},
		},
	}
}

// SetRequeue wires the queue's re-submission hook. Retries re-enter at
// elevated priority so an interrupted job resumes ahead of new submissions.
func (d *Driver) SetRequeue(requeue func(jobID string, priority int) bool) {
	d.requeue = requeue
}

// Stages exposes the configured stage table.
func (d *Driver) Stages() []Stage {
	return d.stages
}

// Execute runs one job attempt. A job that was deleted or already finished is
// silently skipped; a retryable stage failure re-enqueues the job and returns
// the stage error so the caller can account for the failed attempt.
func (d *Driver) Execute(ctx context.Context, jobID string) error {
	ctx = services.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, d.logger)

	job, err := d.manager.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		logger.Warn("job vanished before execution", logging.String(logging.FieldEventType, "job_missing"))
		return nil
	}
	if job.IsTerminal() {
		logger.Debug("job already terminal, skipping")
		return nil
	}

	for _, stage := range d.stages {
		if job.CancelRequested {
			return d.cancel(ctx, job)
		}

		stageCtx := services.WithStage(ctx, stage.Op.Name())
		stageLogger := logging.WithContext(stageCtx, d.logger)

		if output := stage.Op.Output(job); output != "" {
			if fileExists(output) {
				stageLogger.Debug("stage artifact present, skipping",
					logging.String("artifact", output),
				)
				continue
			}
			stageLogger.Warn("recorded artifact missing from disk, re-running stage",
				logging.String("artifact", output),
				logging.String(logging.FieldEventType, "artifact_missing"),
			)
		}

		if err := d.manager.Advance(stageCtx, job, stage.Status, stage.StartProgress, ""); err != nil {
			return err
		}

		path, runErr := stage.Op.Run(stageCtx, job)
		if runErr != nil {
			if d.manager.HandleError(stageCtx, job, runErr, stage.Op.Name()) {
				d.resubmit(stageCtx, job)
			}
			return runErr
		}

		stage.Op.Record(job, path)
		if err := d.manager.Checkpoint(stageCtx, job); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				stageLogger.Warn("job deleted during execution, abandoning",
					logging.String(logging.FieldEventType, "job_missing"),
				)
				return nil
			}
			return err
		}

		// Cancellation is honored only at stage boundaries. Re-read the record
		// so a flag set while the stage ran is observed here.
		fresh, err := d.manager.GetJob(stageCtx, job.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			stageLogger.Warn("job deleted during execution, abandoning",
				logging.String(logging.FieldEventType, "job_missing"),
			)
			return nil
		}
		job = fresh
	}

	if job.CancelRequested {
		return d.cancel(ctx, job)
	}
	if err := d.manager.Advance(ctx, job, jobs.StatusCompleted, 1.0, ""); err != nil {
		return err
	}
	logger.Info("job completed",
		logging.String("published", job.Outputs.PublishedFile),
		logging.String(logging.FieldEventType, "job_completed"),
	)
	return nil
}

func (d *Driver) cancel(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, d.logger)
	logger.Info("cancellation observed at stage boundary",
		logging.String(logging.FieldEventType, "job_cancelled"),
	)
	return d.manager.Advance(ctx, job, jobs.StatusCancelled, job.Progress, "")
}

// resubmit pushes a job back to the lifecycle's pending state and re-enqueues
// it for another attempt.
func (d *Driver) resubmit(ctx context.Context, job *jobs.Job) {
	logger := logging.WithContext(ctx, d.logger)
	if err := d.manager.Advance(ctx, job, jobs.StatusPending, 0, job.ErrorMessage); err != nil {
		logger.Error("failed to reset job for retry", logging.Error(err))
		return
	}
	if d.requeue == nil {
		logger.Error("no requeue hook configured, retry dropped")
		return
	}
	if !d.requeue(job.ID, runqueue.RetryPriority) {
		logger.Warn("retry rejected by queue", logging.String(logging.FieldEventType, "enqueue_duplicate"))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
