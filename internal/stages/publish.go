package stages

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/services"
)

// Publisher copies the finished dubbed file into the library directory under
// a name derived from the job's target language and id.
type Publisher struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewPublisher builds the publish stage.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	return &Publisher{cfg: cfg, logger: logging.NewComponentLogger(logger, "publish")}
}

func (p *Publisher) Name() string { return "publish" }

func (p *Publisher) Output(job *jobs.Job) string { return job.Outputs.PublishedFile }

func (p *Publisher) Record(job *jobs.Job, path string) { job.Outputs.PublishedFile = path }

func (p *Publisher) Run(ctx context.Context, job *jobs.Job) (string, error) {
	if job.Outputs.DubbedFile == "" {
		return "", services.Wrap(services.ErrValidation, p.Name(), "", "no dubbed file to publish", nil)
	}
	library := strings.TrimSpace(p.cfg.Paths.LibraryDir)
	if library == "" {
		return "", services.Wrap(services.ErrConfiguration, p.Name(), "", "library_dir is not configured", nil)
	}
	if err := ctx.Err(); err != nil {
		return "", services.Wrap(services.ErrTransient, p.Name(), "", "interrupted", err)
	}

	ext := filepath.Ext(job.Outputs.DubbedFile)
	destination := filepath.Join(library, fmt.Sprintf("%s-%s%s", job.ID, job.TargetLanguage, ext))
	if err := copyFile(job.Outputs.DubbedFile, destination); err != nil {
		return "", services.Wrap(services.ErrTransient, p.Name(), "copy", "publish to library", err)
	}
	p.logger.Info("published dubbed media",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("path", destination),
	)
	return destination, nil
}
