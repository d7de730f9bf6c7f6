package stages

import (
	"context"
	"log/slog"
	"path/filepath"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/services"
)

const mediaFileName = "media.mp4"

// Downloader fetches the source media into the job workspace with yt-dlp.
type Downloader struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewDownloader builds the fetch stage.
func NewDownloader(cfg *config.Config, logger *slog.Logger) *Downloader {
	return &Downloader{cfg: cfg, logger: logging.NewComponentLogger(logger, "download")}
}

func (d *Downloader) Name() string { return "download" }

func (d *Downloader) Output(job *jobs.Job) string { return job.Outputs.MediaFile }

func (d *Downloader) Record(job *jobs.Job, path string) { job.Outputs.MediaFile = path }

// Run downloads the source URL into the workspace. yt-dlp handles both media
// platforms and direct file URLs, remuxing into a single mp4 container.
func (d *Downloader) Run(ctx context.Context, job *jobs.Job) (string, error) {
	workspace, err := ensureWorkspace(d.cfg, job)
	if err != nil {
		return "", err
	}
	output := filepath.Join(workspace, mediaFileName)

	ctx, cancel := stageTimeout(ctx, d.cfg.Pipeline.DownloadTimeout)
	defer cancel()

	tool := d.cfg.Pipeline.DownloadTool
	if tool == "" {
		return "", services.Wrap(services.ErrConfiguration, d.Name(), "", "download_tool is not configured", nil)
	}
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--remux-video", "mp4",
		"--output", output,
		job.SourceURL,
	}
	if err := runCommand(ctx, d.logger, d.Name(), workspace, tool, args...); err != nil {
		return "", err
	}
	return output, nil
}
