package stages

import (
	"context"
	"log/slog"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
)

const diarizationFileName = "diarization.json"

// Diarizer re-runs the transcription tool with speaker diarization enabled so
// each segment carries a speaker label. The synthesis stage uses the labels to
// keep speaker turns separated in the dubbed narration.
type Diarizer struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewDiarizer builds the diarization stage.
func NewDiarizer(cfg *config.Config, logger *slog.Logger) *Diarizer {
	return &Diarizer{cfg: cfg, logger: logging.NewComponentLogger(logger, "diarize")}
}

func (d *Diarizer) Name() string { return "diarize" }

func (d *Diarizer) Output(job *jobs.Job) string { return job.Outputs.DiarizationFile }

func (d *Diarizer) Record(job *jobs.Job, path string) { job.Outputs.DiarizationFile = path }

func (d *Diarizer) Run(ctx context.Context, job *jobs.Job) (string, error) {
	return runTranscription(ctx, d.cfg, d.logger, d.Name(), job, diarizationFileName, "--diarize")
}
