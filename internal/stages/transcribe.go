package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/services"
)

const transcriptFileName = "transcript.json"

// Segment is one timed span of speech.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

// Transcript is the decoded output of the transcription and diarization
// stages. The field layout matches whisperx's JSON output so its files decode
// directly.
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// Transcriber produces a timed transcript of the downloaded media.
type Transcriber struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewTranscriber builds the transcription stage.
func NewTranscriber(cfg *config.Config, logger *slog.Logger) *Transcriber {
	return &Transcriber{cfg: cfg, logger: logging.NewComponentLogger(logger, "transcribe")}
}

func (t *Transcriber) Name() string { return "transcribe" }

func (t *Transcriber) Output(job *jobs.Job) string { return job.Outputs.TranscriptFile }

func (t *Transcriber) Record(job *jobs.Job, path string) { job.Outputs.TranscriptFile = path }

// Run transcribes the media file. The tool writes its JSON next to the input
// name inside a scratch directory; the result is validated and moved to the
// stable transcript path.
func (t *Transcriber) Run(ctx context.Context, job *jobs.Job) (string, error) {
	return runTranscription(ctx, t.cfg, t.logger, t.Name(), job, transcriptFileName)
}

func runTranscription(ctx context.Context, cfg *config.Config, logger *slog.Logger, stage string, job *jobs.Job, outputName string, extraArgs ...string) (string, error) {
	media := job.Outputs.MediaFile
	if media == "" {
		return "", services.Wrap(services.ErrValidation, stage, "", "media file has not been downloaded", nil)
	}
	workspace, err := ensureWorkspace(cfg, job)
	if err != nil {
		return "", err
	}

	tool := cfg.Pipeline.TranscribeTool
	if tool == "" {
		return "", services.Wrap(services.ErrConfiguration, stage, "", "transcribe_tool is not configured", nil)
	}

	scratch, err := os.MkdirTemp(workspace, stage+"-*")
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	ctx, cancel := stageTimeout(ctx, cfg.Pipeline.TranscribeTimeout)
	defer cancel()

	args := []string{
		media,
		"--output_dir", scratch,
		"--output_format", "json",
	}
	args = append(args, extraArgs...)
	if err := runCommand(ctx, logger, stage, workspace, tool, args...); err != nil {
		return "", err
	}

	produced := filepath.Join(scratch, transcriptBaseName(media)+".json")
	transcript, err := LoadTranscript(produced)
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, stage, tool, "unreadable transcription output", err)
	}
	if len(transcript.Segments) == 0 {
		return "", services.Wrap(services.ErrValidation, stage, tool, "no speech segments detected", nil)
	}

	output := filepath.Join(workspace, outputName)
	if err := copyFile(produced, output); err != nil {
		return "", fmt.Errorf("store transcript: %w", err)
	}
	return output, nil
}

// LoadTranscript reads and decodes a transcript artifact.
func LoadTranscript(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", filepath.Base(path), err)
	}
	return &transcript, nil
}

// SaveTranscript writes a transcript artifact atomically.
func SaveTranscript(path string, transcript *Transcript) error {
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename transcript into place: %w", err)
	}
	return nil
}

func transcriptBaseName(media string) string {
	base := filepath.Base(media)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
