package stages

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/services"
)

const (
	dubbedFileName = "dubbed.mp4"
	speechFileName = "speech.wav"
	scriptFileName = "script.txt"
)

// Synthesizer renders the translated transcript to speech and muxes the new
// audio track over the original video. Speaker turns are separated by blank
// lines in the narration script so the TTS engine inserts pauses between them.
type Synthesizer struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewSynthesizer builds the synthesis and mux stage.
func NewSynthesizer(cfg *config.Config, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{cfg: cfg, logger: logging.NewComponentLogger(logger, "synthesize")}
}

func (s *Synthesizer) Name() string { return "synthesize" }

func (s *Synthesizer) Output(job *jobs.Job) string { return job.Outputs.DubbedFile }

func (s *Synthesizer) Record(job *jobs.Job, path string) { job.Outputs.DubbedFile = path }

func (s *Synthesizer) Run(ctx context.Context, job *jobs.Job) (string, error) {
	if job.Outputs.TranslationFile == "" {
		return "", services.Wrap(services.ErrValidation, s.Name(), "", "no translation available to synthesize", nil)
	}
	if job.Outputs.MediaFile == "" {
		return "", services.Wrap(services.ErrValidation, s.Name(), "", "media file has not been downloaded", nil)
	}
	tts := s.cfg.Pipeline.SynthesizeTool
	if tts == "" {
		return "", services.Wrap(services.ErrConfiguration, s.Name(), "", "synthesize_tool is not configured", nil)
	}
	mux := s.cfg.Pipeline.MuxTool
	if mux == "" {
		return "", services.Wrap(services.ErrConfiguration, s.Name(), "", "mux_tool is not configured", nil)
	}

	translation, err := LoadTranscript(job.Outputs.TranslationFile)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, s.Name(), "", "unreadable translation artifact", err)
	}
	script := narrationScript(translation)
	if script == "" {
		return "", services.Wrap(services.ErrValidation, s.Name(), "", "translation contains no text", nil)
	}

	workspace, err := ensureWorkspace(s.cfg, job)
	if err != nil {
		return "", err
	}
	scriptPath := filepath.Join(workspace, scriptFileName)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", services.Wrap(services.ErrConfiguration, s.Name(), "", "write narration script", err)
	}

	ctx, cancel := stageTimeout(ctx, s.cfg.Pipeline.SynthesizeTimeout)
	defer cancel()

	speechPath := filepath.Join(workspace, speechFileName)
	ttsArgs := []string{
		"--model", job.Voice,
		"--input_file", scriptPath,
		"--output_file", speechPath,
	}
	if err := runCommand(ctx, s.logger, s.Name(), workspace, tts, ttsArgs...); err != nil {
		return "", err
	}

	output := filepath.Join(workspace, dubbedFileName)
	// Keep the original video stream untouched and replace the audio with the
	// synthesized track, clipping to the shorter of the two.
	muxArgs := []string{
		"-y",
		"-i", job.Outputs.MediaFile,
		"-i", speechPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		output,
	}
	if err := runCommand(ctx, s.logger, s.Name(), workspace, mux, muxArgs...); err != nil {
		return "", err
	}
	return output, nil
}

// narrationScript flattens translated segments into TTS input, inserting a
// blank line whenever the speaker changes.
func narrationScript(translation *Transcript) string {
	var sb strings.Builder
	lastSpeaker := ""
	for _, segment := range translation.Segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			if segment.Speaker != lastSpeaker {
				sb.WriteString("\n\n")
			} else {
				sb.WriteString("\n")
			}
		}
		sb.WriteString(text)
		lastSpeaker = segment.Speaker
	}
	return sb.String()
}
