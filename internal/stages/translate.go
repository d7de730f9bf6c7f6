package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/services"
)

const translationFileName = "translation.json"

// translateBatchSize caps how many segments are sent per request so prompts
// stay inside typical model context limits.
const translateBatchSize = 40

// Translator rewrites transcript segments into the job's target language via
// an OpenAI-compatible chat completions endpoint. Timings and speaker labels
// pass through unchanged.
type Translator struct {
	cfg    *config.Config
	client *http.Client
	logger *slog.Logger
}

// NewTranslator builds the translation stage.
func NewTranslator(cfg *config.Config, logger *slog.Logger) *Translator {
	timeout := time.Duration(cfg.Translator.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Translator{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logging.NewComponentLogger(logger, "translate"),
	}
}

func (t *Translator) Name() string { return "translate" }

func (t *Translator) Output(job *jobs.Job) string { return job.Outputs.TranslationFile }

func (t *Translator) Record(job *jobs.Job, path string) { job.Outputs.TranslationFile = path }

// Run translates the diarized transcript, falling back to the plain
// transcript when diarization produced nothing usable.
func (t *Translator) Run(ctx context.Context, job *jobs.Job) (string, error) {
	if t.cfg.Translator.BaseURL == "" {
		return "", services.Wrap(services.ErrConfiguration, t.Name(), "", "translator base_url is not configured", nil)
	}

	source := job.Outputs.DiarizationFile
	if source == "" {
		source = job.Outputs.TranscriptFile
	}
	if source == "" {
		return "", services.Wrap(services.ErrValidation, t.Name(), "", "no transcript available to translate", nil)
	}
	transcript, err := LoadTranscript(source)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, t.Name(), "", "unreadable transcript artifact", err)
	}

	workspace, err := ensureWorkspace(t.cfg, job)
	if err != nil {
		return "", err
	}

	translated := &Transcript{Language: job.TargetLanguage, Segments: make([]Segment, len(transcript.Segments))}
	copy(translated.Segments, transcript.Segments)

	for offset := 0; offset < len(translated.Segments); offset += translateBatchSize {
		end := offset + translateBatchSize
		if end > len(translated.Segments) {
			end = len(translated.Segments)
		}
		batch := translated.Segments[offset:end]
		texts := make([]string, len(batch))
		for i, segment := range batch {
			texts[i] = segment.Text
		}

		results, err := t.translateBatch(ctx, job.TargetLanguage, texts)
		if err != nil {
			return "", err
		}
		for i := range batch {
			batch[i].Text = results[i]
		}
		t.logger.Debug("translated segment batch",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("from", offset),
			logging.Int("to", end),
		)
	}

	output := filepath.Join(workspace, translationFileName)
	if err := SaveTranscript(output, translated); err != nil {
		return "", err
	}
	return output, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// translateBatch sends numbered source lines and expects the same numbering
// back, one translation per line.
func (t *Translator) translateBatch(ctx context.Context, targetLanguage string, texts []string) ([]string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Translate the following numbered subtitle lines into %s. ", targetLanguage)
	prompt.WriteString("Reply with the same numbering, one translated line per input line, and nothing else.\n\n")
	for i, text := range texts {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, strings.TrimSpace(text))
	}

	body, err := json.Marshal(chatRequest{
		Model: t.cfg.Translator.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a professional subtitle translator. Preserve meaning, tone, and approximate length."},
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode translation request: %w", err)
	}

	endpoint := strings.TrimSuffix(t.cfg.Translator.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, t.Name(), "request", "invalid translator endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Translator.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Translator.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, t.Name(), "request", "translator unreachable", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, services.Wrap(services.ErrConfiguration, t.Name(), "request", "translator rejected credentials", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, services.Wrap(services.ErrTransient, t.Name(), "request", fmt.Sprintf("translator returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, services.Wrap(services.ErrValidation, t.Name(), "request",
			fmt.Sprintf("translator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil)
	}

	var decoded chatResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, services.Wrap(services.ErrTransient, t.Name(), "response", "undecodable translator response", err)
	}
	if decoded.Error != nil {
		return nil, services.Wrap(services.ErrTransient, t.Name(), "response", decoded.Error.Message, nil)
	}
	if len(decoded.Choices) == 0 {
		return nil, services.Wrap(services.ErrTransient, t.Name(), "response", "translator returned no choices", nil)
	}

	results, err := parseNumberedLines(decoded.Choices[0].Message.Content, len(texts))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, t.Name(), "response", err.Error(), nil)
	}
	return results, nil
}

// parseNumberedLines extracts "N. text" replies back into positional order.
// Missing numbers fail the batch so a retry can ask again rather than dubbing
// mismatched lines.
func parseNumberedLines(content string, want int) ([]string, error) {
	results := make([]string, want)
	seen := make(map[int]bool, want)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dot := strings.IndexAny(line, ".)")
		if dot <= 0 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(line[:dot]))
		if err != nil || index < 1 || index > want {
			continue
		}
		results[index-1] = strings.TrimSpace(line[dot+1:])
		seen[index] = true
	}
	if len(seen) != want {
		return nil, fmt.Errorf("translator returned %d of %d lines", len(seen), want)
	}
	return results, nil
}
