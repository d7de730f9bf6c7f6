package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/services"
)

// Operation is one resumable pipeline stage. Output reports where the stage's
// artifact lives for a given job (empty when the stage has never completed),
// Run produces the artifact, and Record stores the resulting path on the job
// record so a later run can skip the stage.
type Operation interface {
	Name() string
	Output(job *jobs.Job) string
	Record(job *jobs.Job, path string)
	Run(ctx context.Context, job *jobs.Job) (string, error)
}

// stderrTailLimit bounds how much tool output is carried into error messages.
const stderrTailLimit = 4096

// runCommand executes an external tool, streaming nothing and keeping only a
// bounded stderr tail for diagnostics. Timeouts and context cancellation map
// to the timeout error kind; every other failure is an external tool error.
func runCommand(ctx context.Context, logger *slog.Logger, stage string, workdir string, name string, args ...string) error {
	start := time.Now()
	logger.Debug("running external tool",
		logging.String(logging.FieldStage, stage),
		logging.String("tool", name),
		logging.String("args", strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	var stderr bytes.Buffer
	cmd.Stderr = &tailWriter{limit: stderrTailLimit, buf: &stderr}
	cmd.Stdout = io.Discard

	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		logger.Debug("external tool finished",
			logging.String(logging.FieldStage, stage),
			logging.String("tool", name),
			logging.Duration("elapsed", elapsed),
		)
		return nil
	}

	detail := strings.TrimSpace(stderr.String())
	if ctxErr := ctx.Err(); ctxErr != nil {
		marker := services.ErrTimeout
		if errors.Is(ctxErr, context.Canceled) {
			marker = services.ErrTransient
		}
		return services.Wrap(marker, stage, name, fmt.Sprintf("interrupted after %s", elapsed.Round(time.Second)), ctxErr)
	}
	if detail != "" {
		return services.Wrap(services.ErrExternalTool, stage, name, detail, err)
	}
	return services.Wrap(services.ErrExternalTool, stage, name, "", err)
}

// tailWriter keeps the last limit bytes written to it. Tool failures usually
// explain themselves at the end of stderr, not the start.
type tailWriter struct {
	limit int
	buf   *bytes.Buffer
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n >= w.limit {
		w.buf.Reset()
		w.buf.Write(p[n-w.limit:])
		return n, nil
	}
	if overflow := w.buf.Len() + n - w.limit; overflow > 0 {
		trimmed := w.buf.Bytes()[overflow:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		w.buf.Reset()
		w.buf.Write(rest)
	}
	w.buf.Write(p)
	return n, nil
}

// stageTimeout derives a per-stage context. A non-positive configured timeout
// means the stage runs unbounded under the caller's context.
func stageTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// ensureWorkspace creates and returns the job's artifact directory.
func ensureWorkspace(cfg *config.Config, job *jobs.Job) (string, error) {
	dir := cfg.JobWorkspace(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "", "workspace", fmt.Sprintf("create %s", dir), err)
	}
	return dir, nil
}

// copyFile copies src to dst atomically: it writes a temp file alongside dst
// and renames it into place, so a crash never leaves a half-written artifact
// at the final path.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".redub-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
