// Package testsupport provides shared fixtures for package tests: throwaway
// configs rooted in t.TempDir, open job stores, and artifact helpers.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
)

// NewConfig returns a config rooted in a fresh temp directory with fast retry
// and poll settings suitable for tests. The API server is disabled.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.Paths.WorkspaceDir = filepath.Join(base, "workspace")
	cfg.Paths.LibraryDir = filepath.Join(base, "library")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = ""
	cfg.Queue.PollTimeout = 1
	cfg.Queue.RetryDelay = 0
	cfg.Notifications.WebhookURL = ""

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a job store against the config and closes it when the
// test finishes.
func MustOpenStore(t *testing.T, cfg *config.Config) *jobs.Store {
	t.Helper()
	store, err := jobs.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

// NewJob returns a pending job with the given id and placeholder fields.
func NewJob(id string) *jobs.Job {
	return &jobs.Job{
		ID:             id,
		SourceURL:      "https://example.com/watch/" + id,
		TargetLanguage: "es",
		Voice:          "default",
		Status:         jobs.StatusPending,
	}
}

// WriteArtifact creates a file with placeholder content inside the job's
// workspace and returns its path.
func WriteArtifact(t *testing.T, cfg *config.Config, jobID, name string) string {
	t.Helper()
	dir := cfg.JobWorkspace(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("artifact"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}
