package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"redub/internal/api"
	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/testsupport"
)

func newTestDaemon(t *testing.T, mutate func(*config.Config)) (*Daemon, *api.Client) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(d.Close)

	server := httptest.NewServer(d.routes())
	t.Cleanup(server.Close)

	return d, api.NewClient(server.URL, cfg.Paths.APIToken)
}

func TestCreateListAndGetJob(t *testing.T) {
	_, client := newTestDaemon(t, nil)
	ctx := context.Background()

	created, err := client.CreateJob(ctx, api.CreateJobRequest{
		SourceURL:      "https://example.com/v/1",
		TargetLanguage: "de",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != "pending" || created.TargetLanguage != "de" {
		t.Errorf("created = %+v", created)
	}

	listed, err := client.ListJobs(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Errorf("listed = %+v", listed)
	}

	fetched, err := client.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.SourceURL != "https://example.com/v/1" {
		t.Errorf("fetched = %+v", fetched)
	}
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	_, client := newTestDaemon(t, nil)

	if _, err := client.CreateJob(context.Background(), api.CreateJobRequest{SourceURL: "not-a-url"}); err == nil {
		t.Error("expected invalid source URL to be rejected")
	}
}

func TestGetMissingJobReturnsNotFound(t *testing.T) {
	_, client := newTestDaemon(t, nil)

	_, err := client.GetJob(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestBearerTokenEnforced(t *testing.T) {
	d, _ := newTestDaemon(t, func(cfg *config.Config) {
		cfg.Paths.APIToken = "sekrit"
	})

	server := httptest.NewServer(d.routes())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Health probe stays open.
	resp, err = http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("healthz status = %d, want 204", resp.StatusCode)
	}

	authed := api.NewClient(server.URL, "sekrit")
	if _, err := authed.ListJobs(context.Background(), 0); err != nil {
		t.Errorf("authenticated list failed: %v", err)
	}
}

func TestCancelAndDeleteFlow(t *testing.T) {
	_, client := newTestDaemon(t, nil)
	ctx := context.Background()

	job, err := client.CreateJob(ctx, api.CreateJobRequest{SourceURL: "https://example.com/v/1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Queue is not running, so the pending job cancels immediately.
	if _, err := client.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelled, err := client.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	// Cancelling a terminal job conflicts.
	if _, err := client.CancelJob(ctx, job.ID); err == nil {
		t.Error("expected second cancel to fail")
	}

	if _, err := client.DeleteJob(ctx, job.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.DeleteJob(ctx, job.ID, false); err == nil {
		t.Error("expected second delete to report not found")
	}
}

func TestRetryEndpointRejectsNonFailedJobs(t *testing.T) {
	_, client := newTestDaemon(t, nil)
	ctx := context.Background()

	job, err := client.CreateJob(ctx, api.CreateJobRequest{SourceURL: "https://example.com/v/1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.RetryJob(ctx, job.ID); err == nil {
		t.Error("expected retry of pending job to fail")
	}
	if _, err := client.RetryJob(ctx, "ghost"); err == nil {
		t.Error("expected retry of missing job to fail")
	}
}

func TestQueueStatsAndStatusEndpoints(t *testing.T) {
	_, client := newTestDaemon(t, nil)
	ctx := context.Background()

	stats, err := client.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.Running {
		t.Error("queue should not be running before Start")
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Version != Version {
		t.Errorf("version = %q, want %q", status.Version, Version)
	}
	if status.DBPath == "" || status.LockPath == "" {
		t.Errorf("paths missing from status: %+v", status)
	}
	if len(status.Dependencies) == 0 {
		t.Error("expected dependency checks in status")
	}
}

func TestLogsEndpointTailsDaemonLog(t *testing.T) {
	var logDir string
	d, client := newTestDaemon(t, func(cfg *config.Config) {
		logDir = cfg.Paths.LogDir
	})

	logPath := filepath.Join(logDir, "redub.log")
	if logPath != d.LogPath() {
		t.Fatalf("log path mismatch: %q vs %q", logPath, d.LogPath())
	}
	if err := os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	resp, err := client.TailLogs(context.Background(), -1, 2, false, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(resp.Lines) != 2 || resp.Lines[0] != "two" || resp.Lines[1] != "three" {
		t.Errorf("lines = %v, want trailing two lines", resp.Lines)
	}
	if resp.Offset == 0 {
		t.Error("expected non-zero resume offset")
	}
}

func TestSecondDaemonInstanceRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	first, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("first daemon: %v", err)
	}
	defer first.Close()

	if _, err := New(cfg, logging.NewNop()); err == nil {
		t.Error("expected second instance to fail on the workspace lock")
	}
}

func TestJobEventsStreamDeliversStatusUpdates(t *testing.T) {
	d, client := newTestDaemon(t, nil)
	ctx := context.Background()

	created, err := client.CreateJob(ctx, api.CreateJobRequest{SourceURL: "https://example.com/v/1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	events := make(chan api.JobEvent, 16)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	done := make(chan error, 1)
	go func() {
		done <- client.WatchJob(watchCtx, created.ID, func(event api.JobEvent) {
			events <- event
		})
	}()

	next := func(want string) api.JobEvent {
		t.Helper()
		select {
		case event := <-events:
			if event.Status != want {
				t.Errorf("event status = %q, want %q", event.Status, want)
			}
			return event
		case <-time.After(5 * time.Second):
			t.Fatalf("no %q event arrived", want)
			return api.JobEvent{}
		}
	}

	// The stream opens with a snapshot of the current state.
	snapshot := next("pending")
	if snapshot.JobID != created.ID {
		t.Errorf("snapshot job id = %q", snapshot.JobID)
	}

	job, err := d.manager.GetJob(ctx, created.ID)
	if err != nil || job == nil {
		t.Fatalf("get job: %v, %v", job, err)
	}
	if err := d.manager.Advance(ctx, job, jobs.StatusDownloading, 0.0, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	next("downloading")

	// A terminal event ends the stream.
	if err := d.manager.Advance(ctx, job, jobs.StatusCompleted, 1.0, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	completed := next("completed")
	if completed.Progress != 1.0 {
		t.Errorf("completed progress = %v, want 1.0", completed.Progress)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch ended with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}
}

func TestJobEventsSnapshotForTerminalJobEndsStream(t *testing.T) {
	d, client := newTestDaemon(t, nil)
	ctx := context.Background()

	created, err := client.CreateJob(ctx, api.CreateJobRequest{SourceURL: "https://example.com/v/1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, _ := d.manager.GetJob(ctx, created.ID)
	if err := d.manager.Advance(ctx, job, jobs.StatusCompleted, 1.0, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	var got []api.JobEvent
	if err := client.WatchJob(ctx, created.ID, func(event api.JobEvent) {
		got = append(got, event)
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(got) != 1 || got[0].Status != "completed" {
		t.Errorf("events = %+v, want a single completed snapshot", got)
	}
}

func TestRegisterWebhookAfterCreation(t *testing.T) {
	received := make(chan struct{}, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d, client := newTestDaemon(t, nil)
	ctx := context.Background()

	created, err := client.CreateJob(ctx, api.CreateJobRequest{SourceURL: "https://example.com/v/1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := client.RegisterWebhook(ctx, created.ID, "not-a-url"); err == nil {
		t.Error("expected invalid webhook URL to be rejected")
	}
	if _, err := client.RegisterWebhook(ctx, "ghost", hook.URL); err == nil {
		t.Error("expected unknown job to be rejected")
	}
	if _, err := client.RegisterWebhook(ctx, created.ID, hook.URL); err != nil {
		t.Fatalf("register webhook: %v", err)
	}

	job, _ := d.manager.GetJob(ctx, created.ID)
	if err := d.manager.Advance(ctx, job, jobs.StatusDownloading, 0.0, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	d.dispatcher.Close()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("registered webhook never called")
	}
}
