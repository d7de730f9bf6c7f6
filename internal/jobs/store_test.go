package jobs_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"redub/internal/jobs"
	"redub/internal/testsupport"
)

func TestSaveAndGetRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob("job-1")
	job.Outputs.MediaFile = "/tmp/media.mp4"
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatal("expected save to stamp timestamps")
	}

	loaded, err := store.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected job, got nil")
	}
	if loaded.SourceURL != job.SourceURL {
		t.Errorf("source url = %q, want %q", loaded.SourceURL, job.SourceURL)
	}
	if loaded.Status != jobs.StatusPending {
		t.Errorf("status = %q, want pending", loaded.Status)
	}
	if loaded.Outputs.MediaFile != "/tmp/media.mp4" {
		t.Errorf("media file = %q, want /tmp/media.mp4", loaded.Outputs.MediaFile)
	}
}

func TestSaveOverwritesExistingRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob("job-1")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	job.Status = jobs.StatusTranslating
	job.Progress = 0.5
	job.Outputs.TranscriptFile = "/tmp/transcript.json"
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := store.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != jobs.StatusTranslating || loaded.Progress != 0.5 {
		t.Errorf("got status %q progress %v, want translating 0.5", loaded.Status, loaded.Progress)
	}
	if loaded.Outputs.TranscriptFile != "/tmp/transcript.json" {
		t.Errorf("transcript = %q", loaded.Outputs.TranscriptFile)
	}
}

func TestGetByIDMissingReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job, err := store.GetByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil, got %+v", job)
	}
}

func TestListFiltersAndLimits(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	statuses := []jobs.Status{jobs.StatusPending, jobs.StatusFailed, jobs.StatusCompleted, jobs.StatusFailed}
	for i, status := range statuses {
		job := testsupport.NewJob(string(rune('a' + i)))
		job.Status = status
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	failed, err := store.List(ctx, 0, jobs.StatusFailed)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed count = %d, want 2", len(failed))
	}
	// Newest first.
	if failed[0].ID != "d" || failed[1].ID != "b" {
		t.Errorf("order = %s, %s; want d, b", failed[0].ID, failed[1].ID)
	}

	limited, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited count = %d, want 2", len(limited))
	}
}

func TestSetCancelRequested(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob("job-1")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetCancelRequested(ctx, "job-1", true); err != nil {
		t.Fatalf("set cancel: %v", err)
	}

	loaded, err := store.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.CancelRequested {
		t.Error("expected cancel_requested to be set")
	}
}

func TestDeleteIsIdempotentAndRemovesArtifacts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob("job-1")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	artifact := testsupport.WriteArtifact(t, cfg, "job-1", "media.mp4")

	removed, err := store.Delete(ctx, "job-1", true)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Fatal("expected first delete to remove the record")
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("expected artifact removed, stat err = %v", err)
	}

	removed, err = store.Delete(ctx, "job-1", true)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if removed {
		t.Error("expected second delete to report not found")
	}
}

func TestLoadAllSkipsCorruptRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	good := testsupport.NewJob("good")
	if err := store.Save(ctx, good); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Write a row with a status no release ever produced.
	db, err := sql.Open("sqlite", store.Path())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(
		`INSERT INTO jobs (id, source_url, target_language, status, progress, created_at, updated_at)
         VALUES ('bad', 'https://example.com', 'es', 'exploded', 0, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	loaded, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Fatalf("loaded = %+v, want only the good record", loaded)
	}
}

func TestStatsGroupsByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for i, status := range []jobs.Status{jobs.StatusPending, jobs.StatusPending, jobs.StatusFailed} {
		job := testsupport.NewJob(string(rune('a' + i)))
		job.Status = status
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[jobs.StatusPending] != 2 || stats[jobs.StatusFailed] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := jobs.ParseStatus(" Transcribing "); !ok || status != jobs.StatusTranscribing {
		t.Errorf("ParseStatus normalization failed: %v %v", status, ok)
	}
	if _, ok := jobs.ParseStatus("bogus"); ok {
		t.Error("expected bogus status to be rejected")
	}
}

func TestSavePreservesCancelFlagSetElsewhere(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob("job-1")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Cancellation lands while another caller holds a stale copy with the
	// flag still false.
	if err := store.SetCancelRequested(ctx, job.ID, true); err != nil {
		t.Fatalf("set cancel: %v", err)
	}
	job.Status = jobs.StatusTranscribing
	job.Progress = 0.2
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("stale save: %v", err)
	}

	loaded, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !loaded.CancelRequested {
		t.Error("cancel flag lost to a stale full-record save")
	}
	if loaded.Status != jobs.StatusTranscribing {
		t.Errorf("status = %q, want the stale save's other fields applied", loaded.Status)
	}
}

func TestUpdateNeverInsertsAndPreservesCancelFlag(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	ghost := testsupport.NewJob("ghost")
	found, err := store.Update(ctx, ghost)
	if err != nil {
		t.Fatalf("update missing: %v", err)
	}
	if found {
		t.Error("update reported a row for an id that was never saved")
	}
	if loaded, _ := store.GetByID(ctx, "ghost"); loaded != nil {
		t.Errorf("update inserted a row: %+v", loaded)
	}

	job := testsupport.NewJob("job-1")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetCancelRequested(ctx, job.ID, true); err != nil {
		t.Fatalf("set cancel: %v", err)
	}

	job.Outputs.MediaFile = "/tmp/media.mp4"
	found, err = store.Update(ctx, job)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !found {
		t.Fatal("update missed an existing row")
	}

	loaded, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Outputs.MediaFile != "/tmp/media.mp4" {
		t.Errorf("media file = %q, want updated path", loaded.Outputs.MediaFile)
	}
	if !loaded.CancelRequested {
		t.Error("update clobbered the cancel flag")
	}
}

func TestUpdateDoesNotResurrectDeletedRow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob("job-1")
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Delete(ctx, job.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	found, err := store.Update(ctx, job)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if found {
		t.Error("update reported a row after delete")
	}
	if loaded, _ := store.GetByID(ctx, job.ID); loaded != nil {
		t.Errorf("deleted job came back: %+v", loaded)
	}
}
