package api

import (
	"time"

	"redub/internal/deps"
	"redub/internal/jobs"
	"redub/internal/runqueue"
)

// JobView is the wire representation of a job record.
type JobView struct {
	ID              string    `json:"id"`
	SourceURL       string    `json:"source_url"`
	TargetLanguage  string    `json:"target_language"`
	Voice           string    `json:"voice,omitempty"`
	Status          string    `json:"status"`
	Progress        float64   `json:"progress"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	Outputs         Outputs   `json:"outputs"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Outputs mirrors the per-stage artifact paths on the wire.
type Outputs struct {
	MediaFile       string `json:"media_file,omitempty"`
	TranscriptFile  string `json:"transcript_file,omitempty"`
	DiarizationFile string `json:"diarization_file,omitempty"`
	TranslationFile string `json:"translation_file,omitempty"`
	DubbedFile      string `json:"dubbed_file,omitempty"`
	PublishedFile   string `json:"published_file,omitempty"`
}

// FromJob converts a job record into its wire view.
func FromJob(job *jobs.Job) JobView {
	if job == nil {
		return JobView{}
	}
	return JobView{
		ID:              job.ID,
		SourceURL:       job.SourceURL,
		TargetLanguage:  job.TargetLanguage,
		Voice:           job.Voice,
		Status:          string(job.Status),
		Progress:        job.Progress,
		ErrorMessage:    job.ErrorMessage,
		CancelRequested: job.CancelRequested,
		Outputs: Outputs{
			MediaFile:       job.Outputs.MediaFile,
			TranscriptFile:  job.Outputs.TranscriptFile,
			DiarizationFile: job.Outputs.DiarizationFile,
			TranslationFile: job.Outputs.TranslationFile,
			DubbedFile:      job.Outputs.DubbedFile,
			PublishedFile:   job.Outputs.PublishedFile,
		},
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

// CreateJobRequest submits a new dubbing job.
type CreateJobRequest struct {
	SourceURL      string `json:"source_url"`
	TargetLanguage string `json:"target_language,omitempty"`
	Voice          string `json:"voice,omitempty"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// RegisterWebhookRequest attaches a per-job webhook sink after creation.
type RegisterWebhookRequest struct {
	WebhookURL string `json:"webhook_url"`
}

// JobEvent is one server-sent status event for a job.
type JobEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Outputs   Outputs   `json:"outputs"`
}

// JobListResponse carries a page of jobs.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// QueueStatsView mirrors runqueue.Stats on the wire.
type QueueStatsView struct {
	Running       bool     `json:"running"`
	MaxConcurrent int      `json:"max_concurrent"`
	Pending       int      `json:"pending"`
	Active        int      `json:"active"`
	ActiveJobIDs  []string `json:"active_job_ids"`
	Processed     uint64   `json:"processed"`
	Failed        uint64   `json:"failed"`
}

// FromQueueStats converts queue stats into their wire view.
func FromQueueStats(stats runqueue.Stats) QueueStatsView {
	return QueueStatsView(stats)
}

// StatusResponse describes the daemon.
type StatusResponse struct {
	Running      bool           `json:"running"`
	Version      string         `json:"version"`
	PID          int            `json:"pid"`
	DBPath       string         `json:"db_path"`
	LockPath     string         `json:"lock_path"`
	Queue        QueueStatsView `json:"queue"`
	JobCounts    map[string]int `json:"job_counts"`
	Dependencies []deps.Status  `json:"dependencies,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	ConfigPath   string         `json:"config_path,omitempty"`
}

// LogTailResponse carries log lines and the offset to resume from.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// OperationResponse reports the outcome of a job mutation.
type OperationResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the error envelope returned for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
