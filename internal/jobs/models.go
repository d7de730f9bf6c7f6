package jobs

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusTranscribing Status = "transcribing"
	StatusDiarizing    Status = "diarizing"
	StatusTranslating  Status = "translating"
	StatusSynthesizing Status = "synthesizing"
	StatusPublishing   Status = "publishing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusTranscribing,
	StatusDiarizing,
	StatusTranslating,
	StatusSynthesizing,
	StatusPublishing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Outputs holds the durable artifact reference produced by each stage.
// A field is set if and only if that stage has completed at least once.
type Outputs struct {
	MediaFile       string `json:"media_file,omitempty"`
	TranscriptFile  string `json:"transcript_file,omitempty"`
	DiarizationFile string `json:"diarization_file,omitempty"`
	TranslationFile string `json:"translation_file,omitempty"`
	DubbedFile      string `json:"dubbed_file,omitempty"`
	PublishedFile   string `json:"published_file,omitempty"`
}

// Job represents a dubbing job persisted in SQLite.
type Job struct {
	ID              string
	SourceURL       string
	TargetLanguage  string
	Voice           string
	Status          Status
	Progress        float64
	ErrorMessage    string
	CancelRequested bool
	Outputs         Outputs
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status permits no further stage execution.
func IsTerminal(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// IsTerminal reports whether the job has reached a terminal status.
func (j Job) IsTerminal() bool {
	return IsTerminal(j.Status)
}

// SetFailed marks the job as failed with the given error message.
func (j *Job) SetFailed(message string) {
	j.Status = StatusFailed
	j.ErrorMessage = message
}
