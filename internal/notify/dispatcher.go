package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/logging"
)

const userAgent = "Redub/0.1.0"

// TopicAll subscribes a live listener to status events for every job.
const TopicAll = "*"

// EventKind classifies a job status payload.
type EventKind string

const (
	EventStatusChanged EventKind = "status_changed"
	EventJobCompleted  EventKind = "job_completed"
	EventJobFailed     EventKind = "job_failed"
	EventJobCancelled  EventKind = "job_cancelled"
)

// Payload is the status document delivered to sinks and live subscribers.
type Payload struct {
	Event     EventKind    `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	JobID     string       `json:"job_id"`
	Status    jobs.Status  `json:"status"`
	Progress  float64      `json:"progress"`
	Error     string       `json:"error,omitempty"`
	Outputs   jobs.Outputs `json:"outputs"`
}

const subscriberBuffer = 16

type subscriber struct {
	topic string
	ch    chan Payload
}

// Dispatcher delivers job status payloads to registered webhook sinks and live
// subscribers. Delivery is best-effort: webhook failures are retried with
// exponential backoff up to a fixed attempt ceiling, then dropped and logged.
type Dispatcher struct {
	defaultURL  string
	maxAttempts int
	client      *http.Client
	logger      *slog.Logger

	mu          sync.RWMutex
	sinks       map[string]string
	subscribers map[*subscriber]struct{}

	wg sync.WaitGroup
}

// NewDispatcher builds a dispatcher from notification config.
func NewDispatcher(cfg *config.Config, logger *slog.Logger) *Dispatcher {
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := cfg.Notifications.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		defaultURL:  strings.TrimSpace(cfg.Notifications.WebhookURL),
		maxAttempts: maxAttempts,
		client:      &http.Client{Timeout: timeout},
		logger:      logging.NewComponentLogger(logger, "notify"),
		sinks:       make(map[string]string),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// RegisterSink associates a webhook URL with a job id, replacing any prior sink.
func (d *Dispatcher) RegisterSink(jobID, url string) {
	url = strings.TrimSpace(url)
	if jobID == "" || url == "" {
		return
	}
	d.mu.Lock()
	d.sinks[jobID] = url
	d.mu.Unlock()
}

// UnregisterSink removes the webhook sink for a job id.
func (d *Dispatcher) UnregisterSink(jobID string) {
	d.mu.Lock()
	delete(d.sinks, jobID)
	d.mu.Unlock()
}

// Subscribe registers a live listener for one job id, or for all jobs when
// topic is TopicAll. The channel is closed when the subscription ends, via the
// returned cancel function or by pruning: a subscriber that stops draining its
// channel is removed on the next delivery that finds its buffer full.
func (d *Dispatcher) Subscribe(topic string) (<-chan Payload, func()) {
	sub := &subscriber{
		topic: topic,
		ch:    make(chan Payload, subscriberBuffer),
	}
	d.mu.Lock()
	d.subscribers[sub] = struct{}{}
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		d.drop(sub)
		d.mu.Unlock()
	}
	return sub.ch, cancel
}

// drop removes a subscriber and closes its channel so a blocked consumer
// unblocks. Must be called with the write lock held; sends happen under the
// read lock, so a close cannot race a send. An already-removed subscriber is
// already closed.
func (d *Dispatcher) drop(sub *subscriber) {
	if _, ok := d.subscribers[sub]; !ok {
		return
	}
	delete(d.subscribers, sub)
	close(sub.ch)
}

// Notify builds a status payload from the job and delivers it. Webhook
// delivery runs on its own goroutine so the caller's advance path is never
// blocked; failures are swallowed after the retry budget.
func (d *Dispatcher) Notify(ctx context.Context, job *jobs.Job, kind EventKind) {
	if d == nil || job == nil {
		return
	}
	payload := Payload{
		Event:     kind,
		Timestamp: time.Now().UTC(),
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Error:     job.ErrorMessage,
		Outputs:   job.Outputs,
	}

	d.fanOut(payload)

	url := d.sinkFor(job.ID)
	if url == "" {
		return
	}

	d.wg.Add(1)
	go func(ctx context.Context) {
		defer d.wg.Done()
		d.deliver(ctx, url, payload)
	}(context.WithoutCancel(ctx))
}

// Close waits for in-flight webhook deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) sinkFor(jobID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if url, ok := d.sinks[jobID]; ok {
		return url
	}
	return d.defaultURL
}

func (d *Dispatcher) fanOut(payload Payload) {
	d.mu.RLock()
	var stale []*subscriber
	for sub := range d.subscribers {
		if sub.topic != TopicAll && sub.topic != payload.JobID {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			// Full buffer means nobody is draining; prune the subscriber.
			stale = append(stale, sub)
		}
	}
	d.mu.RUnlock()

	if len(stale) == 0 {
		return
	}
	d.mu.Lock()
	for _, sub := range stale {
		d.drop(sub)
	}
	d.mu.Unlock()
	d.logger.Debug("pruned stale subscribers", logging.Int("count", len(stale)))
}

func (d *Dispatcher) deliver(ctx context.Context, url string, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode notification payload", logging.Error(err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		if lastErr = d.post(ctx, url, body); lastErr == nil {
			return
		}
	}

	d.logger.Warn("dropping notification after retries",
		logging.Error(lastErr),
		logging.String(logging.FieldJobID, payload.JobID),
		logging.String("webhook_url", url),
		logging.Int("attempts", d.maxAttempts),
		logging.String(logging.FieldEventType, "notification_dropped"),
	)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// KindForStatus maps a job status to the event kind used in its payload.
func KindForStatus(status jobs.Status) EventKind {
	switch status {
	case jobs.StatusCompleted:
		return EventJobCompleted
	case jobs.StatusFailed:
		return EventJobFailed
	case jobs.StatusCancelled:
		return EventJobCancelled
	default:
		return EventStatusChanged
	}
}
