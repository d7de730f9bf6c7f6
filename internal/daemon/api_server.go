package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"redub/internal/api"
	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/logs"
	"redub/internal/notify"
	"redub/internal/runqueue"
	"redub/internal/services"
)

func (d *Daemon) startAPI() error {
	bind := strings.TrimSpace(d.cfg.Paths.APIBind)
	if bind == "" {
		d.logger.Info("api disabled, no bind address configured")
		return nil
	}

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	d.server = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.logger.Info("api listening", logging.String("bind", listener.Addr().String()))
	go func() {
		if err := d.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.serverErr <- err
		}
	}()
	return nil
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/jobs", d.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", d.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", d.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", d.handleDeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", d.handleRetryJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", d.handleCancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/webhook", d.handleRegisterWebhook)
	mux.HandleFunc("GET /api/jobs/{id}/events", d.handleJobEvents)
	mux.HandleFunc("GET /api/queue/stats", d.handleQueueStats)
	mux.HandleFunc("POST /api/queue/pause", d.handleQueuePause)
	mux.HandleFunc("POST /api/queue/resume", d.handleQueueResume)
	mux.HandleFunc("GET /api/status", d.handleStatus)
	mux.HandleFunc("GET /api/logs", d.handleLogs)

	return d.authMiddleware(mux)
}

// authMiddleware enforces the bearer token on /api routes when one is
// configured. Health probes stay open.
func (d *Daemon) authMiddleware(next http.Handler) http.Handler {
	token := strings.TrimSpace(d.cfg.Paths.APIToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Daemon) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req api.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := d.manager.CreateJob(r.Context(), req.SourceURL, req.TargetLanguage, req.Voice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WebhookURL != "" {
		d.manager.RegisterSink(job.ID, req.WebhookURL)
	}
	d.queue.Enqueue(job.ID, runqueue.DefaultPriority)

	writeJSON(w, http.StatusCreated, api.FromJob(job))
}

func (d *Daemon) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	var statuses []jobs.Status
	if raw := query.Get("status"); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status, ok := jobs.ParseStatus(value)
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(value))
				return
			}
			statuses = append(statuses, status)
		}
	}

	list, err := d.manager.ListJobs(r.Context(), limit, statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]api.JobView, 0, len(list))
	for _, job := range list {
		views = append(views, api.FromJob(job))
	}
	writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: views})
}

func (d *Daemon) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := d.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (d *Daemon) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	purge := r.URL.Query().Get("artifacts") == "true"
	removed, err := d.manager.DeleteJob(r.Context(), id, purge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, api.OperationResponse{OK: true, Message: "job deleted"})
}

func (d *Daemon) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := d.manager.RetryJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	d.queue.Enqueue(job.ID, runqueue.DefaultPriority)
	writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (d *Daemon) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := d.lookupJob(w, r)
	if !ok {
		return
	}
	if job.IsTerminal() {
		writeError(w, http.StatusConflict, "job already "+string(job.Status))
		return
	}
	if _, err := d.manager.RequestCancel(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, api.OperationResponse{OK: true, Message: "cancellation requested"})
}

func (d *Daemon) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	job, ok := d.lookupJob(w, r)
	if !ok {
		return
	}
	var req api.RegisterWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	parsed, err := url.Parse(strings.TrimSpace(req.WebhookURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "webhook_url is not a valid URL")
		return
	}
	d.manager.RegisterSink(job.ID, parsed.String())
	writeJSON(w, http.StatusOK, api.OperationResponse{OK: true, Message: "webhook registered"})
}

// handleJobEvents streams job status payloads as server-sent events. The first
// event is a snapshot of the current state; for a terminal job the stream ends
// right after it.
func (d *Daemon) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := d.lookupJob(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := d.dispatcher.Subscribe(job.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(payload notify.Payload) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	snapshot := notify.Payload{
		Event:     notify.KindForStatus(job.Status),
		Timestamp: time.Now().UTC(),
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Error:     job.ErrorMessage,
		Outputs:   job.Outputs,
	}
	if !writeEvent(snapshot) || job.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-events:
			if !open {
				return
			}
			if !writeEvent(payload) {
				return
			}
			if jobs.IsTerminal(payload.Status) {
				return
			}
		}
	}
}

func (d *Daemon) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.FromQueueStats(d.queue.Stats()))
}

func (d *Daemon) handleQueuePause(w http.ResponseWriter, _ *http.Request) {
	d.queue.Stop()
	writeJSON(w, http.StatusOK, api.OperationResponse{OK: true, Message: "queue paused"})
}

func (d *Daemon) handleQueueResume(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	runCtx := d.runCtx
	d.mu.Unlock()
	if runCtx == nil {
		writeError(w, http.StatusConflict, "daemon is not running")
		return
	}
	d.queue.Start(runCtx)
	writeJSON(w, http.StatusOK, api.OperationResponse{OK: true, Message: "queue resumed"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Status(r.Context()))
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	logPath := d.LogPath()
	if logPath == "" {
		writeJSON(w, http.StatusOK, api.LogTailResponse{})
		return
	}

	query := r.URL.Query()
	offset := int64(-1)
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		offset = parsed
	}
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	opts := logs.TailOptions{Offset: offset, Limit: limit}
	if query.Get("follow") == "true" {
		opts.Follow = true
		opts.Wait = time.Second
		if raw := query.Get("wait_ms"); raw != "" {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
				opts.Wait = time.Duration(parsed) * time.Millisecond
			}
		}
		if opts.Wait > 30*time.Second {
			opts.Wait = 30 * time.Second
		}
	}

	result, err := logs.Tail(r.Context(), logPath, opts)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.LogTailResponse{Lines: result.Lines, Offset: result.Offset})
}

func (d *Daemon) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := r.PathValue("id")
	job, err := d.manager.GetJob(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return nil, false
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
