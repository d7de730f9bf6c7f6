package runqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"redub/internal/config"
	"redub/internal/logging"
)

// Executor runs a single job to a stopping point. The queue guarantees a job
// id is never handed to two workers at once.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, jobID string) error

func (f ExecutorFunc) Execute(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// DefaultPriority is the priority assigned to freshly submitted jobs.
const DefaultPriority = 0

// RetryPriority elevates re-enqueued retries ahead of new submissions.
const RetryPriority = 10

type item struct {
	jobID    string
	priority int
	seq      uint64
}

// priorityHeap orders items by descending priority, then submission order.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Running       bool     `json:"running"`
	MaxConcurrent int      `json:"max_concurrent"`
	Pending       int      `json:"pending"`
	Active        int      `json:"active"`
	ActiveJobIDs  []string `json:"active_job_ids"`
	Processed     uint64   `json:"processed"`
	Failed        uint64   `json:"failed"`
}

// Queue schedules job executions across a bounded worker pool. Higher priority
// items run first; equal priorities run in submission order. A job id present
// in the queue or in a worker is not accepted again until that execution
// finishes, so at most one execution per job is ever in flight.
type Queue struct {
	executor Executor
	logger   *slog.Logger

	maxConcurrent int
	pollTimeout   time.Duration

	mu        sync.Mutex
	heap      priorityHeap
	queued    map[string]struct{}
	active    map[string]struct{}
	seq       uint64
	running   bool
	processed uint64
	failed    uint64

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a queue sized from config. The executor is invoked once per
// dequeued job id.
func New(cfg *config.Config, executor Executor, logger *slog.Logger) *Queue {
	maxConcurrent := cfg.Queue.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	pollTimeout := time.Duration(cfg.Queue.PollTimeout) * time.Second
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Queue{
		executor:      executor,
		logger:        logging.NewComponentLogger(logger, "runqueue"),
		maxConcurrent: maxConcurrent,
		pollTimeout:   pollTimeout,
		queued:        make(map[string]struct{}),
		active:        make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}
}

// Start launches the worker pool. Calling Start on a running queue is a no-op.
// The context bounds every execution; canceling it interrupts in-flight work,
// whereas Stop drains it.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.mu.Unlock()

	q.logger.Info("queue started", logging.Int("max_concurrent", q.maxConcurrent))
	for i := 0; i < q.maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker(ctx, stopCh, i)
	}
}

// Stop drains the queue: workers stop picking up new items but in-flight
// executions run to completion. Pending items stay queued for a later Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// Enqueue submits a job id at the given priority. A job already queued or
// executing is not accepted again; the duplicate is logged and dropped.
func (q *Queue) Enqueue(jobID string, priority int) bool {
	if jobID == "" {
		return false
	}
	q.mu.Lock()
	if _, dup := q.queued[jobID]; dup {
		q.mu.Unlock()
		q.logger.Warn("job already queued",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldEventType, "enqueue_duplicate"),
		)
		return false
	}
	if _, dup := q.active[jobID]; dup {
		q.mu.Unlock()
		q.logger.Warn("job already executing",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldEventType, "enqueue_duplicate"),
		)
		return false
	}
	q.seq++
	heap.Push(&q.heap, &item{jobID: jobID, priority: priority, seq: q.seq})
	q.queued[jobID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// EnqueueBatch submits several job ids at the same priority and reports how
// many were accepted.
func (q *Queue) EnqueueBatch(jobIDs []string, priority int) int {
	accepted := 0
	for _, id := range jobIDs {
		if q.Enqueue(id, priority) {
			accepted++
		}
	}
	return accepted
}

// Stats snapshots current queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	activeIDs := make([]string, 0, len(q.active))
	for id := range q.active {
		activeIDs = append(activeIDs, id)
	}
	return Stats{
		Running:       q.running,
		MaxConcurrent: q.maxConcurrent,
		Pending:       len(q.heap),
		Active:        len(q.active),
		ActiveJobIDs:  activeIDs,
		Processed:     q.processed,
		Failed:        q.failed,
	}
}

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, id int) {
	defer q.wg.Done()
	logger := q.logger.With(logging.Int("worker", id))
	ticker := time.NewTicker(q.pollTimeout)
	defer ticker.Stop()

	for {
		jobID, ok := q.dequeue()
		if !ok {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-ticker.C:
			}
			continue
		}

		q.execute(ctx, logger, jobID)

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return "", false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.queued, it.jobID)
	q.active[it.jobID] = struct{}{}
	return it.jobID, true
}

func (q *Queue) execute(ctx context.Context, logger *slog.Logger, jobID string) {
	start := time.Now()
	err := q.runGuarded(ctx, jobID)

	q.mu.Lock()
	delete(q.active, jobID)
	q.processed++
	if err != nil {
		q.failed++
	}
	q.mu.Unlock()

	if err != nil {
		logger.Error("job execution failed",
			logging.Error(err),
			logging.String(logging.FieldJobID, jobID),
			logging.Duration("elapsed", time.Since(start)),
		)
		return
	}
	logger.Debug("job execution finished",
		logging.String(logging.FieldJobID, jobID),
		logging.Duration("elapsed", time.Since(start)),
	)
}

// runGuarded converts an executor panic into an error so one bad job cannot
// take down the worker pool.
func (q *Queue) runGuarded(ctx context.Context, jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return q.executor.Execute(ctx, jobID)
}
