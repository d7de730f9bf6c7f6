// Package runqueue schedules job executions across a bounded worker pool.
// Items carry a priority; retries re-enter at elevated priority so an
// interrupted job gets back to work ahead of fresh submissions. The queue
// tracks queued and active job ids so a job never runs twice concurrently.
package runqueue
