// Package pipeline drives a job through the ordered dubbing stages. The
// driver is handed job ids by the run queue, advances status through the
// lifecycle manager, and relies on each stage's recorded artifact for
// idempotent resume. Cancellation takes effect between stages, never inside
// one.
package pipeline
