// Package lifecycle owns job state transitions. The Manager is the only
// component that writes job records: it creates jobs, advances their status,
// decides retry versus terminal failure, and resets interrupted work to
// pending on startup. Components that need a job changed go through it.
package lifecycle
