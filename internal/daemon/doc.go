// Package daemon assembles the long-running redubd process: job store,
// lifecycle manager, pipeline driver, run queue, notification dispatcher, and
// the HTTP control API. A workspace file lock keeps the daemon single-instance.
package daemon
