// Package logs reads the daemon's log file incrementally for the CLI's
// follow mode. Offsets survive across calls so a client can poll without
// re-reading the whole file, and rotation resets to the start.
package logs
