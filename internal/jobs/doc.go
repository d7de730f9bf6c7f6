// Package jobs defines the Job record, its status lifecycle, and the SQLite
// store that persists one record per job. Records are overwritten whole on
// every save; SQLite's transactional writes keep a record from ever being
// observed half-written.
package jobs
