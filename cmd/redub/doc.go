// Command redub is the CLI client for the redubd daemon. It submits dubbing
// jobs, inspects their progress, and controls the execution queue over the
// daemon's HTTP API.
package main
