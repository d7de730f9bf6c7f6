// Package deps checks availability of the external tools the pipeline shells
// out to. The daemon reports results in its status document so a missing
// binary is visible before a job fails on it.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"redub/internal/config"
)

// Requirement names one external binary a stage depends on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of one requirement.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements derives the stage tool list from configuration.
func Requirements(cfg *config.Config) []Requirement {
	return []Requirement{
		{Name: "downloader", Command: cfg.Pipeline.DownloadTool, Description: "fetches source media"},
		{Name: "transcriber", Command: cfg.Pipeline.TranscribeTool, Description: "speech recognition and diarization"},
		{Name: "synthesizer", Command: cfg.Pipeline.SynthesizeTool, Description: "text to speech"},
		{Name: "muxer", Command: cfg.Pipeline.MuxTool, Description: "replaces the audio track"},
	}
}

// Check resolves each requirement on PATH and reports availability.
func Check(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		command := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     command,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch {
		case command == "":
			status.Detail = "command not configured"
		default:
			if _, err := exec.LookPath(command); err != nil {
				status.Detail = fmt.Sprintf("binary %q not found on PATH", command)
			} else {
				status.Available = true
			}
		}
		results = append(results, status)
	}
	return results
}
