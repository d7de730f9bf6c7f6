package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "redubd %s (pid %d)\n", status.Version, status.PID)
			fmt.Fprintf(out, "Database:  %s\n", status.DBPath)
			fmt.Fprintf(out, "Lock:      %s\n", status.LockPath)
			if !status.StartedAt.IsZero() {
				fmt.Fprintf(out, "Started:   %s\n", formatAge(status.StartedAt))
			}

			queueState := "paused"
			if status.Queue.Running {
				queueState = "running"
			}
			fmt.Fprintf(out, "Queue:     %s, %d workers, %d pending, %d active\n",
				queueState, status.Queue.MaxConcurrent, status.Queue.Pending, status.Queue.Active)

			if len(status.Dependencies) > 0 {
				fmt.Fprintln(out, "Tools:")
				for _, dep := range status.Dependencies {
					state := "ok"
					if !dep.Available {
						state = "MISSING"
						if dep.Detail != "" {
							state += " (" + dep.Detail + ")"
						}
					}
					fmt.Fprintf(out, "  %-14s %s %s\n", dep.Name+":", dep.Command, state)
				}
			}

			if len(status.JobCounts) > 0 {
				names := make([]string, 0, len(status.JobCounts))
				for name := range status.JobCounts {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Fprintln(out, "Jobs:")
				for _, name := range names {
					fmt.Fprintf(out, "  %-14s %d\n", name+":", status.JobCounts[name])
				}
			}
			return nil
		},
	}
}
