package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"redub/internal/api"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream live status events for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.WatchJob(cmd.Context(), args[0], func(event api.JobEvent) {
				line := fmt.Sprintf("%s  %s %s", event.Timestamp.Local().Format("15:04:05"), event.Status, formatProgress(event.Progress))
				if event.Error != "" {
					line += "  " + event.Error
				}
				fmt.Fprintln(out, line)
			})
		},
	}
}
