package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var followFlag bool
	var linesFlag int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			resp, err := client.TailLogs(cmd.Context(), -1, linesFlag, false, 0)
			if err != nil {
				return err
			}
			for _, line := range resp.Lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if !followFlag {
				return nil
			}

			offset := resp.Offset
			for {
				resp, err := client.TailLogs(cmd.Context(), offset, 0, true, 5*time.Second)
				if err != nil {
					return err
				}
				for _, line := range resp.Lines {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				offset = resp.Offset
				if cmd.Context().Err() != nil {
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "Keep streaming new log lines")
	cmd.Flags().IntVarP(&linesFlag, "lines", "n", 50, "Number of trailing lines to show first")
	return cmd
}
