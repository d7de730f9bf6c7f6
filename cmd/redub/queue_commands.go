package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the execution queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stats, err := client.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			state := "paused"
			if stats.Running {
				state = "running"
			}
			rows := [][]string{
				{"state", state},
				{"workers", strconv.Itoa(stats.MaxConcurrent)},
				{"pending", strconv.Itoa(stats.Pending)},
				{"active", strconv.Itoa(stats.Active)},
				{"processed", strconv.FormatUint(stats.Processed, 10)},
				{"failed", strconv.FormatUint(stats.Failed, 10)},
			}
			renderTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, rows, 2)
			if len(stats.ActiveJobIDs) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "active jobs: %s\n", strings.Join(stats.ActiveJobIDs, ", "))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pause",
		Short: "Drain the worker pool without interrupting running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.PauseQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Restart a paused worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.ResumeQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	})

	return cmd
}
