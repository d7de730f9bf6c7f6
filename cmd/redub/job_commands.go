package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"redub/internal/api"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var languageFlag string
	var voiceFlag string
	var webhookFlag string

	cmd := &cobra.Command{
		Use:   "add <source-url>",
		Short: "Submit a new dubbing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.CreateJob(cmd.Context(), api.CreateJobRequest{
				SourceURL:      args[0],
				TargetLanguage: languageFlag,
				Voice:          voiceFlag,
				WebhookURL:     webhookFlag,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued (target %s)\n", job.ID, job.TargetLanguage)
			return nil
		},
	}

	cmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Target language tag (defaults to configured language)")
	cmd.Flags().StringVar(&voiceFlag, "voice", "", "Synthesis voice model")
	cmd.Flags().StringVar(&webhookFlag, "webhook", "", "Per-job webhook URL for status notifications")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag []string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context(), limitFlag, statusFlag...)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					shortID(job.ID),
					job.Status,
					formatProgress(job.Progress),
					job.TargetLanguage,
					truncate(job.SourceURL, 48),
					formatAge(job.UpdatedAt),
				})
			}
			renderTable(cmd.OutOrStdout(),
				[]string{"ID", "STATUS", "PROGRESS", "LANG", "SOURCE", "UPDATED"},
				rows, 3)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&statusFlag, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "Maximum number of jobs to show")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset a failed job and run it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s re-queued\n", job.ID)
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var artifactsFlag bool

	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.DeleteJob(cmd.Context(), args[0], artifactsFlag)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	cmd.Flags().BoolVar(&artifactsFlag, "artifacts", false, "Also delete the job's workspace artifacts")
	return cmd
}

func printJob(cmd *cobra.Command, job *api.JobView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", job.ID)
	fmt.Fprintf(out, "Source:    %s\n", job.SourceURL)
	fmt.Fprintf(out, "Language:  %s\n", job.TargetLanguage)
	if job.Voice != "" {
		fmt.Fprintf(out, "Voice:     %s\n", job.Voice)
	}
	fmt.Fprintf(out, "Status:    %s (%s)\n", job.Status, formatProgress(job.Progress))
	if job.CancelRequested {
		fmt.Fprintln(out, "Cancel:    requested")
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.ErrorMessage)
	}
	fmt.Fprintf(out, "Created:   %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:   %s\n", job.UpdatedAt.Local().Format(time.RFC3339))

	artifacts := [][2]string{
		{"media", job.Outputs.MediaFile},
		{"transcript", job.Outputs.TranscriptFile},
		{"diarization", job.Outputs.DiarizationFile},
		{"translation", job.Outputs.TranslationFile},
		{"dubbed", job.Outputs.DubbedFile},
		{"published", job.Outputs.PublishedFile},
	}
	printed := false
	for _, artifact := range artifacts {
		if artifact[1] == "" {
			continue
		}
		if !printed {
			fmt.Fprintln(out, "Artifacts:")
			printed = true
		}
		fmt.Fprintf(out, "  %-12s %s\n", artifact[0]+":", artifact[1])
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatProgress(progress float64) string {
	return fmt.Sprintf("%.0f%%", progress*100)
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	if max <= 1 {
		return value[:max]
	}
	return value[:max-1] + "…"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
