package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"voicecard/internal/gateway"
	"voicecard/internal/models"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var mimeFlag string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a recording or transcript and start a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			mimeType := mimeFlag
			if mimeType == "" {
				mimeType = guessMime(args[0])
			}
			job, err := client.Ingest(cmd.Context(), f, mimeType)
			if err != nil {
				return err
			}
			return printJobs(cmd, ctx, []models.Job{job})
		},
	}
	cmd.Flags().StringVar(&mimeFlag, "mime", "", "Content type (guessed from the extension when empty)")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if *ctx.jsonFlag {
				return writeJSON(cmd, st)
			}
			if err := printJobs(cmd, ctx, []models.Job{st.Job}); err != nil {
				return err
			}
			if st.Job.LastError != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "last error: %s\n", *st.Job.LastError)
			}
			rows := make([][]string, 0, len(st.Audit))
			for _, a := range st.Audit {
				rows = append(rows, []string{a.Recorded.Local().Format(time.DateTime), a.Event, a.Detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Time", "Event", "Detail"}, rows))
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			jobs, err := client.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJobs(cmd, ctx, jobs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs")
	return cmd
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "fetch <job-id>",
		Short: "Download the finished card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			data, _, err := client.Fetch(cmd.Context(), args[0])
			var notReady *gateway.NotReadyError
			var failed *gateway.FailedError
			switch {
			case errors.As(err, &notReady):
				return fmt.Errorf("card not ready, job is at %s", notReady.Stage)
			case errors.As(err, &failed):
				return fmt.Errorf("job failed at %s: %s", failed.Stage, failed.Reason)
			case err != nil:
				return err
			}
			if out == "" {
				out = args[0] + ".png"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output file (default <job-id>.png)")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run a failed job from the stage it failed at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			job, err := client.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJobs(cmd, ctx, []models.Job{job})
		},
	}
}

func newFailCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <job-id>",
		Short: "Mark a running job failed at its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			job, err := client.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJobs(cmd, ctx, []models.Job{job})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded as last_error")
	return cmd
}

func newDLQCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Show dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.api()
			if err != nil {
				return err
			}
			items, err := client.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if *ctx.jsonFlag {
				return writeJSON(cmd, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "DLQ is empty")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, it := range items {
				rows = append(rows, []string{
					it.DeadAt.Local().Format(time.DateTime),
					it.Event.Topic,
					it.Event.JobID,
					strconv.Itoa(it.Event.Attempt),
					it.Reason,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Dead At", "Topic", "Job", "Attempt", "Reason"}, rows, 4))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")
	return cmd
}

func printJobs(cmd *cobra.Command, ctx *commandContext, jobs []models.Job) error {
	if *ctx.jsonFlag {
		return writeJSON(cmd, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
		return nil
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.Source,
			j.State(),
			strconv.Itoa(len(j.Artifacts)),
			j.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Source", "State", "Artifacts", "Updated"}, rows, 4))
	return nil
}

func guessMime(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md":
		return "text/plain; charset=utf-8"
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".m4a":
		return "audio/mp4"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
