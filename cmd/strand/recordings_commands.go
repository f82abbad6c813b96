package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"strand/internal/recordings"
)

func newRecordingsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recordings",
		Aliases: []string{"rec"},
		Short:   "Manage recordings",
	}
	cmd.AddCommand(newRecordingsListCommand(ctx))
	cmd.AddCommand(newRecordingsStartCommand(ctx))
	cmd.AddCommand(newRecordingsStopCommand(ctx))
	cmd.AddCommand(newRecordingsRetryCommand(ctx))
	return cmd
}

func newRecordingsListCommand(ctx *commandContext) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/recordings"
			if len(states) > 0 {
				query := url.Values{}
				for _, state := range states {
					query.Add("state", state)
				}
				path += "?" + query.Encode()
			}

			var resp struct {
				Recordings []recordings.RecordingSummary `json:"recordings"`
			}
			if err := ctx.get(path, &resp); err != nil {
				return err
			}
			if len(resp.Recordings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recordings")
				return nil
			}

			rows := make([][]string, 0, len(resp.Recordings))
			for _, rec := range resp.Recordings {
				rows = append(rows, []string{
					strconv.FormatInt(rec.ID, 10),
					rec.StreamRef,
					string(rec.State),
					strconv.Itoa(rec.Segment),
					strconv.Itoa(rec.RecoveryCount),
					string(rec.Pipeline),
					rec.StartedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			headers := []string{"ID", "Stream", "State", "Segments", "Recoveries", "Pipeline", "Started"}
			aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by state (repeatable)")
	return cmd
}

func newRecordingsStartCommand(ctx *commandContext) *cobra.Command {
	var producerRef string

	cmd := &cobra.Command{
		Use:   "start <stream-ref>",
		Short: "Start recording a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamRef := strings.TrimSpace(args[0])
			if streamRef == "" {
				return fmt.Errorf("stream ref must not be empty")
			}

			var resp struct {
				Recording recordings.RecordingSummary `json:"recording"`
			}
			body := map[string]string{"stream_ref": streamRef}
			if producerRef != "" {
				body["producer_ref"] = producerRef
			}
			if err := ctx.post("/api/recordings", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recording %d started for %s\n", resp.Recording.ID, resp.Recording.StreamRef)
			return nil
		},
	}

	cmd.Flags().StringVar(&producerRef, "producer", "", "Producer ref for liveness checks (defaults to the stream ref)")
	return cmd
}

func newRecordingsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-run a failed post-processing pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid recording id %q", args[0])
			}
			if err := ctx.post(fmt.Sprintf("/api/recordings/%d/retry", id), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline for recording %d queued again\n", id)
			return nil
		},
	}
}

func newRecordingsStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop an active recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid recording id %q", args[0])
			}

			var resp struct {
				Recording recordings.RecordingSummary `json:"recording"`
			}
			if err := ctx.post(fmt.Sprintf("/api/recordings/%d/stop", id), nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recording %d stopped (%d segments captured)\n", id, resp.Recording.Segment)
			return nil
		},
	}
}
