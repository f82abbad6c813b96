package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"strand/internal/daemon"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status daemon.Status
			if err := ctx.get("/api/status", &status); err != nil {
				return err
			}

			rows := [][]string{
				{"Running", strconv.FormatBool(status.Running)},
				{"API address", status.APIAddress},
				{"Active recordings", strconv.Itoa(status.ActiveRecordings)},
				{"Event listeners", strconv.Itoa(status.EventListeners)},
				{"Recordings total", strconv.Itoa(status.Recordings.Total)},
				{"In progress", strconv.Itoa(status.Recordings.InProgress)},
				{"Completed", strconv.Itoa(status.Recordings.Completed)},
				{"Failed", strconv.Itoa(status.Recordings.Failed)},
				{"Stopped", strconv.Itoa(status.Recordings.Stopped)},
				{"Database", status.DBPath},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}
