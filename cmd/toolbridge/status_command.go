package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"toolbridge/internal/ipc"
	"toolbridge/internal/router"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				status := resp.Status
				colorize := shouldColorize(stdout)

				fmt.Fprintln(stdout, renderSectionHeader("Daemon", colorize))
				fmt.Fprintln(stdout, renderStatusLine("Running", boolKind(status.Running), "", colorize))
				fmt.Fprintln(stdout, renderStatusLine("PID", statusInfo, strconv.Itoa(status.PID), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Socket", statusInfo, status.SocketPath, colorize))
				fmt.Fprintln(stdout)

				worker := status.Bridge.Worker
				fmt.Fprintln(stdout, renderSectionHeader("Worker", colorize))
				fmt.Fprintln(stdout, renderStatusLine("State", workerStateKind(worker.State), worker.State, colorize))
				if worker.PID > 0 {
					fmt.Fprintln(stdout, renderStatusLine("PID", statusInfo, strconv.Itoa(worker.PID), colorize))
				}
				if worker.Generation != "" {
					fmt.Fprintln(stdout, renderStatusLine("Generation", statusInfo, worker.Generation, colorize))
				}
				fmt.Fprintln(stdout, renderStatusLine("Restarts", statusInfo, strconv.FormatUint(worker.RestartsTotal, 10), colorize))
				if worker.LastError != "" {
					fmt.Fprintln(stdout, renderStatusLine("Last error", statusWarn, worker.LastError, colorize))
				}
				if !worker.NextRestartAt.IsZero() {
					fmt.Fprintln(stdout, renderStatusLine("Next restart", statusInfo, worker.NextRestartAt.Format(time.RFC3339), colorize))
				}
				fmt.Fprintln(stdout)

				fmt.Fprintln(stdout, renderSectionHeader("Calls", colorize))
				fmt.Fprintln(stdout, renderCounterTable(buildCallRows(status.Bridge.Calls)))

				fmt.Fprintln(stdout, renderSectionHeader("Resources", colorize))
				fmt.Fprintln(stdout, renderStatusLine("Tracked handles", statusInfo, strconv.Itoa(status.Bridge.Handles), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Subscribers", statusInfo, strconv.Itoa(status.Bridge.Subscribers), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Events dropped", statusInfo, strconv.FormatUint(status.Bridge.EventsDropped, 10), colorize))
				return nil
			})
		},
	}
}

// renderCounterTable lays the call counters out as a two-column table,
// labels left and values right.
func renderCounterTable(rows [][2]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Counter", "Value"})
	for _, row := range rows {
		tw.AppendRow(table.Row{row[0], row[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func buildCallRows(calls router.Snapshot) [][2]string {
	rows := [][2]string{
		{"In flight", strconv.Itoa(calls.InFlight)},
		{"Queued", strconv.Itoa(calls.Queued)},
		{"Completed", strconv.FormatUint(calls.Completed, 10)},
		{"Failed", strconv.FormatUint(calls.Failed, 10)},
		{"Timed out", strconv.FormatUint(calls.TimedOut, 10)},
		{"Cancelled", strconv.FormatUint(calls.Cancelled, 10)},
		{"Rejected", strconv.FormatUint(calls.Rejected, 10)},
		{"Anomalies", strconv.FormatUint(calls.Anomalies, 10)},
	}
	if calls.Latency.Samples > 0 {
		rows = append(rows,
			[2]string{"Latency mean", calls.Latency.Mean.Round(time.Millisecond).String()},
			[2]string{"Latency p50", calls.Latency.P50.Round(time.Millisecond).String()},
			[2]string{"Latency p95", calls.Latency.P95.Round(time.Millisecond).String()},
		)
	}
	return rows
}

func boolKind(value bool) statusKind {
	if value {
		return statusOK
	}
	return statusError
}

func workerStateKind(state string) statusKind {
	switch state {
	case "running":
		return statusOK
	case "degraded", "crashed", "restarting":
		return statusWarn
	case "failed":
		return statusError
	default:
		return statusInfo
	}
}
