package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"toolbridge/internal/ipc"
)

func newPingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Measure a round trip through the daemon to the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Ping()
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "pong (%dms)\n", resp.LatencyMillis)
				return nil
			})
		},
	}
}
