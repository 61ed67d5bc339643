package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"toolbridge/internal/ipc"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	var paramsArg string
	var timeout time.Duration
	var priority int

	cmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Invoke a worker method and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.TrimSpace(args[0])
			if method == "" {
				return fmt.Errorf("method is required")
			}

			var params json.RawMessage
			if trimmed := strings.TrimSpace(paramsArg); trimmed != "" {
				if !json.Valid([]byte(trimmed)) {
					return fmt.Errorf("params must be valid JSON")
				}
				params = json.RawMessage(trimmed)
			}

			stdout := cmd.OutOrStdout()
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Call(method, params, timeout, priority)
				if err != nil {
					return fmt.Errorf("call %s: %w", method, err)
				}
				fmt.Fprintln(stdout, formatResult(resp.Result))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&paramsArg, "params", "p", "", "Request parameters as a JSON document")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (0 uses the configured default)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority; higher values dispatch first")
	return cmd
}

func formatResult(result json.RawMessage) string {
	if len(result) == 0 {
		return "null"
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		return string(result)
	}
	return pretty.String()
}
