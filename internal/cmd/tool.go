package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newToolCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Invoke methods on the configured tool host",
	}
	cmd.AddCommand(
		newToolCallCmd(a),
		newToolExecCmd(a),
		newToolFetchCmd(a),
		newToolHealthCmd(a),
	)
	return cmd
}

func newToolCallCmd(a *app) *cobra.Command {
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Call a tool method with raw JSON params",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return &usageError{fmt.Errorf("--params must be a JSON object: %w", err)}
				}
			}

			client, err := a.mcpClient()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Call(cmd.Context(), args[0], params)
			if err != nil {
				return fmt.Errorf("tool call %s: %w", args[0], err)
			}

			var pretty bytes.Buffer
			if json.Indent(&pretty, result, "", "  ") == nil {
				fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), string(result))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "method params as a JSON object")
	return cmd
}

func newToolExecCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Run a shell command on the tool host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.mcpClient()
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.RunShell(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Stdout != "" {
				fmt.Fprint(out, res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("remote command exited with code %d", res.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "remote execution timeout (0 uses the host default)")
	return cmd
}

func newToolFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the tool host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.mcpClient()
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Body)
			if res.StatusCode >= 400 {
				return fmt.Errorf("fetch returned status %d", res.StatusCode)
			}
			return nil
		},
	}
}

func newToolHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the tool host is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.mcpClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Healthy(cmd.Context()); err != nil {
				return fmt.Errorf("tool host %s: %w", a.cfg.MCP.ServerURL, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tool host %s is healthy\n", a.cfg.MCP.ServerURL)
			return nil
		},
	}
}
