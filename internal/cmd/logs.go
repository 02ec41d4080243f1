package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/azos-dev/azos/internal/store"
)

func newLogsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage the runtime's log files",
	}
	cmd.AddCommand(
		newLogsShowCmd(a),
		newLogsExportCmd(a),
		newLogsRotateCmd(a),
		newLogsCleanupCmd(a),
		newLogsStatusCmd(a),
	)
	return cmd
}

func newLogsShowCmd(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the tail of the system log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			path := filepath.Join(a.cfg.LogDir, "azos.log")
			f, err := os.Open(path)
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "no log file yet")
				return nil
			}
			if err != nil {
				return err
			}
			defer f.Close()

			// Keep only the last N lines; the log rotates at a bounded
			// size so a single pass is fine.
			ring := make([]string, 0, lines)
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				if len(ring) == lines {
					ring = ring[1:]
				}
				ring = append(ring, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			for _, line := range ring {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of trailing lines")
	return cmd
}

func newLogsExportCmd(a *app) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored execution logs as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return &usageError{fmt.Errorf("--task is required")}
			}
			st, err := a.store()
			if err != nil {
				return err
			}
			logs, err := st.ListLogs(cmd.Context(), taskID, store.LogFilter{})
			if err != nil {
				return err
			}

			type exportLog struct {
				Level     string         `json:"level"`
				Message   string         `json:"message"`
				Metadata  map[string]any `json:"metadata,omitempty"`
				Timestamp string         `json:"timestamp"`
			}
			out := make([]exportLog, 0, len(logs))
			for _, l := range logs {
				out = append(out, exportLog{
					Level:     string(l.Level),
					Message:   l.Message,
					Metadata:  l.Metadata,
					Timestamp: l.Timestamp.UTC().Format(time.RFC3339Nano),
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task whose logs to export")
	return cmd
}

func newLogsRotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Force rotation of the system log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.logger()
			if err != nil {
				return err
			}
			if err := log.Rotate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "log rotated")
			return nil
		},
	}
}

func newLogsCleanupCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old task logs and stored log rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.logger()
			if err != nil {
				return err
			}
			st, err := a.store()
			if err != nil {
				return err
			}

			removedFiles, err := log.Cleanup(olderThan)
			if err != nil {
				return err
			}
			removedRows, err := st.PurgeLogs(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d task log files and %d stored log rows\n",
				removedFiles, removedRows)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age threshold")
	return cmd
}

func newLogsStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show log directory usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "log dir: %s\n", a.cfg.LogDir)

			var files, bytes int64
			err := filepath.Walk(a.cfg.LogDir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				files++
				bytes += info.Size()
				return nil
			})
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "no logs yet")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "files:   %d\n", files)
			fmt.Fprintf(out, "size:    %.1f MB\n", float64(bytes)/(1<<20))
			return nil
		},
	}
}
