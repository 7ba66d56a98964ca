package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/cloudworkers/internal/configure"
	"github.com/3cpo-dev/cloudworkers/internal/core"
)

// Deploy the worker software on existing nodes
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy [node...]",
		Short: "Deploy the worker software on existing nodes (all nodes by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			wipe, _ := cmd.Flags().GetBool("wipe")
			prometheus, _ := cmd.Flags().GetBool("prometheus")
			wait, _ := cmd.Flags().GetBool("wait")
			return withFleet(cmd, "deploy", func(a *app, e *core.Engine, overrides map[string]string) error {
				return runConfigure(cmd, a, e, configure.Request{
					Op:        configure.OpDeploy,
					Nodes:     args,
					Overrides: overrides,
					Extra: map[string]string{
						"wipe_nucypher": strconv.FormatBool(wipe),
						"prometheus":    strconv.FormatBool(prometheus),
					},
					WaitReachable: wait,
				})
			})
		},
	}
	addDefaultFlags(cmd)
	cmd.Flags().Bool("wipe", false, "clear the worker configuration on the nodes and start fresh with new keys")
	cmd.Flags().Bool("prometheus", false, "run prometheus on the nodes")
	cmd.Flags().Bool("wait", false, "wait until each node accepts ssh connections first")
	return cmd
}

// Update the worker software on existing nodes
func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [node...]",
		Short: "Update the worker software on existing nodes, keeping their keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			prometheus, _ := cmd.Flags().GetBool("prometheus")
			return withFleet(cmd, "update", func(a *app, e *core.Engine, overrides map[string]string) error {
				return runConfigure(cmd, a, e, configure.Request{
					Op:        configure.OpUpdate,
					Nodes:     args,
					Overrides: overrides,
					Extra:     map[string]string{"prometheus": strconv.FormatBool(prometheus)},
				})
			})
		},
	}
	addDefaultFlags(cmd)
	cmd.Flags().Bool("prometheus", false, "run prometheus on the nodes")
	return cmd
}

// Query worker status and record what the nodes report
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [node...]",
		Short: "Show worker status and record the reported values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, "status", func(a *app, e *core.Engine, _ map[string]string) error {
				return runConfigure(cmd, a, e, configure.Request{
					Op:        configure.OpStatus,
					Nodes:     args,
					ShowTasks: configure.StatusTasks,
				})
			})
		},
	}
}

// Print worker logs
func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs [node...]",
		Short: "Print recent worker logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, "logs", func(a *app, e *core.Engine, _ map[string]string) error {
				return runConfigure(cmd, a, e, configure.Request{Op: configure.OpLogs, Nodes: args})
			})
		},
	}
}

// Back up worker data to the local machine
func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [node...]",
		Short: "Copy worker keys and configuration from the nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, "backup", func(a *app, e *core.Engine, _ map[string]string) error {
				return runConfigure(cmd, a, e, configure.Request{Op: configure.OpBackup, Nodes: args})
			})
		},
	}
}

// Restore a backup onto one node
func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a worker backup onto a single node",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target-host")
			source, _ := cmd.Flags().GetString("source-path")
			return withFleet(cmd, "restore", func(a *app, e *core.Engine, _ map[string]string) error {
				return runConfigure(cmd, a, e, configure.Request{
					Op:    configure.OpRestore,
					Nodes: []string{target},
					Extra: map[string]string{"restore_path": source},
				})
			})
		},
	}
	cmd.Flags().String("target-host", "", "node to restore onto")
	cmd.Flags().String("source-path", "", "local backup directory")
	_ = cmd.MarkFlagRequired("target-host")
	_ = cmd.MarkFlagRequired("source-path")
	return cmd
}

// withFleet opens an existing fleet, applying any default flags, and runs fn.
func withFleet(cmd *cobra.Command, command string, fn func(a *app, e *core.Engine, overrides map[string]string) error) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	overrides, seed := defaultOverrides(cmd)
	e, err := a.open(cmd.Context(), command, core.OpenOptions{
		MustExist:        true,
		SeedNetwork:      seed,
		DefaultOverrides: overrides,
	})
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.Commit(); err != nil {
		return err
	}
	return fn(a, e, overrides)
}

// runConfigure applies req and prints the captured values and ssh hints.
func runConfigure(cmd *cobra.Command, a *app, e *core.Engine, req configure.Request) error {
	out := cmd.OutOrStdout()
	t := a.trigger(e, func(l configure.OutputLine) {
		if l.Host == "" {
			fmt.Fprintln(out, l.Text)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", l.Host, l.Text)
	})
	rep, err := t.Apply(cmd.Context(), req)
	if len(rep.Captured) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		header := table.Row{"node"}
		for _, label := range t.Labels {
			header = append(header, label)
		}
		tw.AppendHeader(header)
		for _, n := range rep.Nodes {
			row := table.Row{n}
			for _, label := range t.Labels {
				row = append(row, rep.Captured[n][label])
			}
			tw.AppendRow(row)
		}
		tw.SetStyle(table.StyleLight)
		tw.Render()
	}
	for _, n := range rep.Nodes {
		fmt.Fprintf(out, "You may ssh into %s with: %s\n", n, rep.Hints[n])
	}
	return err
}
