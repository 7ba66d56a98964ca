package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// List namespaces of a network
func newListNamespacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-namespaces",
		Short: "List the namespaces that have fleet state on a network",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			namespaces, err := a.store.Namespaces(a.network)
			if err != nil {
				return err
			}
			for _, ns := range namespaces {
				fmt.Fprintln(cmd.OutOrStdout(), ns)
			}
			return nil
		},
	}
}

// List the recorded hosts of a namespace
func newListHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-hosts",
		Short: "Print what is recorded about the hosts of a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			includeData, _ := cmd.Flags().GetBool("include-data")
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requireNamespace(); err != nil {
				return err
			}
			if err := a.store.RequireExists(a.network, a.namespace); err != nil {
				return err
			}
			cfg, err := a.store.Load(a.network, a.namespace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"node", "provider", "address", "instance", "status", "configured"})
			for _, rec := range cfg.InstancesFor("") {
				configured := ""
				if rec.ConfiguredAt != nil {
					configured = rec.ConfiguredAt.Format(time.RFC3339)
				}
				tw.AppendRow(table.Row{rec.NodeName, rec.Provider, rec.PublicAddress, rec.InstanceID, rec.Status, configured})
			}
			tw.SetStyle(table.StyleLight)
			tw.Render()
			if cfg.SeedNode != "" {
				fmt.Fprintf(out, "seed node: %s\n", cfg.SeedNode)
			}
			if !includeData {
				return nil
			}
			for _, rec := range cfg.InstancesFor("") {
				fmt.Fprintln(out, rec.NodeName)
				for _, attr := range rec.DeployAttrs {
					fmt.Fprintf(out, "\t%s: %s\n", attr.Key, attr.Value)
				}
				printMap(cmd, rec.HostVars)
				printMap(cmd, rec.Captured)
			}
			return nil
		},
	}
	cmd.Flags().Bool("include-data", false, "print the recorded data of each host")
	return cmd
}

func printMap(cmd *cobra.Command, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "\t%s: %s\n", k, m[k])
	}
}

// Show the operations journal of a namespace
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded fleet operations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.requireNamespace(); err != nil {
				return err
			}
			if a.journal == nil {
				return errors.New("no journal configured; set `journal` in the config file")
			}
			entries, err := a.journal.List(cmd.Context(), a.network, a.namespace, limit)
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"time", "command", "provider", "event", "subject", "detail"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.At.Local().Format(time.DateTime), e.Command, e.Provider, e.Kind, e.Subject, e.Detail})
			}
			tw.SetStyle(table.StyleLight)
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 100, "number of events to show")
	return cmd
}
