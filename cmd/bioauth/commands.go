package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, realtime feed and automatic syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
}

func newSyncCmd() *cobra.Command {
	var employees bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull the device attendance log once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			syncer := a.newSyncer()
			if employees {
				res, err := syncer.SyncEmployees(cmd.Context())
				if err != nil {
					return fmt.Errorf("syncing employees (sync %s): %w", res.SyncID, err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			}

			res, err := syncer.SyncAttendance(cmd.Context())
			if err != nil {
				return fmt.Errorf("syncing attendance (sync %s): %w", res.SyncID, err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&employees, "employees", false, "sync the employee roster instead of attendance")
	return cmd
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the device is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.newSyncer().Ping(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"address":    a.device.Config().Address(),
				"reachable":  res.Reachable,
				"latency_ms": res.Latency.Milliseconds(),
			}); err != nil {
				return err
			}
			if !res.Reachable {
				return fmt.Errorf("device %s is unreachable", a.device.Config().Address())
			}
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device identity and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.newSyncer().DeviceInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading device info: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newEmployeesCmd() *cobra.Command {
	var fromDevice bool
	cmd := &cobra.Command{
		Use:   "employees",
		Short: "List stored employees, or the roster enrolled on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if fromDevice {
				if err := a.device.Connect(cmd.Context()); err != nil {
					return fmt.Errorf("connecting to device: %w", err)
				}
				roster, err := a.device.GetEmployees(cmd.Context())
				if err != nil {
					return fmt.Errorf("reading device roster: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), roster)
			}

			employees, err := a.repo.ListEmployees(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing employees: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), employees)
		},
	}
	cmd.Flags().BoolVar(&fromDevice, "device", false, "read the roster from the device instead of the database")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent sync runs and record counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			syncer := a.newSyncer()
			report, err := syncer.Status(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("reading sync status: %w", err)
			}
			info, err := syncer.LastSyncInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading sync info: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"info":    info,
				"current": report.Current,
				"device":  report.Device,
				"logs":    report.Logs,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of sync logs to show")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and show their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// newApp applies pending migrations.
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if down {
				if err := a.db.MigrateDown(cmd.Context()); err != nil {
					return fmt.Errorf("rolling back migration: %w", err)
				}
			}

			applied, pending, err := a.db.MigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading migration status: %w", err)
			}
			appliedVersions := make([]string, 0, len(applied))
			for _, m := range applied {
				appliedVersions = append(appliedVersions, m.Version)
			}
			pendingVersions := make([]string, 0, len(pending))
			for _, m := range pending {
				pendingVersions = append(pendingVersions, m.Version+"_"+m.Name)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"database": a.db.Path(),
				"applied":  appliedVersions,
				"pending":  pendingVersions,
			})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}
