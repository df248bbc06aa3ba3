package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codeberg.org/mutker/powertrace/internal/collector"
	"codeberg.org/mutker/powertrace/internal/config"
	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/export"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/pid"
	"codeberg.org/mutker/powertrace/internal/state"
	"codeberg.org/mutker/powertrace/internal/storage"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var version = "dev"

const stopPollInterval = 100 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "powertrace",
		Short:         "Record power telemetry of this machine in sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newStopCmd(&configPath))
	root.AddCommand(newStatusCmd(&configPath))
	root.AddCommand(newSessionsCmd(&configPath))
	root.AddCommand(newExportCmd(&configPath))
	return root
}

func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	opts := []config.Option{config.WithFlags(cmd.Flags())}
	if configPath != "" {
		opts = append(opts, config.WithConfigFile(configPath))
	}

	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Str("database", cfg.Database).Msg("Config loaded")

	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	return storage.Open(ctx, storage.Config{DBPath: cfg.Database}, logger.WithComponent("storage"))
}

func newRunCmd(configPath *string) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Record a session in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			if err := pid.Write(cfg.PIDDir); err != nil {
				return err
			}
			defer func() {
				if err := pid.Remove(cfg.PIDDir); err != nil {
					logger.Error().Err(err).Msg("Failed to remove PID file")
				}
			}()

			host, err := collector.Open(cmd.Context(), cfg, logger.WithComponent("collector"),
				collector.WithVersion(version))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			meta, runErr := host.Run(ctx, notes)
			closeErr := host.Close()
			if runErr != nil {
				return runErr
			}

			logger.Info().
				Str("session_id", meta.ID.String()).
				Msg("Exiting...")

			return closeErr
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes stored with the session")
	return cmd
}

func newStopCmd(configPath *string) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running collector and wait for its final flush",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			process, err := pid.Signal(cfg.PIDDir, syscall.SIGTERM)
			if err != nil {
				if errors.HasCode(err, errors.ErrNotRunning) {
					fmt.Fprintln(cmd.OutOrStdout(), "No collector is running")
					return nil
				}
				return err
			}

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				if _, err := pid.Running(cfg.PIDDir); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Collector %d stopped\n", process)
					return nil
				}
				time.Sleep(stopPollInterval)
			}

			return errors.New().WithData(errors.ErrTimeout, struct {
				PID  int
				Wait time.Duration
			}{process, wait})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for the collector to exit")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	var withCount bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current or last session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if process, err := pid.Running(cfg.PIDDir); err == nil {
				fmt.Fprintf(out, "Collector:  running (pid %d)\n", process)
			} else {
				fmt.Fprintln(out, "Collector:  not running")
			}

			snap, err := state.NewFile(cfg.StateFile).Load()
			if err != nil {
				if errors.HasCode(err, state.ErrNoSnapshot) {
					fmt.Fprintln(out, "Session:    none recorded")
					return nil
				}
				return err
			}

			fmt.Fprintf(out, "Session:    %s\n", snap.SessionID)
			fmt.Fprintf(out, "Started:    %s\n", snap.StartedAt.Local().Format(time.RFC3339))
			if snap.Active() {
				fmt.Fprintf(out, "State:      active for %s\n", time.Since(snap.StartedAt).Round(time.Second))
			} else {
				fmt.Fprintf(out, "State:      completed %s\n", snap.CompletedAt.Local().Format(time.RFC3339))
			}
			if snap.Notes != "" {
				fmt.Fprintf(out, "Notes:      %s\n", snap.Notes)
			}

			if withCount {
				store, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				n, err := store.CountSamples(cmd.Context(), snap.SessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Samples:    %d\n", n)
			}

			return nil
		},
	}
	cmd.Flags().BoolVar(&withCount, "count", false, "Also count the stored samples")
	return cmd
}

func newSessionsCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Session", "Started", "Duration", "Samples", "Notes"})
			table.SetAutoWrapText(false)
			for _, s := range sessions {
				n, err := store.CountSamples(cmd.Context(), s.ID)
				if err != nil {
					return err
				}

				duration := "active"
				if !s.Active() {
					duration = s.Duration(time.Now()).Round(time.Second).String()
				}

				table.Append([]string{
					s.ID.String(),
					s.StartedAt.Local().Format(time.DateTime),
					duration,
					strconv.FormatInt(n, 10),
					s.Notes,
				})
			}
			table.Render()

			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of sessions to list, 0 for all")
	return cmd
}

func newExportCmd(configPath *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session's samples to a Parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.New().Wrap(errors.ErrInvalidArgument, err)
			}

			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if output == "" {
				output = id.String() + ".parquet"
			}

			n, err := export.New(store, logger.WithComponent("export")).WriteFile(cmd.Context(), id, output)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d samples to %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <session-id>.parquet)")
	return cmd
}
