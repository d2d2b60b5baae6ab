// Package cli wires cobra commands for the two entry points,
// pgbackupd (the supervisor daemon) and pgbackupctl (the admin-socket
// client), following the teacher's internal/cli/root.go shape:
// package-level variables populated by flags, a RunE that builds an
// orchestrator and hands off to it, and signal-aware cancellation.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgbackup/internal/config"
	"github.com/vbp1/pgbackup/internal/daemon"
	"github.com/vbp1/pgbackup/internal/util/signalctx"
)

var daemonCfgPath string

// DaemonRootCmd is pgbackupd's entry point.
var DaemonRootCmd = &cobra.Command{
	Use:           "pgbackupd",
	Short:         "PostgreSQL physical-backup and point-in-time-recovery supervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonCfgPath == "" {
			return fmt.Errorf("--config is required")
		}

		cfg, err := config.Load(daemonCfgPath)
		if err != nil {
			return err
		}

		sup := daemon.New(cfg)

		ctx, cancel, _ := signalctx.WithSignals(context.Background())
		defer cancel()

		slog.Info("pgbackupd starting", "config", daemonCfgPath, "servers", len(cfg.Servers))
		if err := sup.Run(ctx); err != nil {
			return err
		}
		slog.Info("pgbackupd stopped")
		return nil
	},
}

// ExecuteDaemon parses flags and runs pgbackupd's root command.
func ExecuteDaemon() error { return DaemonRootCmd.Execute() }

func init() {
	DaemonRootCmd.Flags().StringVar(&daemonCfgPath, "config", "", "path to the YAML configuration file (required)")
	_ = DaemonRootCmd.MarkFlagRequired("config")
}
