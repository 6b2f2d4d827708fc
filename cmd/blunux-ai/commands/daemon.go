package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/daemon"
)

func newDaemonCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background agent",
		Long: `Start the agent as a long-running service. It listens on a local
unix socket for relay and client messages and runs the automations in
automations.yaml, queueing their results for the relay.

Examples:
  blunux-ai daemon
  blunux-ai daemon --config /etc/blunux-ai -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, version)
		},
	}
	return cmd
}

func runDaemon(cmd *cobra.Command, version string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return errors.New("not configured yet, run 'blunux-ai setup' first")
		}
		return err
	}

	logger := newLogger(cmd, cfg, os.Stdout, false)

	d, err := daemon.New(cfg, daemon.Deps{Logger: logger, Version: version})
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("blunux-ai daemon starting. Press Ctrl+C to stop.")
	return d.Run(ctx)
}
