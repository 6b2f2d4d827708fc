// Package commands implements the blunux-ai CLI using cobra.
package commands

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blunux-ai",
		Short: "blunux-ai - system administration assistant",
		Long: `blunux-ai turns natural-language requests into system administration
actions. Read-only queries run immediately, changes need your confirmation,
and destructive commands are refused.

Examples:
  blunux-ai setup
  blunux-ai chat "how much disk space is left?"
  blunux-ai daemon
  blunux-ai rules list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newSetupCmd(),
		newChatCmd(),
		newStatusCmd(),
		newDaemonCmd(version),
		newMemoryCmd(),
		newRulesCmd(),
		newRelayCmd(),
		newKeyCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "configuration directory (default $BLUNUX_AI_HOME or ~/.config/blunux-ai)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// configDir returns the --config directory or the default.
func configDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Root().PersistentFlags().GetString("config"); dir != "" {
		return dir
	}
	return config.DefaultDir()
}

// loadConfig loads config.yaml from the selected directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configDir(cmd))
}

// newLogger builds the slog logger described by cfg. Interactive
// commands log to stderr in text form so output stays readable.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer, forceText bool) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if forceText || cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// quietLogger logs warnings and above to stderr unless -v is set.
func quietLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if verbose {
		return newLogger(cmd, cfg, os.Stderr, true)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
