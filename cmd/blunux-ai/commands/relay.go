package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/relay"
)

// discordCredential is the credential store key for the bot token.
const discordCredential = "discord"

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Bridge a messaging channel to the daemon",
		Long: `Connect to the configured messaging transport, forward messages from
allowed senders to the daemon and deliver automation results back.
The daemon must be running.

The Discord bot token is read from relay.discord.token or from the
credential store ('blunux-ai key set discord').

Examples:
  blunux-ai relay
  blunux-ai relay -v`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return errors.New("not configured yet, run 'blunux-ai setup' first")
		}
		return err
	}
	if !cfg.Relay.Enabled {
		return errors.New("relay is disabled, set relay.enabled in config.yaml")
	}
	if cfg.Relay.Transport != "" && cfg.Relay.Transport != "discord" {
		return fmt.Errorf("unsupported relay transport %q", cfg.Relay.Transport)
	}

	logger := newLogger(cmd, cfg, os.Stdout, false)

	token := cfg.Relay.Discord.Token
	if token == "" {
		creds := config.NewCredentials(cfg.CredentialsDir())
		token, err = creds.Get(discordCredential)
		if err != nil {
			return fmt.Errorf("no Discord bot token: %w", err)
		}
	}

	gate := relay.NewGate(cfg.Relay, nil)
	if len(gate.Recipients()) == 0 && !cfg.Relay.AllowAll {
		logger.Warn("relay.allowed_senders is empty, every inbound message will be ignored")
	}

	r := relay.New(relay.Options{
		SocketPath:       cfg.SocketPath(),
		PollInterval:     cfg.Relay.PollInterval,
		MaxMessageLength: cfg.Relay.MaxMessageLength,
		Strings:          config.StringsFor(cfg.Agent.Language),
		Logger:           logger,
	}, relay.NewDiscord(token, logger), gate)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.Run(ctx)
}
