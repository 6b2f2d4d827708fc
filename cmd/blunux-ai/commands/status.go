package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/daemon"
	"github.com/nidoit/blunux2SB/pkg/aiagent/scheduler"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, daemon and audit status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().Int("recent", 5, "number of recent audit entries to show")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			fmt.Println("Not configured. Run: blunux-ai setup")
			return nil
		}
		return err
	}

	fmt.Println("blunux-ai status")
	fmt.Println()
	fmt.Printf("  Config:     %s\n", cfg.FilePath())
	fmt.Printf("  Provider:   %s", cfg.Agent.Provider)
	if cfg.Agent.Provider == config.ProviderClaude {
		fmt.Printf(" (%s)", cfg.Agent.ClaudeMode)
	}
	fmt.Println()
	fmt.Printf("  Model:      %s\n", cfg.Agent.Model)
	fmt.Printf("  Language:   %s\n", cfg.Agent.Language)
	fmt.Printf("  Safe mode:  %v\n", cfg.Agent.SafeMode)

	if cfg.NeedsCredential() {
		creds := config.NewCredentials(cfg.CredentialsDir())
		state := "missing"
		if creds.Has(cfg.Agent.Provider) {
			state = "stored"
		}
		fmt.Printf("  API key:    %s\n", state)
	}

	rules, err := scheduler.LoadRules(cfg.RulesPath())
	if err != nil {
		fmt.Printf("  Rules:      invalid (%v)\n", err)
	} else {
		enabled := 0
		for _, r := range rules {
			if r.IsEnabled() {
				enabled++
			}
		}
		fmt.Printf("  Rules:      %d (%d enabled)\n", len(rules), enabled)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	st, err := daemon.Probe(ctx, cfg.SocketPath())
	if err != nil {
		fmt.Printf("  Daemon:     not running (%s)\n", cfg.SocketPath())
	} else {
		fmt.Printf("  Daemon:     running %s, up %s\n", st.Version, st.Uptime)
		fmt.Printf("  Queue:      %d queued, %d dropped\n", st.Queued, st.Dropped)
		fmt.Printf("  Automations: %d loaded, %d running\n", st.Rules, st.Running)
		fmt.Printf("  Sessions:   %d\n", st.Sessions)
	}

	n, _ := cmd.Flags().GetInt("recent")
	if n <= 0 {
		return nil
	}
	audit, err := daemon.OpenAudit(cfg, quietLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer audit.Close()
	recent, err := audit.Recent(n)
	if err != nil {
		return err
	}
	fmt.Println()
	if len(recent) == 0 {
		fmt.Println("No commands recorded yet.")
		return nil
	}
	fmt.Println("Recent commands:")
	for _, line := range recent {
		fmt.Printf("  %s\n", line)
	}
	return nil
}
