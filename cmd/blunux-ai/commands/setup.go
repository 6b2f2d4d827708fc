package commands

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/memory"
	"github.com/nidoit/blunux2SB/pkg/aiagent/scheduler"
)

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create or update the configuration",
		Long: `Walk through provider, model, language and safety settings, store the
API key in the OS keyring (or an owner-only file), write the default
automation rules and collect system information.

Examples:
  blunux-ai setup
  blunux-ai setup --non-interactive --provider deepseek --api-key sk-...
  blunux-ai setup --non-interactive --provider claude --mode oauth --language ko`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}

	cmd.Flags().Bool("non-interactive", false, "use flags instead of the interactive form")
	cmd.Flags().String("provider", "", "claude or deepseek")
	cmd.Flags().String("mode", "", "claude mode: api or oauth")
	cmd.Flags().String("model", "", "model id")
	cmd.Flags().String("language", "", "reply language: en or ko")
	cmd.Flags().String("api-key", "", "API key to store")
	cmd.Flags().Bool("safe-mode", true, "require confirmation for unrecognized commands")
	cmd.Flags().String("audit", "", "audit backend: file or sqlite")
	cmd.Flags().StringSlice("allow", nil, "relay sender IDs allowed to talk to the agent")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	dir := configDir(cmd)
	cfg, err := config.Load(dir)
	if err != nil {
		if !errors.Is(err, config.ErrNoConfig) {
			return err
		}
		cfg = config.DefaultConfig()
		cfg.Dir = dir
	}
	creds := config.NewCredentials(cfg.CredentialsDir())

	nonInteractive, _ := cmd.Flags().GetBool("non-interactive")
	var apiKey string
	if nonInteractive || !config.IsInteractive() {
		apiKey, err = applySetupFlags(cmd, cfg)
	} else {
		apiKey, err = runSetupForm(cfg, creds)
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", cfg.FilePath())

	if cfg.NeedsCredential() {
		switch {
		case apiKey != "":
			backend, err := creds.Store(cfg.Agent.Provider, apiKey)
			if err != nil {
				return fmt.Errorf("storing API key: %w", err)
			}
			fmt.Printf("API key stored (%s)\n", backend)
		case !creds.Has(cfg.Agent.Provider):
			fmt.Printf("No API key stored yet. Run 'blunux-ai key set %s' or set %s.\n",
				cfg.Agent.Provider, config.EnvVar(cfg.Agent.Provider))
		}
	} else if _, err := exec.LookPath(claudeBinary(cfg)); err != nil {
		fmt.Println("The claude CLI was not found in PATH. Install it and log in once before chatting.")
	}

	created, err := scheduler.InitRules(cfg.RulesPath())
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Default automations written to %s\n", cfg.RulesPath())
	}

	mem, err := memory.Open(cfg.MemoryDir(), filepath.Join(cfg.LogsDir(), "commands.log"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := mem.RefreshSystemInfo(ctx); err != nil {
		fmt.Printf("Could not collect system information: %v\n", err)
	}

	fmt.Println()
	fmt.Println("Setup complete. Try: blunux-ai chat")
	return nil
}

func claudeBinary(cfg *config.Config) string {
	if cfg.Agent.ClaudeBinary != "" {
		return cfg.Agent.ClaudeBinary
	}
	return "claude"
}

// applySetupFlags copies explicitly set flags into cfg and returns the
// API key flag.
func applySetupFlags(cmd *cobra.Command, cfg *config.Config) (string, error) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("provider"); v != "" {
		if v != cfg.Agent.Provider {
			cfg.Agent.Model = ""
		}
		cfg.Agent.Provider = strings.ToLower(v)
	}
	if v, _ := flags.GetString("mode"); v != "" {
		cfg.Agent.ClaudeMode = strings.ToLower(v)
	}
	if v, _ := flags.GetString("model"); v != "" {
		cfg.Agent.Model = v
	}
	if v, _ := flags.GetString("language"); v != "" {
		cfg.Agent.Language = strings.ToLower(v)
	}
	if flags.Changed("safe-mode") {
		cfg.Agent.SafeMode, _ = flags.GetBool("safe-mode")
	}
	if v, _ := flags.GetString("audit"); v != "" {
		cfg.Executor.Audit.Backend = v
	}
	if v, _ := flags.GetStringSlice("allow"); len(v) > 0 {
		cfg.Relay.AllowedSenders = v
		cfg.Relay.Enabled = true
	}
	key, _ := flags.GetString("api-key")
	return strings.TrimSpace(key), nil
}

// runSetupForm asks for every setting with a huh form.
func runSetupForm(cfg *config.Config, creds *config.Credentials) (string, error) {
	provider := cfg.Agent.Provider
	mode := cfg.Agent.ClaudeMode
	model := cfg.Agent.Model
	language := cfg.Agent.Language
	safe := cfg.Agent.SafeMode
	audit := cfg.Executor.Audit.Backend
	var apiKey string

	needsKey := func() bool {
		return !(provider == config.ProviderClaude && mode == config.ModeOAuth)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("AI provider").
				Options(
					huh.NewOption("Claude (Anthropic)", config.ProviderClaude),
					huh.NewOption("DeepSeek", config.ProviderDeepSeek),
				).
				Value(&provider),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How should blunux-ai reach Claude?").
				Options(
					huh.NewOption("Use my logged-in claude CLI session", config.ModeOAuth),
					huh.NewOption("Use an API key", config.ModeAPI),
				).
				Value(&mode),
		).WithHideFunc(func() bool { return provider != config.ProviderClaude }),
		huh.NewGroup(
			huh.NewInput().
				TitleFunc(func() string {
					if creds.Has(provider) {
						return "API key (leave empty to keep the stored key)"
					}
					return "API key"
				}, &provider).
				EchoMode(huh.EchoModePassword).
				Value(&apiKey).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" && !creds.Has(provider) {
						return errors.New("an API key is required")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return !needsKey() }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model").
				OptionsFunc(func() []huh.Option[string] {
					return huh.NewOptions(config.Models(provider)...)
				}, &provider).
				Value(&model),
			huh.NewSelect[string]().
				Title("Reply language").
				Options(
					huh.NewOption("English", "en"),
					huh.NewOption("한국어", "ko"),
				).
				Value(&language),
			huh.NewConfirm().
				Title("Safe mode").
				Description("Ask before running any command that is not a known read-only query.").
				Value(&safe),
			huh.NewSelect[string]().
				Title("Command audit log").
				Options(
					huh.NewOption("Plain text file", config.AuditFile),
					huh.NewOption("SQLite database", config.AuditSQLite),
				).
				Value(&audit),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", errors.New("setup cancelled")
		}
		return "", err
	}

	cfg.Agent.Provider = provider
	cfg.Agent.ClaudeMode = mode
	cfg.Agent.Model = model
	cfg.Agent.Language = language
	cfg.Agent.SafeMode = safe
	cfg.Executor.Audit.Backend = audit
	return strings.TrimSpace(apiKey), nil
}
