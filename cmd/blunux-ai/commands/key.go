package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage stored API keys and tokens",
		Long: `Secrets are kept in the OS keyring when one is available, otherwise in
owner-only files under the credentials directory. Environment variables
(ANTHROPIC_API_KEY, DEEPSEEK_API_KEY) take precedence over files.

Examples:
  blunux-ai key set              # key for the configured provider
  blunux-ai key set deepseek
  echo "$TOKEN" | blunux-ai key set discord
  blunux-ai key delete claude`,
	}

	set := &cobra.Command{
		Use:   "set [name]",
		Short: "Store a secret (prompted without echo, or read from stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, creds, err := keyTarget(cmd, args)
			if err != nil {
				return err
			}

			var secret string
			if config.IsInteractive() {
				if secret, err = config.ReadSecret(fmt.Sprintf("Secret for %s: ", name)); err != nil {
					return err
				}
			} else {
				secret, err = bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("reading secret: %w", err)
				}
			}

			backend, err := creds.Store(name, secret)
			if err != nil {
				return err
			}
			fmt.Printf("Stored secret for %s (%s)\n", name, backend)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete [name]",
		Short: "Remove a stored secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, creds, err := keyTarget(cmd, args)
			if err != nil {
				return err
			}
			if err := creds.Delete(name); err != nil {
				return err
			}
			fmt.Printf("Removed secret for %s\n", name)
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

// keyTarget resolves the credential name (default: the configured
// provider) and the store for the selected config directory.
func keyTarget(cmd *cobra.Command, args []string) (string, *config.Credentials, error) {
	dir := configDir(cmd)
	name := ""
	if len(args) > 0 {
		name = strings.ToLower(strings.TrimSpace(args[0]))
	} else {
		cfg, err := config.Load(dir)
		if err != nil {
			if errors.Is(err, config.ErrNoConfig) {
				return "", nil, errors.New("no provider configured, pass a name (claude, deepseek or discord)")
			}
			return "", nil, err
		}
		name = cfg.Agent.Provider
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", nil, fmt.Errorf("invalid credential name %q", name)
	}
	return name, config.NewCredentials(filepath.Join(dir, "credentials")), nil
}
