package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/memory"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or reset the agent's memory",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print all memory files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openMemory(cmd)
			if err != nil {
				return err
			}
			fmt.Print(store.ShowAll())
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory for lines containing the query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMemory(cmd)
			if err != nil {
				return err
			}
			hits := store.Search(args[0], 20)
			if len(hits) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, h := range hits {
				fmt.Println(h)
			}
			return nil
		},
	}

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Collect system information again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openMemory(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := store.RefreshSystemInfo(ctx); err != nil {
				return err
			}
			fmt.Println("System information updated.")
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the long-term memory and daily logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openMemory(cmd)
			if err != nil {
				return err
			}
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				if !config.IsInteractive() {
					return errors.New("refusing to clear memory without --yes")
				}
				if err := huh.NewConfirm().
					Title("Clear all memory?").
					Description("System information is kept and can be refreshed.").
					Value(&yes).
					Run(); err != nil {
					return err
				}
			}
			if !yes {
				fmt.Println("Cancelled.")
				return nil
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("Memory cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolP("yes", "y", false, "skip the confirmation")

	cmd.AddCommand(show, search, refresh, clearCmd)
	return cmd
}

func openMemory(cmd *cobra.Command) (*memory.Store, error) {
	dir := configDir(cmd)
	cfg, err := config.Load(dir)
	if err != nil {
		if !errors.Is(err, config.ErrNoConfig) {
			return nil, err
		}
		cfg = config.DefaultConfig()
		cfg.Dir = dir
	}
	return memory.Open(cfg.MemoryDir(), filepath.Join(cfg.LogsDir(), "commands.log"))
}
