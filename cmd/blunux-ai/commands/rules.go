package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/daemon"
	"github.com/nidoit/blunux2SB/pkg/aiagent/scheduler"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"automations"},
		Short:   "Manage scheduled automations",
		Long: `Automations live in automations.yaml next to config.yaml. Each rule has
a name, a 5-field cron schedule, a natural-language action and a notify
target ("all" or a relay sender ID). The daemon reloads the file every
minute.

Examples:
  blunux-ai rules list
  blunux-ai rules check "0 */6 * * *"
  blunux-ai rules run health-check`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules with their next run",
		Args:  cobra.NoArgs,
		RunE:  runRulesList,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default rules if no rules file exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := filepath.Join(configDir(cmd), "automations.yaml")
			created, err := scheduler.InitRules(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Default rules written to %s\n", path)
			} else {
				fmt.Printf("%s already exists, left unchanged\n", path)
			}
			return nil
		},
	}

	check := &cobra.Command{
		Use:   "check <schedule>",
		Short: "Validate a cron expression and show its next runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			runs, err := scheduler.NextRuns(args[0], time.Now(), 5)
			if err != nil {
				return err
			}
			for _, t := range runs {
				fmt.Println(t.Format("Mon 2006-01-02 15:04"))
			}
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Run one rule now and print its result",
		Args:  cobra.ExactArgs(1),
		RunE:  runRulesRun,
	}

	cmd.AddCommand(list, initCmd, check, run)
	return cmd
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	path := filepath.Join(configDir(cmd), "automations.yaml")
	rules, err := scheduler.LoadRules(path)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Println("No automations. Run: blunux-ai rules init")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCHEDULE\tNOTIFY\tNEXT RUN")
	for _, r := range rules {
		next := "disabled"
		if r.IsEnabled() {
			if runs, err := scheduler.NextRuns(r.Schedule, now, 1); err == nil && len(runs) > 0 {
				next = runs[0].Format("2006-01-02 15:04")
			}
		}
		target := r.Notify
		if target == "" {
			target = scheduler.NotifyAll
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Schedule, target, next)
	}
	return w.Flush()
}

func runRulesRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return errors.New("not configured yet, run 'blunux-ai setup' first")
		}
		return err
	}
	logger := quietLogger(cmd, cfg)

	core, err := daemon.Build(cfg, daemon.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer core.Close()

	sched := scheduler.New(scheduler.Options{
		RulesPath:  cfg.RulesPath(),
		JobTimeout: cfg.Daemon.JobTimeout,
		Logger:     logger,
	}, core.Agent, nil)

	item, err := sched.RunNow(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(item.Body)
	if item.Failed {
		return fmt.Errorf("automation %q failed", args[0])
	}
	return nil
}
