package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/nidoit/blunux2SB/pkg/aiagent/agent"
	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/daemon"
)

// localSender is the session key used by the terminal chat.
const localSender = "local"

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant",
		Long: `Send one message or start an interactive session (no arguments).
Commands that change the system ask for confirmation before they run.

Examples:
  blunux-ai chat "how much disk space is left?"
  blunux-ai chat  # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return errors.New("not configured yet, run 'blunux-ai setup' first")
		}
		return err
	}

	core, err := daemon.Build(cfg, daemon.Deps{Logger: quietLogger(cmd, cfg)})
	if err != nil {
		return err
	}
	defer core.Close()

	if len(args) > 0 {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return chatOnce(ctx, core.Agent, args[0])
	}
	return chatREPL(cmd.Context(), cfg, core.Agent)
}

// chatOnce answers a single message, asking on stdin when a command
// needs confirmation.
func chatOnce(ctx context.Context, a *agent.Agent, text string) error {
	s := a.Strings()
	reply := a.HandleMessage(ctx, agent.Input{From: localSender, Text: text, Interactive: true})
	fmt.Println(reply.Text)

	in := bufio.NewReader(os.Stdin)
	for reply.Pending {
		answer := "n"
		if config.IsInteractive() {
			fmt.Print(s.ConfirmPrompt)
			line, err := in.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			answer = strings.TrimSpace(line)
		}
		reply = a.HandleMessage(ctx, agent.Input{From: localSender, Text: answer, Interactive: true})
		fmt.Println(reply.Text)
	}
	if reply.Failed {
		return errors.New("request failed")
	}
	return nil
}

func chatREPL(ctx context.Context, cfg *config.Config, a *agent.Agent) error {
	s := a.Strings()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.Prompt,
		HistoryFile:     cfg.HistoryPath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/exit",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Println(s.Welcome)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			fmt.Println(s.Goodbye)
			return nil
		case "/help":
			fmt.Println(s.Help)
			continue
		case "/reset":
			a.Reset(localSender)
			rl.SetPrompt(s.Prompt)
			fmt.Println(s.SessionReset)
			continue
		}

		fmt.Fprintln(rl.Stderr(), s.Thinking)
		reply := a.HandleMessage(ctx, agent.Input{From: localSender, Text: line, Interactive: true})
		fmt.Fprintln(rl.Stdout(), reply.Text)
		if reply.Pending {
			rl.SetPrompt(s.ConfirmPrompt)
		} else {
			rl.SetPrompt(s.Prompt)
		}
	}
	fmt.Println(s.Goodbye)
	return nil
}
