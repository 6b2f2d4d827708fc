package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const cliLoginHint = `run "claude" once and log in, or switch claude_mode to api`

// RunPrefix marks the line the CLI model uses to request a command.
const RunPrefix = "RUN:"

// CLIInstructions is appended to the system prompt for the CLI variant,
// which has no native tool channel.
const CLIInstructions = `You cannot call tools directly. To run one shell command, end your reply with a single final line of the form:
RUN: <command>
Request at most one command per reply. Its output will be sent back to you.`

var authMarkers = []string{
	"not logged in",
	"please run /login",
	"invalid api key",
	"authentication",
}

// ClaudeCLI delegates to the locally authenticated `claude` executable.
type ClaudeCLI struct {
	opts Options
}

// NewClaudeCLI creates the delegated-session provider.
func NewClaudeCLI(opts Options) *ClaudeCLI {
	opts.defaults()
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-6"
	}
	opts.Logger = opts.Logger.With("component", "provider", "provider", "claude-cli")
	return &ClaudeCLI{opts: opts}
}

func (p *ClaudeCLI) Name() string { return "claude-cli" }

// Complete runs one `claude -p` invocation. It is never retried.
func (p *ClaudeCLI) Complete(ctx context.Context, req Request) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()

	prompt := flattenPrompt(req.System+"\n\n"+CLIInstructions, req.Messages)
	cmd := exec.CommandContext(ctx, p.opts.Binary, "-p", prompt, "--output-format", "text", "--model", p.opts.Model)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Kind: Timeout, Provider: p.Name(), Message: fmt.Sprintf("no reply within %s", p.opts.CallTimeout), Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &Error{
				Kind:     ProviderUnavailable,
				Provider: p.Name(),
				Message:  "cannot start " + p.opts.Binary,
				Hint:     "install the claude CLI or switch claude_mode to api",
				Err:      err,
			}
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		p.opts.Logger.Warn("claude CLI failed", "exit", exitErr.ExitCode(), "stderr", truncateUTF8(detail, 200))
		return nil, &Error{
			Kind:     AuthenticationFailed,
			Provider: p.Name(),
			Message:  fmt.Sprintf("claude exited with status %d: %s", exitErr.ExitCode(), truncateUTF8(detail, 200)),
			Hint:     cliLoginHint,
			Err:      err,
		}
	}

	out := stdout.String()
	if hasAuthMarker(out) || hasAuthMarker(stderr.String()) {
		return nil, &Error{
			Kind:     AuthenticationFailed,
			Provider: p.Name(),
			Message:  "claude CLI session is not authenticated",
			Hint:     cliLoginHint,
		}
	}

	text, command := ParseRunLine(out)
	var action *Action
	if command != "" {
		action = &Action{ID: uuid.NewString(), Tool: "run_command", Args: map[string]string{"command": command}}
	}
	p.opts.Logger.Debug("completion", "duration_ms", time.Since(start).Milliseconds(), "action", action != nil)
	return finish(p.Name(), p.opts.Model, text, action)
}

// hasAuthMarker looks for login failures in short outputs only, so a
// normal answer that mentions authentication is not misread.
func hasAuthMarker(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > 300 {
		return false
	}
	for _, m := range authMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ParseRunLine splits a reply into its text and the command requested on
// a final "RUN: <command>" line, if any.
func ParseRunLine(reply string) (text, command string) {
	lines := strings.Split(strings.TrimRight(reply, "\n\r\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		line = strings.Trim(line, "`")
		if strings.HasPrefix(line, RunPrefix) {
			command = strings.TrimSpace(strings.TrimPrefix(line, RunPrefix))
			return strings.TrimSpace(strings.Join(lines[:i], "\n")), command
		}
		break
	}
	return strings.TrimSpace(reply), ""
}

// flattenPrompt renders a conversation as labeled sections for a
// single-prompt CLI.
func flattenPrompt(system string, msgs []Message) string {
	var b strings.Builder
	b.WriteString("[System]\n")
	b.WriteString(strings.TrimSpace(system))
	b.WriteString("\n\n")
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			b.WriteString("[Assistant]\n")
		} else {
			b.WriteString("[User]\n")
		}
		if m.Text != "" {
			b.WriteString(m.Text)
			b.WriteByte('\n')
		}
		if m.Action != nil {
			fmt.Fprintf(&b, "%s %s\n", RunPrefix, m.Action.Describe())
		}
		if m.Result != nil {
			fmt.Fprintf(&b, "[Command output: %s]\n%s\n", m.Result.Command, m.Result.Output)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
