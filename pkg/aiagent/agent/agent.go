// Package agent runs the per-turn state machine: it calls the provider,
// classifies the requested action, executes or holds it for
// confirmation, and always produces a reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/executor"
	"github.com/nidoit/blunux2SB/pkg/aiagent/provider"
	"github.com/nidoit/blunux2SB/pkg/aiagent/safety"
)

// Classifier assigns a tier to a literal command.
type Classifier interface {
	Classify(cmd string) safety.Verdict
}

// Runner executes classified candidates.
type Runner interface {
	Run(ctx context.Context, c executor.Candidate, approved bool) (*executor.Result, error)
	Refuse(c executor.Candidate) (*executor.Result, error)
	Cancel(c executor.Candidate)
}

// Memory is the part of the memory store the loop uses.
type Memory interface {
	AppendDaily(t time.Time, text string) error
	LogCommand(t time.Time, status, cmd string) error
	BuildContext(now time.Time) string
}

// Config shapes each turn.
type Config struct {
	SafeMode       bool
	Language       string
	MaxTokens      int
	MaxIterations  int
	HistoryLimit   int
	SessionTimeout time.Duration
}

// ConfigFrom extracts the agent settings from the loaded configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		SafeMode:       c.Agent.SafeMode,
		Language:       c.Agent.Language,
		MaxTokens:      c.Agent.MaxTokens,
		MaxIterations:  c.Agent.MaxIterations,
		HistoryLimit:   c.Agent.HistoryLimit,
		SessionTimeout: c.Agent.SessionTimeout,
	}
}

// Deps are the collaborators of an Agent. Memory and Clock are optional.
type Deps struct {
	Provider   provider.Provider
	Classifier Classifier
	Executor   Runner
	Memory     Memory
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Input is one inbound message.
type Input struct {
	From string
	Text string
	// Interactive callers can answer confirmation prompts.
	Interactive bool
}

// Reply is the outcome of a turn.
type Reply struct {
	TurnID string
	Text   string
	// State is the last significant state before Replying.
	State State
	// Pending is set when a command awaits confirmation.
	Pending bool
	// Failed is set on provider errors and refused actions.
	Failed bool
}

// Agent owns the per-sender sessions.
type Agent struct {
	cfg        Config
	strings    config.Strings
	provider   provider.Provider
	classifier Classifier
	exec       Runner
	memory     Memory
	clock      clock.Clock
	tools      []provider.Tool
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	history    []provider.Message
	pending    *pending
	lastActive time.Time
}

// pending is a Confirm candidate held until the sender answers.
type pending struct {
	cand     executor.Candidate
	actionID string
	msgs     []provider.Message
}

// New creates an agent.
func New(cfg Config, deps Deps) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{
		cfg:        cfg,
		strings:    config.StringsFor(cfg.Language),
		provider:   deps.Provider,
		classifier: deps.Classifier,
		exec:       deps.Executor,
		memory:     deps.Memory,
		clock:      deps.Clock,
		tools:      toolSpecs(),
		logger:     deps.Logger.With("component", "agent"),
		sessions:   make(map[string]*session),
	}
}

// Strings returns the operator strings for the configured language.
func (a *Agent) Strings() config.Strings { return a.strings }

// turn carries per-turn bookkeeping.
type turn struct {
	id          string
	from        string
	input       string
	interactive bool
	// persist stores the conversation in the sender's session.
	persist bool
	state   State
}

func (a *Agent) transition(t *turn, s State) {
	t.state = s
	a.logger.Debug("turn state", "turn", t.id, "from", t.from, "state", s.String())
}

// HandleMessage runs one turn for in.From. It always returns a reply.
func (a *Agent) HandleMessage(ctx context.Context, in Input) (reply Reply) {
	t := &turn{
		id:          uuid.NewString(),
		from:        in.From,
		input:       strings.TrimSpace(in.Text),
		interactive: in.Interactive,
		persist:     true,
	}
	defer a.recoverTurn(t, &reply)
	a.transition(t, Received)

	if in.Interactive && strings.HasPrefix(t.input, "/") {
		switch strings.ToLower(t.input) {
		case "/reset":
			a.Reset(in.From)
			return Reply{TurnID: t.id, Text: a.strings.SessionReset, State: Done}
		case "/help":
			return Reply{TurnID: t.id, Text: a.strings.Help, State: Done}
		}
	}

	history, p := a.load(in.From)
	if p != nil {
		if in.Interactive && IsAffirmative(t.input) {
			return a.resume(ctx, t, p)
		}
		return a.cancel(t, p)
	}

	msgs := append(history, provider.Message{Role: provider.RoleUser, Text: t.input})
	return a.run(ctx, t, msgs)
}

// RunAutomation runs prompt headless in an isolated conversation.
// Confirm-tier actions are refused.
func (a *Agent) RunAutomation(ctx context.Context, name, prompt string) (reply Reply) {
	t := &turn{
		id:    uuid.NewString(),
		from:  "automation:" + name,
		input: prompt,
	}
	defer a.recoverTurn(t, &reply)
	a.transition(t, Received)
	return a.run(ctx, t, []provider.Message{{Role: provider.RoleUser, Text: prompt}})
}

func (a *Agent) recoverTurn(t *turn, reply *Reply) {
	if r := recover(); r != nil {
		a.logger.Error("panic in agent turn", "turn", t.id, "panic", r, "stack", string(debug.Stack()))
		*reply = a.finish(t, Replying, a.strings.ErrorPrefix+"internal error", true)
	}
}

// run drives the provider/action loop starting from msgs.
func (a *Agent) run(ctx context.Context, t *turn, msgs []provider.Message) Reply {
	system := a.systemPrompt(a.clock.Now(), !t.interactive)
	lastOutput := ""

	for i := 0; i < a.cfg.MaxIterations; i++ {
		a.transition(t, ProviderCalled)
		comp, err := a.provider.Complete(ctx, provider.Request{
			System:    system,
			Messages:  msgs,
			Tools:     a.tools,
			MaxTokens: a.cfg.MaxTokens,
		})
		if err != nil {
			return a.fail(t, err)
		}

		if comp.Action == nil {
			a.transition(t, NoAction)
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Text: comp.Text})
			a.commit(t, msgs)
			return a.finish(t, NoAction, comp.Text, false)
		}

		a.transition(t, ActionParsed)
		action := comp.Action
		msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Text: comp.Text, Action: action})

		cmd, err := executor.BuildCommand(action.Tool, action.Args)
		if err != nil {
			a.logger.Info("invalid tool call", "turn", t.id, "tool", action.Tool, "error", err)
			msgs = append(msgs, resultMessage(action.ID, action.Describe(), "invalid tool call: "+err.Error(), true))
			continue
		}

		verdict := a.classifier.Classify(cmd)
		a.transition(t, Classified)
		cand := executor.Candidate{TurnID: t.id, From: t.from, Command: cmd, Verdict: verdict}

		switch verdict.Tier {
		case safety.Blocked:
			a.exec.Refuse(cand)
			a.logCommand(executor.StatusBlocked, cmd)
			msgs = append(msgs, resultMessage(action.ID, cmd, "refused by safety policy: "+verdict.Reason, true))
			a.commit(t, msgs)
			text := fmt.Sprintf("%s\n$ %s\n(%s)", a.strings.Blocked, cmd, verdict.Reason)
			return a.finish(t, Rejected, joinText(comp.Text, text), true)

		case safety.Confirm:
			if !t.interactive {
				a.exec.Refuse(cand)
				a.logCommand(executor.StatusRejected, cmd)
				msgs = append(msgs, resultMessage(action.ID, cmd, "not executed: requires interactive confirmation", true))
				a.commit(t, msgs)
				return a.finish(t, Rejected, joinText(comp.Text, a.strings.HeadlessRejected+"\n$ "+cmd), true)
			}
			a.hold(t, &pending{cand: cand, actionID: action.ID, msgs: msgs})
			text := fmt.Sprintf("%s\n$ %s\n%s", a.strings.ConfirmRequired, cmd, a.strings.ConfirmReply)
			r := a.finish(t, AwaitingConfirmation, joinText(comp.Text, text), false)
			r.Pending = true
			return r
		}

		res, err := a.exec.Run(ctx, cand, false)
		a.transition(t, Executed)
		lastOutput = a.describeResult(res, err)
		a.logCommand(statusOf(res), cmd)
		msgs = append(msgs, resultMessage(action.ID, cmd, lastOutput, err != nil || res.ExitCode != 0))
	}

	a.logger.Warn("iteration limit reached", "turn", t.id, "max_iterations", a.cfg.MaxIterations)
	a.commit(t, msgs)
	return a.finish(t, Executed, joinText(a.strings.StepLimit, lastOutput), false)
}

// resume executes an approved pending candidate and continues the loop.
func (a *Agent) resume(ctx context.Context, t *turn, p *pending) Reply {
	t.id = p.cand.TurnID
	res, err := a.exec.Run(ctx, p.cand, true)
	a.transition(t, Executed)
	out := a.describeResult(res, err)
	a.logCommand(statusOf(res), p.cand.Command)
	msgs := append(p.msgs, resultMessage(p.actionID, p.cand.Command, out, err != nil || res.ExitCode != 0))
	return a.run(ctx, t, msgs)
}

// cancel declines a pending candidate.
func (a *Agent) cancel(t *turn, p *pending) Reply {
	a.exec.Cancel(p.cand)
	a.logCommand(executor.StatusCancelled, p.cand.Command)
	msgs := append(p.msgs, resultMessage(p.actionID, p.cand.Command, "cancelled by the operator", true))
	a.commit(t, msgs)
	return a.finish(t, Done, a.strings.Cancelled, false)
}

func (a *Agent) fail(t *turn, err error) Reply {
	a.logger.Warn("provider call failed", "turn", t.id, "from", t.from, "error", err)
	text := a.strings.ErrorPrefix + err.Error()
	if hint := provider.HintFor(err); hint != "" {
		text += "\n" + a.strings.HintPrefix + hint
	}
	return a.finish(t, Replying, text, true)
}

// finish moves the turn through Replying to Done and writes the single
// daily memory entry for it.
func (a *Agent) finish(t *turn, outcome State, text string, failed bool) Reply {
	a.transition(t, Replying)
	if a.memory != nil {
		entry := fmt.Sprintf("[%s] %s: %s -> %s", t.from, outcome, clip(t.input, 80), clip(text, 160))
		if err := a.memory.AppendDaily(a.clock.Now(), entry); err != nil {
			a.logger.Warn("failed to write daily memory", "turn", t.id, "error", err)
		}
	}
	a.transition(t, Done)
	return Reply{TurnID: t.id, Text: text, State: outcome, Failed: failed}
}

func (a *Agent) describeResult(res *executor.Result, err error) string {
	var b strings.Builder
	switch {
	case errors.Is(err, executor.ErrTimeout):
		b.WriteString(a.strings.Timeout)
		b.WriteString("\n")
	case err != nil:
		fmt.Fprintf(&b, "error: %v\n", err)
	case res.ExitCode != 0:
		fmt.Fprintf(&b, "exit status %d\n", res.ExitCode)
	}
	if res != nil && res.Output != "" {
		b.WriteString(res.Output)
	} else if err == nil {
		b.WriteString("(no output)")
	}
	return strings.TrimSpace(b.String())
}

func (a *Agent) logCommand(status, cmd string) {
	if a.memory == nil {
		return
	}
	if err := a.memory.LogCommand(a.clock.Now(), status, cmd); err != nil {
		a.logger.Warn("failed to write command log", "error", err)
	}
}

func statusOf(res *executor.Result) string {
	if res == nil || res.Status == "" {
		return executor.StatusFailed
	}
	return res.Status
}

func resultMessage(actionID, cmd, output string, isErr bool) provider.Message {
	return provider.Message{
		Role:   provider.RoleUser,
		Result: &provider.ToolResult{ActionID: actionID, Command: cmd, Output: output, IsError: isErr},
	}
}

// IsAffirmative reports whether s confirms a pending command.
func IsAffirmative(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!")
	switch s {
	case "y", "yes", "예", "네", "ㅇ":
		return true
	}
	return false
}

func joinText(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
