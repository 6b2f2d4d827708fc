package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/executor"
	"github.com/nidoit/blunux2SB/pkg/aiagent/provider"
	"github.com/nidoit/blunux2SB/pkg/aiagent/safety"
)

// scriptedProvider replays completions and records requests.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []func(req provider.Request) (*provider.Completion, error)
	requests []provider.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req provider.Request) (*provider.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return &provider.Completion{Text: "nothing more to say"}, nil
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	return next(req)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func text(s string) func(provider.Request) (*provider.Completion, error) {
	return func(provider.Request) (*provider.Completion, error) {
		return &provider.Completion{Text: s}, nil
	}
}

func run(cmd string) func(provider.Request) (*provider.Completion, error) {
	return func(provider.Request) (*provider.Completion, error) {
		return &provider.Completion{
			Text:   "Running it.",
			Action: &provider.Action{ID: "a-" + cmd, Tool: executor.RunCommandTool, Args: map[string]string{"command": cmd}},
		}, nil
	}
}

type recordingMemory struct {
	mu       sync.Mutex
	daily    []string
	commands []string
}

func (m *recordingMemory) AppendDaily(_ time.Time, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily = append(m.daily, s)
	return nil
}

func (m *recordingMemory) LogCommand(_ time.Time, status, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, status+" "+cmd)
	return nil
}

func (m *recordingMemory) BuildContext(time.Time) string { return "## User Preferences\nlikes short answers" }

type fixture struct {
	agent *Agent
	prov  *scriptedProvider
	mem   *recordingMemory
	clock *clock.FakeClock
}

func newFixture(t *testing.T, cfg Config, replies ...func(provider.Request) (*provider.Completion, error)) *fixture {
	t.Helper()
	f := &fixture{
		prov:  &scriptedProvider{replies: replies},
		mem:   &recordingMemory{},
		clock: clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
	}
	cfg.SafeMode = true
	f.agent = New(cfg, Deps{
		Provider:   f.prov,
		Classifier: safety.New(safety.Options{SafeMode: true}),
		Executor:   executor.New(executor.Config{Timeout: 5 * time.Second}, nil, nil),
		Memory:     f.mem,
		Clock:      f.clock,
	})
	return f
}

func (f *fixture) send(text string) Reply {
	return f.agent.HandleMessage(context.Background(), Input{From: "op", Text: text, Interactive: true})
}

func TestNoAction(t *testing.T) {
	f := newFixture(t, Config{}, text("Your system looks healthy."))

	r := f.send("how am I doing?")
	if r.Text != "Your system looks healthy." || r.State != NoAction || r.Failed {
		t.Fatalf("reply = %+v", r)
	}
	if len(f.mem.daily) != 1 {
		t.Errorf("daily entries = %d, want 1", len(f.mem.daily))
	}
	req := f.prov.requests[0]
	if !strings.Contains(req.System, "likes short answers") {
		t.Error("memory context missing from system prompt")
	}
	if len(req.Tools) == 0 {
		t.Error("no tools advertised")
	}
}

func TestAutoActionFeedsOutputBack(t *testing.T) {
	f := newFixture(t, Config{}, run("echo disk-ok"), text("Disk is fine."))

	r := f.send("check disk")
	if r.Text != "Disk is fine." {
		t.Fatalf("reply = %+v", r)
	}
	if f.prov.calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.prov.calls())
	}
	msgs := f.prov.requests[1].Messages
	last := msgs[len(msgs)-1]
	if last.Result == nil || last.Result.Output != "disk-ok" || last.Result.IsError {
		t.Errorf("tool result = %+v", last.Result)
	}
	if len(f.mem.daily) != 1 {
		t.Errorf("daily entries = %d, want 1", len(f.mem.daily))
	}
	if len(f.mem.commands) != 1 || f.mem.commands[0] != "SAFE echo disk-ok" {
		t.Errorf("command log = %v", f.mem.commands)
	}
}

func TestBlockedIsRejected(t *testing.T) {
	f := newFixture(t, Config{}, run("rm -rf /"))

	r := f.send("free some space")
	if r.State != Rejected || !r.Failed {
		t.Fatalf("reply = %+v", r)
	}
	if !strings.Contains(r.Text, "Blocked by safety policy") || !strings.Contains(r.Text, "$ rm -rf /") {
		t.Errorf("text = %q", r.Text)
	}
	if f.prov.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", f.prov.calls())
	}
	if len(f.mem.commands) != 1 || !strings.HasPrefix(f.mem.commands[0], "BLOCKED") {
		t.Errorf("command log = %v", f.mem.commands)
	}
}

func TestInteractiveConfirm(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	f := newFixture(t, Config{}, run("touch "+marker), text("Created the file."))

	r := f.send("create the marker")
	if r.State != AwaitingConfirmation || !r.Pending {
		t.Fatalf("reply = %+v", r)
	}
	if !strings.Contains(r.Text, "$ touch "+marker) {
		t.Errorf("confirmation text = %q", r.Text)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("command ran before confirmation")
	}
	if !f.agent.HasPending("op") {
		t.Fatal("no pending command recorded")
	}

	r = f.send("y")
	if r.Text != "Created the file." {
		t.Fatalf("reply after confirm = %+v", r)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("confirmed command did not run: %v", err)
	}
	if f.agent.HasPending("op") {
		t.Error("pending command survived confirmation")
	}
	if len(f.mem.daily) != 2 {
		t.Errorf("daily entries = %d, want 2", len(f.mem.daily))
	}
	if len(f.mem.commands) != 1 || !strings.HasPrefix(f.mem.commands[0], "CONFIRMED") {
		t.Errorf("command log = %v", f.mem.commands)
	}
}

func TestConfirmDeclined(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	f := newFixture(t, Config{}, run("touch "+marker), text("ok"))

	f.send("create the marker")
	r := f.send("no thanks")
	if r.Text != "Cancelled." {
		t.Fatalf("reply = %+v", r)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("declined command ran")
	}
	if len(f.mem.commands) != 1 || !strings.HasPrefix(f.mem.commands[0], "CANCELLED") {
		t.Errorf("command log = %v", f.mem.commands)
	}

	// The next turn sees a complete action/result pair in history.
	f.send("anything else?")
	msgs := f.prov.requests[len(f.prov.requests)-1].Messages
	var sawCancel bool
	for _, m := range msgs {
		if m.Result != nil && strings.Contains(m.Result.Output, "cancelled") {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Error("cancellation not recorded in history")
	}
}

func TestHeadlessRejectsConfirm(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	f := newFixture(t, Config{}, run("touch "+marker))

	r := f.agent.RunAutomation(context.Background(), "nightly", "create the marker")
	if r.State != Rejected || !r.Failed {
		t.Fatalf("reply = %+v", r)
	}
	if !strings.Contains(r.Text, "requires interactive confirmation") {
		t.Errorf("text = %q", r.Text)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("headless run executed a confirm command")
	}
	if f.agent.Sessions() != 0 {
		t.Error("automation run created a session")
	}
	if !strings.Contains(f.prov.requests[0].System, "unattended") {
		t.Error("headless note missing from system prompt")
	}
}

// spyRunner records which executor paths the loop takes.
type spyRunner struct {
	mu      sync.Mutex
	runs    []string
	refused []string
}

func (r *spyRunner) Run(_ context.Context, c executor.Candidate, _ bool) (*executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, c.Command)
	return &executor.Result{Status: executor.StatusSafe}, nil
}

func (r *spyRunner) Refuse(c executor.Candidate) (*executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refused = append(r.refused, c.Command)
	return &executor.Result{Status: executor.StatusRejected, ExitCode: -1}, executor.ErrNotApproved
}

func (r *spyRunner) Cancel(executor.Candidate) {}

func TestRefusalsSkipRunPath(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		headless bool
	}{
		{"blocked interactive", "rm -rf /", false},
		{"blocked headless", "rm -rf /", true},
		{"confirm headless", "systemctl restart sshd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spyRunner{}
			a := New(Config{SafeMode: true}, Deps{
				Provider:   &scriptedProvider{replies: []func(provider.Request) (*provider.Completion, error){run(tt.cmd)}},
				Classifier: safety.New(safety.Options{SafeMode: true}),
				Executor:   spy,
				Memory:     &recordingMemory{},
				Clock:      clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
			})

			var r Reply
			if tt.headless {
				r = a.RunAutomation(context.Background(), "nightly", "do it")
			} else {
				r = a.HandleMessage(context.Background(), Input{From: "op", Text: "do it", Interactive: true})
			}
			if r.State != Rejected {
				t.Fatalf("state = %v, want Rejected", r.State)
			}
			if len(spy.runs) != 0 {
				t.Errorf("run path entered for %v", spy.runs)
			}
			if len(spy.refused) != 1 || spy.refused[0] != tt.cmd {
				t.Errorf("refused = %v", spy.refused)
			}
		})
	}
}

func TestNonInteractiveMessageRejectsConfirm(t *testing.T) {
	f := newFixture(t, Config{}, run("systemctl restart sshd"))
	r := f.agent.HandleMessage(context.Background(), Input{From: "pipe", Text: "restart ssh"})
	if r.State != Rejected || r.Pending {
		t.Fatalf("reply = %+v", r)
	}
}

func TestProviderErrorReplies(t *testing.T) {
	f := newFixture(t, Config{}, func(provider.Request) (*provider.Completion, error) {
		return nil, &provider.Error{Kind: provider.AuthenticationFailed, Provider: "claude-cli", Hint: "log in"}
	})

	r := f.send("hello")
	if r.State != Replying || !r.Failed {
		t.Fatalf("reply = %+v", r)
	}
	if !strings.HasPrefix(r.Text, "Error: ") || !strings.Contains(r.Text, "Hint: log in") {
		t.Errorf("text = %q", r.Text)
	}
	if len(f.mem.daily) != 1 {
		t.Errorf("daily entries = %d, want 1", len(f.mem.daily))
	}
}

func TestPanicBecomesErrorReply(t *testing.T) {
	f := newFixture(t, Config{}, func(provider.Request) (*provider.Completion, error) {
		panic("boom")
	})
	r := f.send("hello")
	if !r.Failed || !strings.Contains(r.Text, "internal error") {
		t.Fatalf("reply = %+v", r)
	}
}

func TestIterationLimit(t *testing.T) {
	f := newFixture(t, Config{MaxIterations: 3}, run("echo one"), run("echo two"), run("echo three"), text("unreachable"))

	r := f.send("loop")
	if f.prov.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", f.prov.calls())
	}
	if !strings.Contains(r.Text, "maximum number of steps") || !strings.Contains(r.Text, "three") {
		t.Errorf("text = %q", r.Text)
	}
}

func TestInvalidToolCallFedBack(t *testing.T) {
	bad := func(provider.Request) (*provider.Completion, error) {
		return &provider.Completion{Text: "x", Action: &provider.Action{ID: "b1", Tool: "format_disk"}}, nil
	}
	f := newFixture(t, Config{}, bad, text("Sorry, I cannot do that."))

	r := f.send("format")
	if r.Text != "Sorry, I cannot do that." {
		t.Fatalf("reply = %+v", r)
	}
	msgs := f.prov.requests[1].Messages
	if last := msgs[len(msgs)-1]; last.Result == nil || !last.Result.IsError {
		t.Errorf("invalid call not reported: %+v", last)
	}
}

func TestSessionHistoryAndExpiry(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Hour}, text("one"), text("two"), text("three"))

	f.send("first")
	f.send("second")
	if n := len(f.prov.requests[1].Messages); n != 3 {
		t.Errorf("second turn saw %d messages, want 3", n)
	}

	f.clock.Advance(2 * time.Hour)
	f.send("third")
	if n := len(f.prov.requests[2].Messages); n != 1 {
		t.Errorf("after expiry saw %d messages, want 1", n)
	}
}

func TestResetCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	f := newFixture(t, Config{}, run("touch "+marker))
	f.send("make it")

	r := f.send("/reset")
	if r.Text != "Conversation cleared." {
		t.Fatalf("reply = %+v", r)
	}
	if f.agent.HasPending("op") || f.agent.Sessions() != 0 {
		t.Error("reset kept session state")
	}
	if len(f.mem.commands) != 1 || !strings.HasPrefix(f.mem.commands[0], "CANCELLED") {
		t.Errorf("command log = %v", f.mem.commands)
	}
}

func TestTrimHistory(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.RoleUser, Text: "u1"},
		{Role: provider.RoleAssistant, Action: &provider.Action{ID: "a"}},
		{Role: provider.RoleUser, Result: &provider.ToolResult{ActionID: "a"}},
		{Role: provider.RoleAssistant, Text: "a1"},
		{Role: provider.RoleUser, Text: "u2"},
		{Role: provider.RoleAssistant, Text: "a2"},
	}
	got := trimHistory(msgs, 4)
	if len(got) != 2 || got[0].Text != "u2" {
		t.Errorf("trimHistory = %+v", got)
	}
}

func TestIsAffirmative(t *testing.T) {
	for _, s := range []string{"y", "Y", "yes", " YES ", "예", "네", "ㅇ", "yes!"} {
		if !IsAffirmative(s) {
			t.Errorf("IsAffirmative(%q) = false", s)
		}
	}
	for _, s := range []string{"", "n", "no", "yeah sure", "아니요"} {
		if IsAffirmative(s) {
			t.Errorf("IsAffirmative(%q) = true", s)
		}
	}
}
