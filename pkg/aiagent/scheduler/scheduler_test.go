package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/agent"
	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/executor"
	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
	"github.com/nidoit/blunux2SB/pkg/aiagent/provider"
	"github.com/nidoit/blunux2SB/pkg/aiagent/safety"
)

func at(hour, minute, sec int) time.Time {
	return time.Date(2026, 2, 21, hour, minute, sec, 0, time.Local)
}

func TestDue(t *testing.T) {
	tests := []struct {
		expr string
		t    time.Time
		want bool
	}{
		{"0 9 * * *", at(9, 0, 0), true},
		{"0 9 * * *", at(9, 0, 42), true},
		{"0 9 * * *", at(9, 1, 0), false},
		{"0 9 * * *", at(8, 0, 0), false},
		{"0 9 * * *", at(10, 0, 0), false},
		{"0 */6 * * *", at(0, 0, 0), true},
		{"0 */6 * * *", at(6, 0, 0), true},
		{"0 */6 * * *", at(18, 0, 0), true},
		{"0 */6 * * *", at(3, 0, 0), false},
		{"0 */6 * * *", at(6, 1, 0), false},
		{"0 0 * * *", at(0, 0, 0), true},
		{"0 0 * * *", at(1, 0, 0), false},
		{"* * * * *", at(14, 37, 0), true},
		{"@daily", at(0, 0, 0), true},
		{"@daily", at(12, 0, 0), false},
		// 2026-02-21 is a Saturday.
		{"30 7 * * 6", at(7, 30, 0), true},
		{"30 7 * * 1-5", at(7, 30, 0), false},
	}
	for _, tt := range tests {
		got, err := Due(tt.expr, tt.t)
		if err != nil {
			t.Fatalf("Due(%q): %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("Due(%q, %s) = %v, want %v", tt.expr, tt.t.Format("15:04:05"), got, tt.want)
		}
	}
}

func TestDueInvalid(t *testing.T) {
	for _, expr := range []string{"0 9 * *", "61 * * * *", "every day", ""} {
		if _, err := Due(expr, at(9, 0, 0)); err == nil {
			t.Errorf("Due(%q) accepted an invalid schedule", expr)
		}
	}
}

func TestNextRuns(t *testing.T) {
	runs, err := NextRuns("0 */6 * * *", at(5, 0, 0), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{at(6, 0, 0), at(12, 0, 0), at(18, 0, 0)}
	if len(runs) != len(want) {
		t.Fatalf("got %d runs, want %d", len(runs), len(want))
	}
	for i := range want {
		if !runs[i].Equal(want[i]) {
			t.Errorf("run %d = %s, want %s", i, runs[i], want[i])
		}
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
automations:
  - name: backup
    schedule: "0 3 * * *"
    action: check the backup log
    notify: op-1
  - name: quiet
    schedule: "@hourly"
    action: check load
    enabled: false
    auto_apply: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if !rules[0].IsEnabled() || rules[1].IsEnabled() {
		t.Errorf("enabled = %v, %v; want true, false", rules[0].IsEnabled(), rules[1].IsEnabled())
	}
	if rules[0].Target() != "op-1" {
		t.Errorf("target = %q, want op-1", rules[0].Target())
	}
	if rules[1].Target() != "" {
		t.Errorf("empty notify should broadcast, got %q", rules[1].Target())
	}
	if !rules[1].AutoApply {
		t.Error("auto_apply should still be parsed")
	}
}

func TestParseRulesRejects(t *testing.T) {
	tests := map[string]string{
		"duplicate": `
automations:
  - {name: a, schedule: "* * * * *", action: x}
  - {name: a, schedule: "0 * * * *", action: y}
`,
		"no schedule": `
automations:
  - {name: a, action: x}
`,
		"bad schedule": `
automations:
  - {name: a, schedule: "0 25 * * *", action: x}
`,
		"no action": `
automations:
  - {name: a, schedule: "* * * * *"}
`,
		"no name": `
automations:
  - {schedule: "* * * * *", action: x}
`,
		"not yaml": "automations: [",
	}
	for name, doc := range tests {
		if _, err := ParseRules([]byte(doc)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestInitRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blunux-ai", "automations.yaml")

	rules, err := LoadRules(path)
	if err != nil || rules != nil {
		t.Fatalf("missing file: rules=%v err=%v", rules, err)
	}

	created, err := InitRules(path)
	if err != nil || !created {
		t.Fatalf("InitRules = %v, %v", created, err)
	}
	rules, err = LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d default rules, want 3", len(rules))
	}
	schedules := []string{"0 9 * * *", "0 */6 * * *", "0 0 * * *"}
	for i, r := range rules {
		if r.Schedule != schedules[i] || !r.IsEnabled() || r.Target() != "" {
			t.Errorf("rule %d = %+v", i, r)
		}
	}

	if err := os.WriteFile(path, []byte("automations: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	created, err = InitRules(path)
	if err != nil || created {
		t.Fatalf("InitRules overwrote an existing file: %v, %v", created, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "automations: []\n" {
		t.Errorf("file changed: %q", data)
	}
}

// funcRunner adapts a function to Runner.
type funcRunner func(ctx context.Context, name, prompt string) agent.Reply

func (f funcRunner) RunAutomation(ctx context.Context, name, prompt string) agent.Reply {
	return f(ctx, name, prompt)
}

func writeRules(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "automations.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTickSkipsRuleStillRunning(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: slow, schedule: "* * * * *", action: take your time}
`)
	release := make(chan struct{})
	var calls, active, maxActive int32
	runner := funcRunner(func(ctx context.Context, name, prompt string) agent.Reply {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return agent.Reply{Text: "done"}
	})
	q := notify.NewQueue(10, nil, nil)
	s := New(Options{RulesPath: path}, runner, q)

	if n := s.tick(at(9, 0, 0)); n != 1 {
		t.Fatalf("first tick started %d runs, want 1", n)
	}
	if n := s.tick(at(9, 1, 0)); n != 0 {
		t.Fatalf("tick during a run started %d runs, want 0", n)
	}
	if s.Running() != 1 {
		t.Fatalf("running = %d, want 1", s.Running())
	}
	close(release)
	s.Wait()

	if n := s.tick(at(9, 2, 0)); n != 1 {
		t.Fatalf("tick after the run finished started %d runs, want 1", n)
	}
	s.Wait()
	if calls != 2 || maxActive != 1 {
		t.Errorf("calls = %d, max concurrent = %d; want 2, 1", calls, maxActive)
	}
	if q.Len() != 2 {
		t.Errorf("queued %d notifications, want 2", q.Len())
	}
}

func TestTickFiresOncePerMinute(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: r, schedule: "0 9 * * *", action: x}
  - {name: off, schedule: "0 9 * * *", action: x, enabled: false}
`)
	var calls int32
	runner := funcRunner(func(context.Context, string, string) agent.Reply {
		atomic.AddInt32(&calls, 1)
		return agent.Reply{Text: "ok"}
	})
	s := New(Options{RulesPath: path}, runner, notify.NewQueue(10, nil, nil))

	s.tick(at(9, 0, 0))
	s.Wait()
	s.tick(at(9, 0, 45))
	s.Wait()
	s.tick(at(9, 1, 0))
	s.Wait()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestReloadKeepsPreviousRulesOnError(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: r, schedule: "* * * * *", action: x}
`)
	s := New(Options{RulesPath: path}, funcRunner(func(context.Context, string, string) agent.Reply {
		return agent.Reply{Text: "ok"}
	}), notify.NewQueue(10, nil, nil))
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("automations: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected a parse error")
	}
	if len(s.Rules()) != 1 {
		t.Fatalf("rules = %d, want the previous 1", len(s.Rules()))
	}
	if n := s.tick(at(10, 0, 0)); n != 1 {
		t.Errorf("tick started %d runs, want 1", n)
	}
	s.Wait()
}

func TestPanickingRunIsReported(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: boom, schedule: "* * * * *", action: x, notify: op-1}
`)
	q := notify.NewQueue(10, nil, nil)
	s := New(Options{RulesPath: path}, funcRunner(func(context.Context, string, string) agent.Reply {
		panic("kaboom")
	}), q)
	s.tick(at(9, 0, 0))
	s.Wait()

	items := q.Drain(0)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	it := items[0]
	if !it.Failed || it.To != "op-1" || !strings.Contains(it.Body, "kaboom") {
		t.Errorf("item = %+v", it)
	}
	if s.Running() != 0 {
		t.Error("panicking run was not released")
	}
}

func TestJobTimeoutReachesRunner(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: r, schedule: "* * * * *", action: x}
`)
	var deadline time.Time
	s := New(Options{RulesPath: path, JobTimeout: 3 * time.Second}, funcRunner(func(ctx context.Context, _, _ string) agent.Reply {
		deadline, _ = ctx.Deadline()
		return agent.Reply{Text: "ok"}
	}), notify.NewQueue(10, nil, nil))
	if _, err := s.RunNow(context.Background(), "r"); err != nil {
		t.Fatal(err)
	}
	if deadline.IsZero() || time.Until(deadline) > 3*time.Second {
		t.Errorf("deadline = %v, want within 3s", deadline)
	}
}

func TestRunNow(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: disk, schedule: "0 0 1 1 *", action: check disk}
`)
	q := notify.NewQueue(10, nil, nil)
	s := New(Options{RulesPath: path}, funcRunner(func(_ context.Context, name, prompt string) agent.Reply {
		return agent.Reply{Text: name + ": " + prompt}
	}), q)

	it, err := s.RunNow(context.Background(), "disk")
	if err != nil {
		t.Fatal(err)
	}
	if it.Failed || !strings.Contains(it.Body, "disk: check disk") {
		t.Errorf("item = %+v", it)
	}
	if q.Len() != 0 {
		t.Error("RunNow should not queue its result")
	}
	if _, err := s.RunNow(context.Background(), "nope"); err == nil {
		t.Error("expected an error for an unknown rule")
	}
}

// stubProvider answers every request with the same completion.
type stubProvider struct {
	mu    sync.Mutex
	comp  provider.Completion
	calls int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(_ context.Context, req provider.Request) (*provider.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	// After a tool result, summarize.
	if last := req.Messages[len(req.Messages)-1]; last.Result != nil {
		return &provider.Completion{Text: "summary"}, nil
	}
	c := p.comp
	return &c, nil
}

// countingRunner counts calls that reach the run path.
type countingRunner struct {
	inner agent.Runner
	runs  int32
}

func (r *countingRunner) Run(ctx context.Context, c executor.Candidate, approved bool) (*executor.Result, error) {
	atomic.AddInt32(&r.runs, 1)
	return r.inner.Run(ctx, c, approved)
}

func (r *countingRunner) Refuse(c executor.Candidate) (*executor.Result, error) {
	return r.inner.Refuse(c)
}

func (r *countingRunner) Cancel(c executor.Candidate) { r.inner.Cancel(c) }

func newAgent(t *testing.T, comp provider.Completion) (*agent.Agent, *countingRunner) {
	t.Helper()
	exec := &countingRunner{inner: executor.New(executor.Config{Timeout: 5 * time.Second}, nil, nil)}
	a := agent.New(agent.Config{Language: "en"}, agent.Deps{
		Provider:   &stubProvider{comp: comp},
		Classifier: safety.New(safety.Options{}),
		Executor:   exec,
	})
	return a, exec
}

func TestAutomationNotifiesOnce(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: updates, schedule: "0 */6 * * *", action: check for security updates}
`)
	a, _ := newAgent(t, provider.Completion{Text: "no security updates"})
	q := notify.NewQueue(10, nil, nil)
	s := New(Options{RulesPath: path}, a, q)

	s.tick(at(12, 0, 0))
	s.Wait()

	first := q.Drain(10)
	if len(first) != 1 {
		t.Fatalf("first poll returned %d items, want 1", len(first))
	}
	if first[0].Rule != "updates" || first[0].Failed || !strings.Contains(first[0].Body, "no security updates") {
		t.Errorf("item = %+v", first[0])
	}
	if second := q.Drain(10); len(second) != 0 {
		t.Errorf("second poll returned %d items, want 0", len(second))
	}
}

func TestAutomationRefusesConfirmCommand(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: upgrade, schedule: "0 3 * * *", action: update everything, auto_apply: true}
`)
	a, exec := newAgent(t, provider.Completion{
		Text:   "Updating.",
		Action: &provider.Action{ID: "t1", Tool: "update_system", Args: map[string]string{}},
	})
	q := notify.NewQueue(10, nil, nil)
	s := New(Options{RulesPath: path}, a, q)

	s.tick(at(3, 0, 0))
	s.Wait()

	items := q.Drain(0)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if !items[0].Failed || !strings.Contains(items[0].Body, "interactive confirmation") {
		t.Errorf("item = %+v", items[0])
	}
	if exec.runs != 0 {
		t.Errorf("executor ran %d times, want 0", exec.runs)
	}
}

func TestRunAlignsToMinute(t *testing.T) {
	path := writeRules(t, `
automations:
  - {name: hourly, schedule: "0 * * * *", action: x}
`)
	fc := clock.Fake(at(8, 59, 30))
	var calls int32
	s := New(Options{RulesPath: path, Clock: fc}, funcRunner(func(context.Context, string, string) agent.Reply {
		atomic.AddInt32(&calls, 1)
		return agent.Reply{Text: "ok"}
	}), notify.NewQueue(10, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fc.WaitForTimers(1)
	fc.Advance(29 * time.Second)
	if fc.PendingCount() != 1 {
		t.Fatal("scheduler woke before the minute boundary")
	}
	fc.Advance(time.Second)
	fc.WaitForTimers(1)
	s.Wait()
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls at 09:00 = %d, want 1", calls)
	}

	fc.Advance(time.Minute)
	fc.WaitForTimers(1)
	s.Wait()
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls at 09:01 = %d, want 1", calls)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
