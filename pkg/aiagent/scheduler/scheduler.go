// Package scheduler fires automation rules on their cron schedules and
// queues each outcome as a notification.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/agent"
	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
)

// Runner executes an automation prompt without an interactive caller.
type Runner interface {
	RunAutomation(ctx context.Context, name, prompt string) agent.Reply
}

// Notifier receives rule outcomes.
type Notifier interface {
	Push(it notify.Item)
}

// Options configure a Scheduler.
type Options struct {
	// RulesPath is reloaded on every tick.
	RulesPath  string
	Tick       time.Duration
	JobTimeout time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Scheduler evaluates the rule set once per tick.
type Scheduler struct {
	opts   Options
	runner Runner
	queue  Notifier
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	rules   []Rule
	loaded  bool
	running map[string]bool
	// fired records the minute each rule last started in.
	fired map[string]time.Time

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a scheduler.
func New(opts Options, runner Runner, queue Notifier) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		opts:    opts,
		runner:  runner,
		queue:   queue,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "scheduler"),
		running: make(map[string]bool),
		fired:   make(map[string]time.Time),
		ctx:     context.Background(),
	}
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (s *Scheduler) Reload() error {
	rules, err := LoadRules(s.opts.RulesPath)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.AutoApply {
			s.logger.Warn("auto_apply is ignored, automations only run read-only commands", "rule", r.Name)
		}
	}

	s.mu.Lock()
	changed := !s.loaded || len(rules) != len(s.rules)
	s.rules = rules
	s.loaded = true
	s.mu.Unlock()

	if changed {
		s.logger.Info("rules loaded", "count", len(rules), "path", s.opts.RulesPath)
	}
	return nil
}

// Rules returns a copy of the active rule set.
func (s *Scheduler) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rule(nil), s.rules...)
}

// Running returns the number of rules currently executing.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Run ticks at the top of every period until ctx is done, then waits for
// in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		s.logger.Error("failed to load rules", "error", err)
	}
	s.logger.Info("scheduler started", "tick", s.opts.Tick, "rules", len(s.Rules()))

	for {
		now := s.clock.Now()
		wait := now.Truncate(s.opts.Tick).Add(s.opts.Tick).Sub(now)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.clock.After(wait):
		}
		s.tick(s.clock.Now())
	}
}

// Wait blocks until all started runs have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// tick reloads the rules and starts every rule due at now. Every enabled
// rule is evaluated on each tick, so the cost is O(rules) per minute. It
// returns the number of runs started.
func (s *Scheduler) tick(now time.Time) int {
	if err := s.Reload(); err != nil {
		s.logger.Error("failed to reload rules, keeping previous set", "error", err)
	}

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	minute := now.Truncate(time.Minute)
	started := 0
	for _, r := range s.Rules() {
		if !r.IsEnabled() {
			continue
		}
		ok, err := Due(r.Schedule, now)
		if err != nil {
			s.logger.Warn("skipping rule with invalid schedule", "rule", r.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !s.claim(r.Name, minute) {
			continue
		}
		started++
		s.wg.Add(1)
		go func(r Rule) {
			defer s.wg.Done()
			defer s.release(r.Name)
			s.queue.Push(s.execute(parent, r))
		}(r)
	}
	return started
}

// claim marks name as running for minute. It refuses when the rule is
// still running or already fired in that minute.
func (s *Scheduler) claim(name string, minute time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		s.logger.Warn("skipping rule (already running)", "rule", name)
		return false
	}
	if last, ok := s.fired[name]; ok && last.Equal(minute) {
		s.logger.Debug("skipping rule (already fired this minute)", "rule", name)
		return false
	}
	s.running[name] = true
	if !minute.IsZero() {
		s.fired[name] = minute
	}
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// execute runs one rule and turns the outcome into a notification.
func (s *Scheduler) execute(parent context.Context, r Rule) (item notify.Item) {
	item = notify.Item{Rule: r.Name, To: r.Target()}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("automation panicked", "rule", r.Name, "panic", p, "stack", string(debug.Stack()))
			item.Body = fmt.Sprintf("[Automation %q failed]: panic: %v", r.Name, p)
			item.Failed = true
		}
	}()

	ctx, cancel := context.WithTimeout(parent, s.opts.JobTimeout)
	defer cancel()

	s.logger.Info("running automation", "rule", r.Name)
	start := s.clock.Now()
	reply := s.runner.RunAutomation(ctx, r.Name, r.Action)
	elapsed := s.clock.Now().Sub(start)

	if reply.Failed {
		s.logger.Error("automation failed", "rule", r.Name, "state", reply.State, "duration", elapsed)
		item.Body = fmt.Sprintf("[Automation %q failed]: %s", r.Name, reply.Text)
		item.Failed = true
		return item
	}
	s.logger.Info("automation completed", "rule", r.Name, "result_len", len(reply.Text), "duration", elapsed)
	item.Body = fmt.Sprintf("[%s]\n%s", r.Name, reply.Text)
	return item
}

// RunNow runs the named rule immediately and returns its notification
// without queueing it. The in-flight guard still applies.
func (s *Scheduler) RunNow(ctx context.Context, name string) (notify.Item, error) {
	if err := s.Reload(); err != nil {
		return notify.Item{}, err
	}
	var rule *Rule
	for _, r := range s.Rules() {
		if r.Name == name {
			rule = &r
			break
		}
	}
	if rule == nil {
		return notify.Item{}, fmt.Errorf("no rule named %q", name)
	}
	if !s.claim(name, time.Time{}) {
		return notify.Item{}, fmt.Errorf("rule %q is already running", name)
	}
	defer s.release(name)
	return s.execute(ctx, *rule), nil
}
