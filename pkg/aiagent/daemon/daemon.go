// Package daemon owns the long-running agent state: one agent shared by
// the socket server and the scheduler, plus the notification queue
// between them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/agent"
	"github.com/nidoit/blunux2SB/pkg/aiagent/clock"
	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
	"github.com/nidoit/blunux2SB/pkg/aiagent/executor"
	"github.com/nidoit/blunux2SB/pkg/aiagent/ipc"
	"github.com/nidoit/blunux2SB/pkg/aiagent/memory"
	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
	"github.com/nidoit/blunux2SB/pkg/aiagent/provider"
	"github.com/nidoit/blunux2SB/pkg/aiagent/safety"
	"github.com/nidoit/blunux2SB/pkg/aiagent/scheduler"
)

// ShutdownTimeout bounds the wait for in-flight work after cancellation.
const ShutdownTimeout = 10 * time.Second

// Deps override parts of the stack. All fields are optional.
type Deps struct {
	Provider    provider.Provider
	Credentials *config.Credentials
	Clock       clock.Clock
	Logger      *slog.Logger
	Version     string
}

// Core is the agent and the resources it holds open. The chat command
// uses it directly; the daemon wraps it.
type Core struct {
	Agent    *agent.Agent
	Memory   *memory.Store
	Executor *executor.Executor
	Provider provider.Provider

	audit executor.AuditLogger
}

// Build assembles the provider, classifier, executor, memory store and
// agent described by cfg.
func Build(cfg *config.Config, deps Deps) (*Core, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prov := deps.Provider
	if prov == nil {
		creds := deps.Credentials
		if creds == nil {
			creds = config.NewCredentials(cfg.CredentialsDir())
		}
		p, err := provider.New(cfg, creds, logger)
		if err != nil {
			return nil, err
		}
		prov = p
	}

	mem, err := memory.Open(cfg.MemoryDir(), filepath.Join(cfg.LogsDir(), "commands.log"))
	if err != nil {
		return nil, err
	}

	audit, err := OpenAudit(cfg, logger)
	if err != nil {
		return nil, err
	}

	exec := executor.New(executor.Config{
		Timeout:        cfg.Executor.Timeout,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
	}, audit, logger)

	a := agent.New(agent.ConfigFrom(cfg), agent.Deps{
		Provider:   prov,
		Classifier: NewClassifier(cfg),
		Executor:   exec,
		Memory:     mem,
		Clock:      deps.Clock,
		Logger:     logger,
	})

	return &Core{Agent: a, Memory: mem, Executor: exec, Provider: prov, audit: audit}, nil
}

// Close releases the audit log.
func (c *Core) Close() error { return c.audit.Close() }

// OpenAudit opens the configured audit backend.
func OpenAudit(cfg *config.Config, logger *slog.Logger) (executor.AuditLogger, error) {
	if cfg.Executor.Audit.Backend == config.AuditSQLite {
		return executor.OpenSQLiteAudit(cfg.AuditPath(), logger)
	}
	return executor.OpenFileAudit(cfg.AuditPath(), logger)
}

// NewClassifier builds the safety policy for cfg. The agent's own
// configuration is protected and its credentials are off limits.
func NewClassifier(cfg *config.Config) *safety.Classifier {
	dir := cfg.Dir
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	creds := filepath.Join(dir, "credentials")

	protected := []string{dir}
	secrets := []string{creds, "/etc/shadow", "/etc/gshadow"}
	home, _ := os.UserHomeDir()
	if home != "" {
		secrets = append(secrets, filepath.Join(home, ".ssh"), filepath.Join(home, ".gnupg"))
		protected = append(protected, homeForms(home, dir)...)
		secrets = append(secrets, homeForms(home, creds)...)
	}
	// A command run from inside the config's parent can name the
	// credentials relative to it.
	secrets = append(secrets, filepath.Join(filepath.Base(dir), "credentials"))

	return safety.New(safety.Options{
		SafeMode:       cfg.Agent.SafeMode,
		ProtectedPaths: protected,
		SecretPaths:    secrets,
		Home:           home,
	})
}

// homeForms returns the ~, $HOME and ${HOME} spellings of path when it
// lives under home.
func homeForms(home, path string) []string {
	rel, err := filepath.Rel(home, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil
	}
	return []string{"~/" + rel, "$HOME/" + rel, "${HOME}/" + rel}
}

// Daemon serves the local socket and runs automations.
type Daemon struct {
	cfg     *config.Config
	core    *Core
	queue   *notify.Queue
	sched   *scheduler.Scheduler
	server  *ipc.Server
	clock   clock.Clock
	logger  *slog.Logger
	version string

	mu      sync.Mutex
	started time.Time
}

// New wires a daemon from cfg.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	core, err := Build(cfg, deps)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		core:    core,
		queue:   notify.NewQueue(cfg.Daemon.QueueSize, deps.Clock, deps.Logger),
		clock:   deps.Clock,
		logger:  deps.Logger.With("component", "daemon"),
		version: deps.Version,
	}
	d.sched = scheduler.New(scheduler.Options{
		RulesPath:  cfg.RulesPath(),
		Tick:       cfg.Daemon.Tick,
		JobTimeout: cfg.Daemon.JobTimeout,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	}, core.Agent, d.queue)
	d.server = ipc.NewServer(ipc.ServerOptions{
		Path:      cfg.SocketPath(),
		PollBatch: cfg.Daemon.PollBatch,
		Clock:     deps.Clock,
		Logger:    deps.Logger,
	}, d)
	return d, nil
}

// Ready is closed once the socket is accepting connections.
func (d *Daemon) Ready() <-chan struct{} { return d.server.Ready() }

// Queue exposes the notification queue.
func (d *Daemon) Queue() *notify.Queue { return d.queue }

// Run serves until ctx is cancelled. Failing to bind the socket is fatal;
// everything else is logged and survived.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.started = d.clock.Now()
	d.mu.Unlock()

	if !d.core.Memory.HasSystemInfo() {
		if err := d.core.Memory.RefreshSystemInfo(ctx); err != nil {
			d.logger.Warn("failed to collect system information", "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(runCtx) }()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		d.sched.Run(runCtx)
	}()

	d.logger.Info("daemon running",
		"version", d.version,
		"provider", d.core.Provider.Name(),
		"socket", d.cfg.SocketPath(),
		"rules", d.cfg.RulesPath(),
	)

	var err error
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received, stopping...")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("socket server: %w", err)
		}
		serveErr = nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		if serveErr != nil {
			<-serveErr
		}
		<-schedDone
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("shutdown complete")
	case <-time.After(ShutdownTimeout):
		d.logger.Warn("shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if cerr := d.core.Close(); cerr != nil {
		d.logger.Warn("closing audit log", "error", cerr)
	}
	return err
}

// Message runs one interactive turn for a relay or local client.
func (d *Daemon) Message(ctx context.Context, from, body string) ipc.Reply {
	r := d.core.Agent.HandleMessage(ctx, agent.Input{From: from, Text: body, Interactive: true})
	return ipc.Reply{Body: r.Text, Pending: r.Pending, Failed: r.Failed}
}

// Poll drains queued notifications.
func (d *Daemon) Poll(max int) []notify.Item { return d.queue.Drain(max) }

// Reset clears from's conversation.
func (d *Daemon) Reset(from string) { d.core.Agent.Reset(from) }

// Status reports queue and scheduler statistics.
func (d *Daemon) Status() ipc.Status {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	return ipc.Status{
		Version:  d.version,
		Uptime:   d.clock.Now().Sub(started).Truncate(time.Second).String(),
		Provider: d.core.Provider.Name(),
		Queued:   d.queue.Len(),
		Dropped:  d.queue.Dropped(),
		Rules:    len(d.sched.Rules()),
		Running:  d.sched.Running(),
		Sessions: d.core.Agent.Sessions(),
	}
}

// ErrNotRunning is returned by Probe when nothing answers on the socket.
var ErrNotRunning = errors.New("daemon is not running")

// Probe pings the daemon socket at path.
func Probe(ctx context.Context, path string) (*ipc.Status, error) {
	c, err := ipc.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer c.Close()
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c.Status(ctx)
}
