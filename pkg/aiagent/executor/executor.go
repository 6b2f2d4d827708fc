// Package executor runs classified commands under a timeout, captures
// bounded output and records every attempt in the audit log.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/safety"
)

// Audit statuses.
const (
	StatusSafe      = "SAFE"
	StatusConfirmed = "CONFIRMED"
	StatusBlocked   = "BLOCKED"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
	StatusTimeout   = "TIMEOUT"
)

var (
	// ErrBlocked is returned for Blocked candidates. Nothing is started.
	ErrBlocked = errors.New("command blocked by safety policy")

	// ErrNotApproved is returned for Confirm candidates without approval.
	ErrNotApproved = errors.New("command requires interactive confirmation")

	// ErrTimeout is returned when the command exceeded its time bound.
	ErrTimeout = errors.New("command timed out")
)

// Candidate is a literal command plus its classification. It is produced
// by the agent loop and consumed once by Run.
type Candidate struct {
	// TurnID correlates the audit record with the agent turn.
	TurnID  string
	From    string
	Command string
	Verdict safety.Verdict
}

// Result is the outcome of one execution.
type Result struct {
	Output    string
	ExitCode  int
	Truncated bool
	Status    string
	Duration  time.Duration
}

// Config bounds command execution.
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int

	// Shell runs the command with "-c". Defaults to /bin/sh.
	Shell string
}

// Executor runs approved candidates.
type Executor struct {
	cfg    Config
	audit  AuditLogger
	logger *slog.Logger
}

// New creates an executor. audit may be nil.
func New(cfg Config, audit AuditLogger, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 16 * 1024
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if audit == nil {
		audit = nopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, audit: audit, logger: logger.With("component", "executor")}
}

// Run executes c. Blocked candidates and unapproved Confirm candidates
// are refused before any process is started; the refusal is audited.
// A non-zero exit is reported in the Result with status FAILED and a
// nil error.
func (e *Executor) Run(ctx context.Context, c Candidate, approved bool) (*Result, error) {
	if c.Verdict.Tier == safety.Blocked || (c.Verdict.Tier == safety.Confirm && !approved) {
		return e.Refuse(c)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Shell, "-c", c.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	out := &limitedBuffer{max: e.cfg.MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Output:    out.String(),
		Truncated: out.dropped > 0,
		Duration:  time.Since(start),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimeout
		res.ExitCode = -1
		e.record(c, res.Status, res.ExitCode, res.Duration)
		e.logger.Warn("command timed out", "turn", c.TurnID, "command", c.Command, "timeout", e.cfg.Timeout)
		return res, fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.Status = StatusFailed
			res.ExitCode = -1
			e.record(c, res.Status, res.ExitCode, res.Duration)
			return res, fmt.Errorf("starting command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
		res.Status = StatusFailed
	default:
		res.Status = StatusSafe
		if c.Verdict.Tier == safety.Confirm {
			res.Status = StatusConfirmed
		}
	}

	e.record(c, res.Status, res.ExitCode, res.Duration)
	e.logger.Info("command finished",
		"turn", c.TurnID,
		"tier", c.Verdict.Tier.String(),
		"exit", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"truncated", res.Truncated,
	)
	return res, nil
}

// Refuse audits c as refused without starting a process. Blocked
// candidates are recorded BLOCKED with ErrBlocked; anything else is
// recorded REJECTED with ErrNotApproved.
func (e *Executor) Refuse(c Candidate) (*Result, error) {
	if c.Verdict.Tier == safety.Blocked {
		e.record(c, StatusBlocked, -1, 0)
		e.logger.Warn("refused blocked command", "turn", c.TurnID, "command", c.Command, "reason", c.Verdict.Reason)
		return &Result{Status: StatusBlocked, ExitCode: -1}, ErrBlocked
	}
	e.record(c, StatusRejected, -1, 0)
	e.logger.Info("refused unconfirmed command", "turn", c.TurnID, "command", c.Command)
	return &Result{Status: StatusRejected, ExitCode: -1}, ErrNotApproved
}

// Cancel records that the operator declined c.
func (e *Executor) Cancel(c Candidate) {
	e.record(c, StatusCancelled, -1, 0)
}

// Recent returns the last n audit entries, newest first.
func (e *Executor) Recent(n int) ([]string, error) {
	return e.audit.Recent(n)
}

func (e *Executor) record(c Candidate, status string, exit int, d time.Duration) {
	e.audit.Log(AuditRecord{
		Time:     time.Now(),
		TurnID:   c.TurnID,
		From:     c.From,
		Tier:     c.Verdict.Tier.String(),
		Status:   status,
		ExitCode: exit,
		Duration: d,
		Command:  c.Command,
	})
}

// limitedBuffer keeps the first max bytes written and counts the rest.
type limitedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	dropped int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += len(p) - max(room, 0)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := strings.TrimRight(b.buf.String(), "\n")
	if b.dropped > 0 {
		out += fmt.Sprintf("\n...[output truncated: %d bytes omitted]", b.dropped)
	}
	return out
}
