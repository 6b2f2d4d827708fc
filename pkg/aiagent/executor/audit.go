package executor

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditRecord describes one execution attempt, including refusals.
type AuditRecord struct {
	Time     time.Time
	TurnID   string
	From     string
	Tier     string
	Status   string
	ExitCode int
	Duration time.Duration
	Command  string
}

// String formats the record as a single audit line.
func (r AuditRecord) String() string {
	return fmt.Sprintf("[%s] id=%s from=%s tier=%s status=%s exit=%d duration=%s cmd=%q",
		r.Time.UTC().Format(time.RFC3339), r.TurnID, r.From, r.Tier, r.Status,
		r.ExitCode, r.Duration.Round(time.Millisecond), r.Command)
}

// AuditLogger persists audit records. Log never fails the caller;
// backends report write errors through their logger.
type AuditLogger interface {
	Log(rec AuditRecord)
	Recent(n int) ([]string, error)
	Close() error
}

type nopAudit struct{}

func (nopAudit) Log(AuditRecord)              {}
func (nopAudit) Recent(int) ([]string, error) { return nil, nil }
func (nopAudit) Close() error                 { return nil }

// FileAudit appends one line per record to a plain text file.
type FileAudit struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// OpenFileAudit opens (or creates) the append-only audit file.
func OpenFileAudit(path string, logger *slog.Logger) (*FileAudit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileAudit{path: path, file: f, logger: logger.With("component", "audit")}, nil
}

// Log appends rec.
func (a *FileAudit) Log(rec AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.WriteString(rec.String() + "\n"); err != nil {
		a.logger.Warn("failed to write audit log", "path", a.path, "error", err)
	}
}

// Recent returns the last n lines of the file, newest first.
func (a *FileAudit) Recent(n int) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Close closes the underlying file.
func (a *FileAudit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
