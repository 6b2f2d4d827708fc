package executor

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// auditRetention is how long SQLite audit rows are kept.
const auditRetention = 30 * 24 * time.Hour

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id     TEXT NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	tier        TEXT NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	command     TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);
`

// SQLiteAudit stores audit records in a SQLite database and prunes rows
// older than 30 days when opened.
type SQLiteAudit struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteAudit opens the database at path and applies the schema.
func OpenSQLiteAudit(path string, logger *slog.Logger) (*SQLiteAudit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}
	_ = os.Chmod(path, 0o600)

	a := &SQLiteAudit{db: db, logger: logger.With("component", "audit")}
	a.prune(time.Now())
	return a, nil
}

// Log inserts rec.
func (a *SQLiteAudit) Log(rec AuditRecord) {
	_, err := a.db.Exec(`
		INSERT INTO audit_log (turn_id, sender, tier, status, exit_code, duration_ms, command, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TurnID, rec.From, rec.Tier, rec.Status, rec.ExitCode,
		rec.Duration.Milliseconds(), rec.Command, rec.Time.UTC().Format(time.RFC3339),
	)
	if err != nil {
		a.logger.Warn("failed to write audit log", "turn", rec.TurnID, "error", err)
	}
}

// Recent returns the last n records formatted like the file backend.
func (a *SQLiteAudit) Recent(n int) ([]string, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := a.db.Query(`
		SELECT turn_id, sender, tier, status, exit_code, duration_ms, command, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			rec        AuditRecord
			durationMs int64
			createdAt  string
		)
		if err := rows.Scan(&rec.TurnID, &rec.From, &rec.Tier, &rec.Status, &rec.ExitCode, &durationMs, &rec.Command, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.Time, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rec.String())
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (a *SQLiteAudit) Count() int {
	var n int
	_ = a.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n)
	return n
}

// Close closes the database.
func (a *SQLiteAudit) Close() error { return a.db.Close() }

func (a *SQLiteAudit) prune(now time.Time) {
	cutoff := now.Add(-auditRetention).UTC().Format(time.RFC3339)
	res, err := a.db.Exec("DELETE FROM audit_log WHERE created_at < ?", cutoff)
	if err != nil {
		a.logger.Warn("audit log prune failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		a.logger.Info("audit log pruned", "removed", n)
	}
}
