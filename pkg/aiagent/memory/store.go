// Package memory implements the agent's persistent memory on the
// filesystem.
//
// Layout under the memory root:
//   - SYSTEM.md: generated host description (RefreshSystemInfo)
//   - USER.md: operator preferences, edited by hand
//   - MEMORY.md: long-term notes (append-only)
//   - daily/YYYY-MM-DD.md: one line per finished agent turn
//
// Command attempts are additionally written to logs/commands.log.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	systemFile = "SYSTEM.md"
	userFile   = "USER.md"
	memoryFile = "MEMORY.md"
	dailyDir   = "daily"

	// dailyContextLines caps the daily section of BuildContext.
	dailyContextLines = 50
)

// Store is a file-backed memory store. All methods are safe for
// concurrent use; the lock is held only around file operations.
type Store struct {
	dir        string
	commandLog string
	mu         sync.Mutex
}

// Open creates the memory directories if needed. commandLog is the path
// of the command log file.
func Open(dir, commandLog string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, dailyDir), 0o700); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(commandLog), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &Store{dir: dir, commandLog: commandLog}, nil
}

// Dir returns the memory root.
func (s *Store) Dir() string { return s.dir }

// AppendDaily appends "HH:MM - text" to the daily log for t.
func (s *Store) AppendDaily(t time.Time, text string) error {
	path := filepath.Join(s.dir, dailyDir, t.Format("2006-01-02")+".md")
	line := fmt.Sprintf("%s - %s\n", t.Format("15:04"), oneLine(text))
	return s.appendWithHeader(path, "# "+t.Format("2006-01-02")+"\n\n", line)
}

// Remember appends a long-term note to MEMORY.md.
func (s *Store) Remember(t time.Time, text string) error {
	path := filepath.Join(s.dir, memoryFile)
	line := fmt.Sprintf("- [%s] %s\n", t.Format("2006-01-02 15:04"), oneLine(text))
	return s.appendWithHeader(path, "# Long-term Memory\n\n", line)
}

// LogCommand appends one command attempt to the command log.
func (s *Store) LogCommand(t time.Time, status, cmd string) error {
	line := fmt.Sprintf("[%s] %-11s %s\n", t.Format(time.RFC3339), status, oneLine(cmd))
	return s.appendWithHeader(s.commandLog, "", line)
}

func (s *Store) appendWithHeader(path, header, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if header != "" {
		if info, _ := f.Stat(); info != nil && info.Size() == 0 {
			if _, err := f.WriteString(header); err != nil {
				return fmt.Errorf("writing header: %w", err)
			}
		}
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// BuildContext renders the non-empty memory sections for the system
// prompt. The daily section contains at most the last 50 lines of the
// log for now.
func (s *Store) BuildContext(now time.Time) string {
	type section struct {
		title string
		body  string
	}
	sections := []section{
		{"System Information", s.read(systemFile)},
		{"User Preferences", s.read(userFile)},
		{"Long-term Memory", s.read(memoryFile)},
		{"Today's Session", lastLines(s.read(filepath.Join(dailyDir, now.Format("2006-01-02")+".md")), dailyContextLines)},
	}

	var b strings.Builder
	for _, sec := range sections {
		body := strings.TrimSpace(stripTitle(sec.body))
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", sec.title, body)
	}
	return strings.TrimSpace(b.String())
}

// Search returns MEMORY.md and daily log lines containing query
// (case-insensitive), newest daily files last.
func (s *Store) Search(query string, maxResults int) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	files := []string{memoryFile}
	for _, d := range s.dailyFiles() {
		files = append(files, filepath.Join(dailyDir, d))
	}

	var out []string
	for _, name := range files {
		for _, line := range strings.Split(s.read(name), "\n") {
			if strings.HasPrefix(line, "#") || !strings.Contains(strings.ToLower(line), query) {
				continue
			}
			out = append(out, strings.TrimSuffix(filepath.Base(name), ".md")+": "+strings.TrimSpace(line))
			if maxResults > 0 && len(out) >= maxResults {
				return out
			}
		}
	}
	return out
}

// Clear removes the daily logs and MEMORY.md. SYSTEM.md and USER.md
// are kept.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.dir, dailyDir)); err != nil {
		return fmt.Errorf("removing daily logs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, dailyDir), 0o700); err != nil {
		return fmt.Errorf("recreating daily dir: %w", err)
	}
	if err := os.Remove(filepath.Join(s.dir, memoryFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing long-term memory: %w", err)
	}
	return nil
}

// ShowAll renders every memory file for display.
func (s *Store) ShowAll() string {
	var b strings.Builder
	for _, name := range []string{systemFile, userFile, memoryFile} {
		body := strings.TrimSpace(s.read(name))
		if body == "" {
			body = "(empty)"
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", name, body)
	}
	days := s.dailyFiles()
	if len(days) == 0 {
		b.WriteString("=== daily ===\n(empty)\n")
	}
	for _, d := range days {
		fmt.Fprintf(&b, "=== daily/%s ===\n%s\n\n", d, strings.TrimSpace(s.read(filepath.Join(dailyDir, d))))
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// dailyFiles lists daily log file names, oldest first.
func (s *Store) dailyFiles() []string {
	s.mu.Lock()
	entries, err := os.ReadDir(filepath.Join(s.dir, dailyDir))
	s.mu.Unlock()
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// read returns the content of a file under the memory root, or "".
func (s *Store) read(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Store) write(name, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// stripTitle drops a leading "# ..." title line.
func stripTitle(s string) string {
	s = strings.TrimLeft(s, "\n")
	if strings.HasPrefix(s, "# ") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			return s[i+1:]
		}
		return ""
	}
	return s
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(stripTitle(s), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
