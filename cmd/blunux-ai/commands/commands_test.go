package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nidoit/blunux2SB/pkg/aiagent/scheduler"
)

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, name := range []string{"setup", "chat", "status", "daemon", "memory", "rules", "relay", "key"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRulesInit(t *testing.T) {
	dir := t.TempDir()
	root := NewRootCmd("test")
	root.SetArgs([]string{"rules", "init", "-c", dir})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	rules, err := scheduler.LoadRules(filepath.Join(dir, "automations.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Errorf("got %d default rules, want 3", len(rules))
	}
}

func TestRulesCheckRejectsBadSchedule(t *testing.T) {
	root := NewRootCmd("test")
	root.SetArgs([]string{"rules", "check", "61 * * * *"})
	if err := root.Execute(); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

func TestSetupNonInteractive(t *testing.T) {
	dir := t.TempDir()
	root := NewRootCmd("test")
	root.SetArgs([]string{"setup", "-c", dir, "--non-interactive",
		"--provider", "claude", "--mode", "oauth", "--language", "ko"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "language: ko") {
		t.Errorf("config.yaml:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "automations.yaml")); err != nil {
		t.Errorf("rules file: %v", err)
	}
}

func TestKeyTargetRejectsPaths(t *testing.T) {
	root := NewRootCmd("test")
	root.SetArgs([]string{"key", "delete", "../x", "-c", t.TempDir()})
	if err := root.Execute(); err == nil {
		t.Fatal("path-like credential name accepted")
	}
}
