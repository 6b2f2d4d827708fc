package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NotifyAll delivers a rule's result to every allowed relay sender.
const NotifyAll = "all"

// Rule is one scheduled automation.
type Rule struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	// Action is the natural-language request handed to the agent.
	Action string `yaml:"action"`
	// Notify is the delivery target: a relay sender ID or "all".
	Notify  string `yaml:"notify,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	// AutoApply is accepted for compatibility. Automations only ever
	// execute read-only commands.
	AutoApply bool `yaml:"auto_apply,omitempty"`
}

// IsEnabled reports whether the rule should fire. Rules are enabled unless
// they say otherwise.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Target returns the queue target for the rule's notifications. The empty
// string means every allowed sender.
func (r Rule) Target() string {
	t := strings.TrimSpace(r.Notify)
	if strings.EqualFold(t, NotifyAll) {
		return ""
	}
	return t
}

type rulesFile struct {
	Automations []Rule `yaml:"automations"`
}

// ParseRules decodes and validates a rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	seen := make(map[string]bool, len(f.Automations))
	for i := range f.Automations {
		r := &f.Automations[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Schedule = strings.TrimSpace(r.Schedule)
		r.Action = strings.TrimSpace(r.Action)

		switch {
		case r.Name == "":
			return nil, fmt.Errorf("rule %d: name is required", i+1)
		case seen[r.Name]:
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		case r.Schedule == "":
			return nil, fmt.Errorf("rule %q: schedule is required", r.Name)
		case r.Action == "":
			return nil, fmt.Errorf("rule %q: action is required", r.Name)
		}
		if err := Validate(r.Schedule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		seen[r.Name] = true
	}
	return f.Automations, nil
}

// LoadRules reads the rules file at path. A missing file yields no rules.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules returns the starter automations.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "health-check",
			Schedule: "0 9 * * *",
			Action:   "Check overall system health: CPU load, memory, disk usage, uptime and the number of pending updates. Summarize briefly and point out anything that needs attention.",
			Notify:   NotifyAll,
		},
		{
			Name:     "security-updates",
			Schedule: "0 */6 * * *",
			Action:   "Check whether security updates are available. If there are, list the packages. If not, answer only \"no security updates\".",
			Notify:   NotifyAll,
		},
		{
			Name:     "disk-space",
			Schedule: "0 0 * * *",
			Action:   "Check disk usage and warn about any partition above 80%. If everything is fine, answer only \"disk space normal\".",
			Notify:   NotifyAll,
		},
	}
}

const rulesHeader = `# blunux-ai automations
#
# schedule is a 5-field cron expression:
#   minute(0-59) hour(0-23) day-of-month(1-31) month(1-12) day-of-week(0-6, 0=Sunday)
#
#   "0 9 * * *"    every day at 09:00
#   "0 */6 * * *"  every 6 hours
#   "0 0 * * *"    every day at midnight
#
# notify is a relay sender ID, or "all" for every allowed sender.
# Automations run unattended: commands that need confirmation are refused.

`

// InitRules writes the default rules file unless one exists. It reports
// whether a file was created.
func InitRules(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("checking rules file: %w", err)
	}

	data, err := yaml.Marshal(rulesFile{Automations: DefaultRules()})
	if err != nil {
		return false, fmt.Errorf("encoding default rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(rulesHeader), data...), 0o600); err != nil {
		return false, fmt.Errorf("writing rules: %w", err)
	}
	return true, nil
}
