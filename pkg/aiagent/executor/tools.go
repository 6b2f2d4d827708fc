package executor

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Description string
	Required    bool
	Enum        []string
}

// Tool is a named system operation the model can request. Every tool is
// rendered to a literal shell command so the same classifier and audit
// path apply whether the model used a named tool or run_command.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	build       func(args map[string]string) (string, error)
}

// RunCommandTool is the generic tool taking a literal command.
const RunCommandTool = "run_command"

var identRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+-]*$`)

var logPriorities = []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

var serviceActions = []string{"start", "stop", "restart", "enable", "disable", "status"}

var tools = map[string]Tool{
	"check_disk": {
		Name:        "check_disk",
		Description: "Show filesystem usage for all mounted filesystems.",
		build:       func(map[string]string) (string, error) { return "df -h", nil },
	},
	"check_memory": {
		Name:        "check_memory",
		Description: "Show RAM and swap usage.",
		build:       func(map[string]string) (string, error) { return "free -h", nil },
	},
	"check_processes": {
		Name:        "check_processes",
		Description: "List the top processes by CPU or memory usage.",
		Params: []Param{
			{Name: "sort_by", Description: "cpu or memory (default memory)", Enum: []string{"cpu", "memory"}},
			{Name: "limit", Description: "number of processes to show (default 15, max 50)"},
		},
		build: func(args map[string]string) (string, error) {
			key := "-%mem"
			if args["sort_by"] == "cpu" {
				key = "-%cpu"
			}
			limit, err := boundedInt(args["limit"], 15, 1, 50)
			if err != nil {
				return "", fmt.Errorf("limit: %w", err)
			}
			return fmt.Sprintf("ps aux --sort=%s | head -n %d", key, limit+1), nil
		},
	},
	"read_logs": {
		Name:        "read_logs",
		Description: "Read today's system journal, optionally filtered by unit and priority.",
		Params: []Param{
			{Name: "unit", Description: "systemd unit name"},
			{Name: "priority", Description: "minimum priority", Enum: logPriorities},
			{Name: "lines", Description: "number of lines (default 50, max 500)"},
		},
		build: func(args map[string]string) (string, error) {
			lines, err := boundedInt(args["lines"], 50, 1, 500)
			if err != nil {
				return "", fmt.Errorf("lines: %w", err)
			}
			cmd := "journalctl --no-pager --since today"
			if p := args["priority"]; p != "" {
				cmd += " -p " + p
			}
			if u := args["unit"]; u != "" {
				cmd += " -u " + u
			}
			return fmt.Sprintf("%s -n %d", cmd, lines), nil
		},
	},
	"check_network": {
		Name:        "check_network",
		Description: "Show network status, or visible Wi-Fi networks when wifi is true.",
		Params: []Param{
			{Name: "wifi", Description: "list Wi-Fi networks", Enum: []string{"true", "false"}},
		},
		build: func(args map[string]string) (string, error) {
			if args["wifi"] == "true" {
				return "nmcli device wifi list", nil
			}
			return "nmcli general status && nmcli device status", nil
		},
	},
	"list_packages": {
		Name:        "list_packages",
		Description: "List installed packages, optionally filtered by a search term.",
		Params: []Param{
			{Name: "filter", Description: "search term"},
		},
		build: func(args map[string]string) (string, error) {
			if f := args["filter"]; f != "" {
				return "pacman -Qs " + f, nil
			}
			return "pacman -Q", nil
		},
	},
	"install_package": {
		Name:        "install_package",
		Description: "Install a package from the repositories or the AUR. Requires confirmation.",
		Params:      []Param{{Name: "name", Description: "package name", Required: true}},
		build: func(args map[string]string) (string, error) {
			return "yay -S --noconfirm " + args["name"], nil
		},
	},
	"remove_package": {
		Name:        "remove_package",
		Description: "Remove a package and its unused dependencies. Requires confirmation.",
		Params:      []Param{{Name: "name", Description: "package name", Required: true}},
		build: func(args map[string]string) (string, error) {
			return "sudo pacman -Rns --noconfirm " + args["name"], nil
		},
	},
	"update_system": {
		Name:        "update_system",
		Description: "Upgrade all packages. Requires confirmation.",
		build:       func(map[string]string) (string, error) { return "yay -Syu --noconfirm", nil },
	},
	"manage_service": {
		Name:        "manage_service",
		Description: "Query or control a systemd service. Anything except status requires confirmation.",
		Params: []Param{
			{Name: "action", Description: "service action", Required: true, Enum: serviceActions},
			{Name: "name", Description: "unit name", Required: true},
		},
		build: func(args map[string]string) (string, error) {
			if args["action"] == "status" {
				return "systemctl status --no-pager " + args["name"], nil
			}
			return fmt.Sprintf("sudo systemctl %s %s", args["action"], args["name"]), nil
		},
	},
	RunCommandTool: {
		Name:        RunCommandTool,
		Description: "Run a shell command. It is classified and may require confirmation or be refused.",
		Params:      []Param{{Name: "command", Description: "the literal shell command", Required: true}},
		build: func(args map[string]string) (string, error) {
			return strings.TrimSpace(args["command"]), nil
		},
	},
}

// Tools returns every named tool sorted by name.
func Tools() []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildCommand validates args for the named tool and renders the command.
func BuildCommand(name string, args map[string]string) (string, error) {
	t, ok := tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	for _, p := range t.Params {
		v := args[p.Name]
		if v == "" {
			if p.Required {
				return "", fmt.Errorf("%s: missing required argument %q", name, p.Name)
			}
			continue
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, v) {
			return "", fmt.Errorf("%s: %s must be one of %s", name, p.Name, strings.Join(p.Enum, ", "))
		}
		if name != RunCommandTool && p.Enum == nil && !isNumericParam(p.Name) && !identRe.MatchString(v) {
			return "", fmt.Errorf("%s: invalid %s %q", name, p.Name, v)
		}
	}
	cmd, err := t.build(args)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if cmd == "" {
		return "", fmt.Errorf("%s: empty command", name)
	}
	return cmd, nil
}

func isNumericParam(name string) bool {
	return name == "limit" || name == "lines"
}

func boundedInt(s string, def, lo, hi int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return min(max(n, lo), hi), nil
}
