// Package safety classifies candidate shell commands into execution tiers.
//
// Classification is purely rule based. The deny table is evaluated
// first and is final; the confirm table marks mutating but reversible
// actions; everything else is Auto when it is a known read-only query
// (or, with safe mode off, when nothing matched).
package safety

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Tier is the authorization level assigned to a command.
type Tier int

const (
	// Auto commands run without asking.
	Auto Tier = iota
	// Confirm commands need explicit interactive affirmation.
	Confirm
	// Blocked commands are never executed.
	Blocked
)

func (t Tier) String() string {
	switch t {
	case Auto:
		return "auto"
	case Confirm:
		return "confirm"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Verdict is the result of classifying one command.
type Verdict struct {
	Tier   Tier
	Reason string
	// Rule is the pattern that decided the tier, if any.
	Rule string
}

type rule struct {
	re     *regexp.Regexp
	reason string
}

// denyRules are destructive or unbounded operations. Always Blocked.
var denyRules = compile([][2]string{
	{`\brm\s+(-\S*\s+)*(/|~|\$HOME|\$\{HOME\})/?\*?(\s|$)`, "recursive deletion of the filesystem root or home"},
	{`\brm\s+.*--no-preserve-root`, "recursive deletion of the filesystem root"},
	{`\brm\s+(-\S*\s+)*(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\s+(-\S*\s+)*/(etc|usr|boot|var|bin|sbin|lib|lib64|root|home|dev|proc|sys|opt|srv)(/\*?)?(\s|$)`, "recursive deletion of a system directory"},
	{`\bdd\s+.*\bif=`, "raw disk copy"},
	{`\bmkfs(\.\w+)?\b`, "filesystem formatting"},
	{`\bwipefs\b`, "filesystem signature wipe"},
	{`>\s*/dev/(sd|nvme|vd|hd|mmcblk)`, "write into a block device"},
	{`\|\s*/dev/(sd|nvme|vd|hd|mmcblk)`, "pipe into a block device"},
	{`\btee\s+(-a\s+)?/dev/(sd|nvme|vd|hd|mmcblk)`, "write into a block device"},
	{`:\(\)\s*\{`, "fork bomb"},
	{`\bchmod\s+(-[a-zA-Z]+\s+)*0?777\s+/(\s|$)`, "world-writable filesystem root"},
	{`\bchmod\s+-R\s+0?777\s+/`, "recursive world-writable system path"},
	{`\bchown\s+-R\s+\S+\s+/(\s|$)`, "recursive ownership change of the filesystem root"},
	{`\bbase64\s+(-d|--decode)\b.*\|\s*(ba|z)?sh\b`, "decoded payload piped into a shell"},
	{`\b(curl|wget)\b.*\|\s*(sudo\s+)?python[23]?\b`, "remote script piped into python"},
	{`>>?\s*/etc/(passwd|shadow|sudoers|gshadow|group)\b`, "direct write to an account database"},
	{`\btee\s+(-a\s+)?/etc/(passwd|shadow|sudoers|gshadow|group)\b`, "direct write to an account database"},
	{`\b(sed\s+-i|truncate)\b.*/etc/(passwd|shadow|sudoers|gshadow|group)\b`, "in-place edit of an account database"},
	{`\bvisudo\b`, "sudoers editing"},
	{`\bshred\b.*/dev/(sd|nvme|vd|hd|mmcblk)`, "device shredding"},
})

// confirmRules are mutating but reversible operations.
var confirmRules = compile([][2]string{
	{`\b(pacman|yay|paru)\s+(-[a-zA-Z]+\s+)*-R[a-zA-Z]*\b`, "package removal"},
	{`\b(pacman|yay|paru)\s+-S[yuw]*(\s|$)`, "package install or system upgrade"},
	{`\b(pacman|yay|paru)\s+-U\b`, "local package install"},
	{`\b(yay|paru)\s*$`, "system upgrade"},
	{`\bsystemctl\s+(--\S+\s+)*(enable|disable|start|stop|restart|reload|mask|unmask|daemon-reload|reboot|poweroff)\b`, "service state change"},
	{`\b(sudo|doas)\b`, "privilege escalation"},
	{`\b(curl|wget)\b.*\|\s*(sudo\s+)?(ba|z)?sh\b`, "remote script piped into a shell"},
	{`\b(reboot|shutdown|poweroff|halt)\b`, "power state change"},
	{`\b(useradd|userdel|usermod|groupadd|groupdel|groupmod|chpasswd)\b`, "account management"},
	{`\bpasswd\b`, "password change"},
	{`>>?\s*/etc/`, "system configuration edit"},
	{`\b(sed\s+-i|tee)\b.*\s/etc/`, "system configuration edit"},
	{`\b(rm|mv|chmod|chown)\b`, "file modification"},
	{`\b(kill|pkill|killall)\b`, "process termination"},
	{`\b(ufw|iptables|nft)\b`, "firewall change"},
	{`\bnmcli\s+(connection|con|c|radio|networking)\s+(up|down|add|delete|del|modify|mod|off|on)\b`, "network change"},
	{`\b(timedatectl|hostnamectl|localectl)\s+set-`, "system setting change"},
	{`\bfind\b.*\s-(delete|exec|execdir|ok)\b`, "file modification"},
	{`\bdate\s+(-s|--set)\b`, "system setting change"},
	{`(^|[;&|]\s*)hostname\s+[a-zA-Z0-9]`, "system setting change"},
})

// readOnlyPrefixes are queries with no side effects. Each pipeline
// segment of a command must start with one of these to be Auto under
// safe mode.
var readOnlyPrefixes = []string{
	"df", "du", "free", "uptime", "uname", "hostname", "whoami", "id", "date", "cal",
	"ps", "top -b", "pgrep", "pidof",
	"ls", "cat", "head", "tail", "less", "grep", "wc", "sort", "uniq", "cut", "tr", "column",
	"stat", "file", "which", "whereis", "echo", "printf", "pwd", "tree", "find",
	"lsblk", "lscpu", "lsusb", "lspci", "lsmod", "blkid", "findmnt", "sensors",
	"ip addr", "ip a", "ip route", "ip r", "ip link show", "ss", "ping -c", "dig", "nslookup",
	"nmcli general", "nmcli device status", "nmcli device wifi list", "nmcli dev wifi list",
	"nmcli connection show", "nmcli con show", "nmcli -t",
	"journalctl", "dmesg", "systemctl status", "systemctl list-units", "systemctl list-unit-files",
	"systemctl is-active", "systemctl is-enabled", "systemctl is-failed", "systemctl --failed",
	"pacman -Q", "pacman -Qs", "pacman -Qi", "pacman -Ql", "pacman -Qu", "pacman -Qdt",
	"pacman -Ss", "pacman -Si", "yay -Ss", "yay -Si", "checkupdates",
	"timedatectl", "timedatectl status", "hostnamectl", "hostnamectl status", "localectl status",
	"printenv",
}

// harmlessRedirects are stripped before looking for output redirection.
var harmlessRedirects = regexp.MustCompile(`\s*(2>&1|[12]?>\s*/dev/null)`)

// homeTilde matches a ~ that the shell would expand to $HOME.
var homeTilde = regexp.MustCompile(`(^|[\s=:'"(])~(/|\s|$)`)

// Options configures a Classifier.
type Options struct {
	// SafeMode escalates commands that match neither table and are not
	// recognized as read-only to Confirm.
	SafeMode bool

	// ProtectedPaths are the agent's own config locations. Any command
	// touching them that is not read-only is Blocked.
	ProtectedPaths []string

	// SecretPaths are paths that must never be read or written.
	SecretPaths []string

	// Home is substituted for ~, $HOME and ${HOME} before paths are
	// compared. Defaults to the current user's home directory.
	Home string
}

// Classifier assigns tiers to commands. It is immutable and safe for
// concurrent use.
type Classifier struct {
	opts Options
}

// New returns a classifier.
func New(opts Options) *Classifier {
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	return &Classifier{opts: opts}
}

// Classify returns the tier for cmd.
func (c *Classifier) Classify(cmd string) Verdict {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return Verdict{Tier: Blocked, Reason: "empty command"}
	}

	segs := segments(cmd)
	for _, r := range denyRules {
		if r.re.MatchString(cmd) {
			return Verdict{Tier: Blocked, Reason: r.reason, Rule: r.re.String()}
		}
		for _, seg := range segs {
			if r.re.MatchString(seg) {
				return Verdict{Tier: Blocked, Reason: r.reason, Rule: r.re.String()}
			}
		}
	}

	readOnly := IsReadOnly(cmd)
	expanded := c.expandHome(cmd)

	for _, p := range c.opts.SecretPaths {
		if mentions(cmd, expanded, p) {
			return Verdict{Tier: Blocked, Reason: "access to the agent's credentials", Rule: p}
		}
	}
	if !readOnly {
		for _, p := range c.opts.ProtectedPaths {
			if mentions(cmd, expanded, p) {
				return Verdict{Tier: Blocked, Reason: "modification of the agent's own configuration", Rule: p}
			}
		}
	}

	for _, r := range confirmRules {
		if r.re.MatchString(cmd) {
			return Verdict{Tier: Confirm, Reason: r.reason, Rule: r.re.String()}
		}
	}

	if readOnly {
		return Verdict{Tier: Auto, Reason: "read-only query"}
	}
	if c.opts.SafeMode {
		return Verdict{Tier: Confirm, Reason: "not a recognized read-only command"}
	}
	return Verdict{Tier: Auto, Reason: "no rule matched"}
}

// expandHome replaces the shell's home directory forms with opts.Home.
func (c *Classifier) expandHome(cmd string) string {
	home := strings.TrimRight(c.opts.Home, "/")
	if home == "" {
		return cmd
	}
	out := strings.NewReplacer("${HOME}", home, "$HOME", home).Replace(cmd)
	repl := "${1}" + strings.ReplaceAll(home, "$", "$$") + "${2}"
	// Adjacent tildes share a separator, so a second pass catches "~ ~".
	for i := 0; i < 2; i++ {
		out = homeTilde.ReplaceAllString(out, repl)
	}
	return out
}

// mentions reports whether path p occurs in the command as written or
// after home expansion.
func mentions(cmd, expanded, p string) bool {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return false
	}
	return strings.Contains(cmd, p) || strings.Contains(expanded, p)
}

// segments returns the chained and piped parts of cmd, trimmed.
func segments(cmd string) []string {
	var out []string
	for _, part := range splitCommandChain(cmd) {
		for _, seg := range splitUnquoted(part, '|') {
			if seg = strings.TrimSpace(seg); seg != "" {
				out = append(out, seg)
			}
		}
	}
	return out
}

// IsReadOnly reports whether every segment of cmd is a known read-only
// query and nothing is redirected to a file.
func IsReadOnly(cmd string) bool {
	cmd = strings.TrimSpace(harmlessRedirects.ReplaceAllString(cmd, ""))
	if cmd == "" {
		return false
	}
	if hasUnquoted(cmd, '>') || hasUnquoted(cmd, '`') || strings.Contains(cmd, "$(") {
		return false
	}

	for _, part := range splitCommandChain(cmd) {
		for _, seg := range splitUnquoted(part, '|') {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			if !matchesReadOnlyPrefix(seg) {
				return false
			}
		}
	}
	return true
}

// hasUnquoted reports whether ch occurs outside single or double quotes.
func hasUnquoted(cmd string, ch byte) bool {
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if c == '\'' || c == '"' {
			quote := c
			i++
			for i < len(cmd) && cmd[i] != quote {
				if cmd[i] == '\\' {
					i++
				}
				i++
			}
			continue
		}
		if c == ch {
			return true
		}
	}
	return false
}

// splitCommandChain splits a command on &&, || and ; outside quotes.
// Pipes are left intact.
func splitCommandChain(cmd string) []string {
	var parts []string
	var current strings.Builder
	inQuote := byte(0)

	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]

		if inQuote != 0 {
			current.WriteByte(ch)
			if ch == inQuote && (i == 0 || cmd[i-1] != '\\') {
				inQuote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			inQuote = ch
			current.WriteByte(ch)
			continue
		}

		if i < len(cmd)-1 && ((ch == '&' && cmd[i+1] == '&') || (ch == '|' && cmd[i+1] == '|')) {
			parts = append(parts, current.String())
			current.Reset()
			i++
			continue
		}
		if ch == ';' || ch == '&' || ch == '\n' {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteByte(ch)
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// splitUnquoted splits s on sep outside quotes.
func splitUnquoted(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '\'' || ch == '"':
			inQuote = ch
		case ch == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// matchesReadOnlyPrefix checks one pipeline segment against readOnlyPrefixes,
// skipping leading VAR=value assignments.
func matchesReadOnlyPrefix(seg string) bool {
	fields := strings.Fields(seg)
	for len(fields) > 0 && strings.Contains(fields[0], "=") && !strings.HasPrefix(fields[0], "-") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return false
	}
	first := strings.Join(fields, " ")

	for _, prefix := range readOnlyPrefixes {
		if first == prefix || strings.HasPrefix(first, prefix+" ") {
			return true
		}
	}
	return false
}

func compile(pairs [][2]string) []rule {
	rules := make([]rule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, rule{re: regexp.MustCompile("(?i)" + p[0]), reason: p[1]})
	}
	return rules
}
