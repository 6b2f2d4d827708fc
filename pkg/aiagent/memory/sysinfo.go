package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"
)

// Probe gathers host facts. The zero value reads the live system.
type Probe struct {
	// ReadFile defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
	// Run defaults to running the command with a 5s timeout.
	Run func(ctx context.Context, name string, args ...string) (string, error)
}

// SystemInfo is the host description written to SYSTEM.md.
type SystemInfo struct {
	Hostname string
	User     string
	OS       string
	Kernel   string
	CPU      string
	Memory   string
	Disk     string
}

// Collect gathers SystemInfo. Missing facts are left as "unknown".
func (p Probe) Collect(ctx context.Context) SystemInfo {
	readFile := p.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	run := p.Run
	if run == nil {
		run = runCommand
	}

	info := SystemInfo{}
	info.Hostname, _ = os.Hostname()
	if u, err := user.Current(); err == nil {
		info.User = u.Username
	}
	if data, err := readFile("/etc/os-release"); err == nil {
		info.OS = osReleaseField(string(data), "PRETTY_NAME")
	}
	if out, err := run(ctx, "uname", "-r"); err == nil {
		info.Kernel = strings.TrimSpace(out)
	}
	if data, err := readFile("/proc/cpuinfo"); err == nil {
		info.CPU = cpuModel(string(data))
	}
	if data, err := readFile("/proc/meminfo"); err == nil {
		info.Memory = memTotal(string(data))
	}
	if out, err := run(ctx, "df", "-h", "/"); err == nil {
		info.Disk = rootDisk(out)
	}
	return info
}

// Markdown renders info for SYSTEM.md.
func (i SystemInfo) Markdown(now time.Time) string {
	val := func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	}
	var b strings.Builder
	b.WriteString("# System Information\n\n")
	fmt.Fprintf(&b, "- Hostname: %s\n", val(i.Hostname))
	fmt.Fprintf(&b, "- User: %s\n", val(i.User))
	fmt.Fprintf(&b, "- OS: %s\n", val(i.OS))
	fmt.Fprintf(&b, "- Kernel: %s\n", val(i.Kernel))
	fmt.Fprintf(&b, "- CPU: %s\n", val(i.CPU))
	fmt.Fprintf(&b, "- Memory: %s\n", val(i.Memory))
	fmt.Fprintf(&b, "- Root disk: %s\n", val(i.Disk))
	fmt.Fprintf(&b, "\n_Updated %s_\n", now.Format("2006-01-02 15:04"))
	return b.String()
}

// RefreshSystemInfo regenerates SYSTEM.md from the live host.
func (s *Store) RefreshSystemInfo(ctx context.Context) error {
	return s.RefreshSystemInfoWith(ctx, Probe{})
}

// RefreshSystemInfoWith regenerates SYSTEM.md using probe.
func (s *Store) RefreshSystemInfoWith(ctx context.Context, probe Probe) error {
	info := probe.Collect(ctx)
	return s.write(systemFile, info.Markdown(time.Now()))
}

// HasSystemInfo reports whether SYSTEM.md exists.
func (s *Store) HasSystemInfo() bool {
	return s.read(systemFile) != ""
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

func osReleaseField(data, key string) string {
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok && k == key {
			if uq, err := strconv.Unquote(v); err == nil {
				return uq
			}
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

func cpuModel(data string) string {
	model := ""
	cores := 0
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "model name":
			if model == "" {
				model = strings.TrimSpace(v)
			}
		case "processor":
			cores++
		}
	}
	if model == "" {
		return ""
	}
	if cores > 0 {
		return fmt.Sprintf("%s (%d threads)", model, cores)
	}
	return model
}

func memTotal(data string) string {
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return ""
			}
			return fmt.Sprintf("%.1f GiB", kb/1024/1024)
		}
	}
	return ""
}

// rootDisk summarizes the second line of `df -h /`.
func rootDisk(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return ""
	}
	f := strings.Fields(lines[1])
	if len(f) < 5 {
		return ""
	}
	return fmt.Sprintf("%s used of %s (%s)", f[2], f[1], f[4])
}
