// Package config holds the agent configuration, its YAML loader, the
// credential store and the localized operator strings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Provider identifiers.
const (
	ProviderClaude   = "claude"
	ProviderDeepSeek = "deepseek"
)

// Claude execution modes.
const (
	// ModeAPI talks to the hosted API with a stored key.
	ModeAPI = "api"
	// ModeOAuth delegates to the locally authenticated `claude` CLI.
	ModeOAuth = "oauth"
)

// Audit backends.
const (
	AuditFile   = "file"
	AuditSQLite = "sqlite"
)

// ErrNoConfig is returned by Load when config.yaml does not exist.
var ErrNoConfig = errors.New("no configuration found")

// Config is the root configuration for the agent daemon and CLI.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Relay    RelayConfig    `yaml:"relay"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Executor ExecutorConfig `yaml:"executor"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Dir is the configuration directory the file was loaded from.
	Dir string `yaml:"-"`
}

// AgentConfig selects the provider and shapes each turn.
type AgentConfig struct {
	// Provider is "claude" or "deepseek".
	Provider string `yaml:"provider"`

	// ClaudeMode is "api" (hosted key) or "oauth" (claude CLI session).
	ClaudeMode string `yaml:"claude_mode"`

	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// SafeMode escalates unrecognized commands to Confirm.
	SafeMode bool `yaml:"safe_mode"`

	MaxTokens      int           `yaml:"max_tokens"`
	MaxIterations  int           `yaml:"max_iterations"`
	HistoryLimit   int           `yaml:"history_limit"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// BaseURL overrides the provider endpoint (proxies, tests).
	BaseURL string `yaml:"base_url,omitempty"`

	// ClaudeBinary overrides the `claude` executable used in oauth mode.
	ClaudeBinary string `yaml:"claude_binary,omitempty"`
}

// RelayConfig configures the external message relay.
type RelayConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Transport            string        `yaml:"transport"`
	AllowedSenders       []string      `yaml:"allowed_senders"`
	AllowAll             bool          `yaml:"allow_all"`
	MaxMessagesPerMinute int           `yaml:"max_messages_per_minute"`
	RequirePrefix        string        `yaml:"require_prefix"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxMessageLength     int           `yaml:"max_message_length"`
	Discord              DiscordConfig `yaml:"discord"`
}

// DiscordConfig holds the bot credentials for the Discord transport.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// DaemonConfig configures the socket server and the scheduler.
type DaemonConfig struct {
	SocketPath string        `yaml:"socket_path"`
	Tick       time.Duration `yaml:"tick"`
	QueueSize  int           `yaml:"queue_size"`
	PollBatch  int           `yaml:"poll_batch"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// ExecutorConfig bounds command execution.
type ExecutorConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	Audit          AuditConfig   `yaml:"audit"`
}

// AuditConfig selects where command attempts are recorded.
type AuditConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when a field is absent.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:       ProviderClaude,
			ClaudeMode:     ModeOAuth,
			Model:          "claude-sonnet-4-6",
			Language:       "en",
			SafeMode:       true,
			MaxTokens:      4096,
			MaxIterations:  10,
			HistoryLimit:   20,
			SessionTimeout: time.Hour,
		},
		Relay: RelayConfig{
			Transport:            "discord",
			MaxMessagesPerMinute: 5,
			PollInterval:         5 * time.Second,
			MaxMessageLength:     2000,
		},
		Daemon: DaemonConfig{
			Tick:       time.Minute,
			QueueSize:  100,
			PollBatch:  10,
			JobTimeout: 5 * time.Minute,
		},
		Executor: ExecutorConfig{
			Timeout:        60 * time.Second,
			MaxOutputBytes: 16 * 1024,
			Audit:          AuditConfig{Backend: AuditFile},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultModel returns the default model id for a provider.
func DefaultModel(provider string) string {
	if provider == ProviderDeepSeek {
		return "deepseek-chat"
	}
	return "claude-sonnet-4-6"
}

// Models lists the model ids offered by setup for a provider.
func Models(provider string) []string {
	if provider == ProviderDeepSeek {
		return []string{"deepseek-chat", "deepseek-coder"}
	}
	return []string{"claude-sonnet-4-6", "claude-opus-4-6"}
}

// Validate checks enumerated fields and fills derived defaults.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case ProviderClaude:
		switch c.Agent.ClaudeMode {
		case ModeAPI, ModeOAuth:
		case "":
			c.Agent.ClaudeMode = ModeOAuth
		default:
			return fmt.Errorf("agent.claude_mode: unknown mode %q (want api or oauth)", c.Agent.ClaudeMode)
		}
	case ProviderDeepSeek:
	default:
		return fmt.Errorf("agent.provider: unknown provider %q (want claude or deepseek)", c.Agent.Provider)
	}

	if c.Agent.Model == "" || !strings.HasPrefix(c.Agent.Model, c.Agent.Provider) {
		c.Agent.Model = DefaultModel(c.Agent.Provider)
	}

	switch c.Agent.Language {
	case "ko", "en":
	case "":
		c.Agent.Language = "en"
	default:
		return fmt.Errorf("agent.language: unsupported language %q (want ko or en)", c.Agent.Language)
	}

	switch c.Executor.Audit.Backend {
	case AuditFile, AuditSQLite:
	case "":
		c.Executor.Audit.Backend = AuditFile
	default:
		return fmt.Errorf("executor.audit.backend: unknown backend %q", c.Executor.Audit.Backend)
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Daemon.QueueSize <= 0 {
		c.Daemon.QueueSize = 100
	}
	if c.Daemon.PollBatch <= 0 {
		c.Daemon.PollBatch = 10
	}
	return nil
}

// NeedsCredential reports whether the selected provider needs a stored secret.
func (c *Config) NeedsCredential() bool {
	return !(c.Agent.Provider == ProviderClaude && c.Agent.ClaudeMode == ModeOAuth)
}

// DefaultDir resolves the configuration directory:
// $BLUNUX_AI_HOME, then $XDG_CONFIG_HOME/blunux-ai, then ~/.config/blunux-ai.
func DefaultDir() string {
	if dir := os.Getenv("BLUNUX_AI_HOME"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blunux-ai")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".blunux-ai")
	}
	return filepath.Join(home, ".config", "blunux-ai")
}

// FilePath returns the config.yaml path inside the config directory.
func (c *Config) FilePath() string { return filepath.Join(c.Dir, "config.yaml") }

// MemoryDir returns the memory store root.
func (c *Config) MemoryDir() string { return filepath.Join(c.Dir, "memory") }

// LogsDir returns the directory for the command log and audit data.
func (c *Config) LogsDir() string { return filepath.Join(c.Dir, "logs") }

// CredentialsDir returns the directory holding per-provider secret files.
func (c *Config) CredentialsDir() string { return filepath.Join(c.Dir, "credentials") }

// RulesPath returns the automation rules file.
func (c *Config) RulesPath() string { return filepath.Join(c.Dir, "automations.yaml") }

// HistoryPath returns the chat REPL history file.
func (c *Config) HistoryPath() string { return filepath.Join(c.Dir, "chat_history") }

// AuditPath returns the audit log location for the configured backend.
func (c *Config) AuditPath() string {
	if c.Executor.Audit.Path != "" {
		return c.Executor.Audit.Path
	}
	if c.Executor.Audit.Backend == AuditSQLite {
		return filepath.Join(c.LogsDir(), "audit.db")
	}
	return filepath.Join(c.LogsDir(), "audit.log")
}

// SocketPath returns the local IPC socket path.
func (c *Config) SocketPath() string {
	if c.Daemon.SocketPath != "" {
		return c.Daemon.SocketPath
	}
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, "blunux-ai.sock")
	}
	return filepath.Join("/run/user", fmt.Sprint(os.Getuid()), "blunux-ai.sock")
}
