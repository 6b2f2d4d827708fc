// Package provider sends one conversation turn to a language model and
// returns its reply plus at most one requested action.
//
// Three variants exist: the hosted Anthropic API with a stored key, the
// locally authenticated `claude` CLI, and the DeepSeek chat API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/config"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// maxReplyBytes caps the reply text of every variant.
const maxReplyBytes = 32 * 1024

// Message is one entry of a conversation. An assistant message may carry
// the action it requested; the following user message then carries the
// action's result.
type Message struct {
	Role   string
	Text   string
	Action *Action
	Result *ToolResult
}

// ToolResult is the outcome of an action fed back to the model.
type ToolResult struct {
	ActionID string
	Command  string
	Output   string
	IsError  bool
}

// Action is a tool invocation requested by the model.
type Action struct {
	ID   string
	Tool string
	Args map[string]string
}

// Describe renders the action for display.
func (a *Action) Describe() string {
	if cmd, ok := a.Args["command"]; ok && len(a.Args) == 1 {
		return cmd
	}
	keys := make([]string, 0, len(a.Args))
	for k := range a.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{a.Tool}
	for _, k := range keys {
		parts = append(parts, k+"="+a.Args[k])
	}
	return strings.Join(parts, " ")
}

// ToolParam describes one string argument of a Tool.
type ToolParam struct {
	Name        string
	Description string
	Required    bool
	Enum        []string
}

// Tool is advertised to the model as an available action.
type Tool struct {
	Name        string
	Description string
	Params      []ToolParam
}

// schema renders the JSON-schema properties and required list for t.
func (t Tool) schema() (map[string]any, []string) {
	props := make(map[string]any, len(t.Params))
	var required []string
	for _, p := range t.Params {
		prop := map[string]any{"type": "string", "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return props, required
}

// Request is one provider call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Completion is the model reply. Text is always non-empty.
type Completion struct {
	Text   string
	Action *Action
	Model  string
}

// Provider is implemented by every model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Kind classifies provider failures.
type Kind int

const (
	AuthenticationFailed Kind = iota
	ProviderUnavailable
	Timeout
	BadResponse
)

func (k Kind) String() string {
	switch k {
	case AuthenticationFailed:
		return "authentication_failed"
	case ProviderUnavailable:
		return "provider_unavailable"
	case Timeout:
		return "timeout"
	case BadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// Retryable reports whether a later call may succeed without operator action.
func (k Kind) Retryable() bool {
	return k == ProviderUnavailable || k == Timeout
}

// Error is returned by every provider on failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	// Hint tells the operator how to fix the problem, if known.
	Hint string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a provider Error of kind k.
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

// HintFor returns the operator hint carried by err, if any.
func HintFor(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Hint
	}
	return ""
}

// Options configures a provider variant.
type Options struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int

	// CallTimeout bounds a single request. Defaults to 120s.
	CallTimeout time.Duration

	// Binary is the claude executable for the CLI variant.
	Binary string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Sleep waits between retries. Tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 120 * time.Second
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.CallTimeout + 5*time.Second}
	}
}

const keyHint = `store a key with "blunux-ai key set" or rerun "blunux-ai setup"`

// New builds the provider selected by cfg.
func New(cfg *config.Config, creds *config.Credentials, logger *slog.Logger) (Provider, error) {
	opts := Options{
		Model:     cfg.Agent.Model,
		BaseURL:   cfg.Agent.BaseURL,
		MaxTokens: cfg.Agent.MaxTokens,
		Binary:    cfg.Agent.ClaudeBinary,
		Logger:    logger,
	}

	if !cfg.NeedsCredential() {
		return NewClaudeCLI(opts), nil
	}

	key, err := creds.Get(cfg.Agent.Provider)
	if err != nil {
		return nil, &Error{
			Kind:     AuthenticationFailed,
			Provider: cfg.Agent.Provider,
			Message:  "no API key available",
			Hint:     keyHint,
			Err:      err,
		}
	}
	opts.APIKey = key

	switch cfg.Agent.Provider {
	case config.ProviderDeepSeek:
		return NewDeepSeek(opts), nil
	default:
		return NewAnthropic(opts), nil
	}
}

// finish caps the reply text and guarantees a non-empty reply.
func finish(provider, model, text string, action *Action) (*Completion, error) {
	text = strings.TrimSpace(text)
	if len(text) > maxReplyBytes {
		text = truncateUTF8(text, maxReplyBytes) + "\n...[reply truncated]"
	}
	if text == "" {
		if action == nil {
			return nil, &Error{Kind: BadResponse, Provider: provider, Message: "empty reply"}
		}
		text = "Running: " + action.Describe()
	}
	return &Completion{Text: text, Action: action, Model: model}, nil
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// stringArgs flattens decoded JSON tool input into string arguments.
func stringArgs(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case nil:
		case float64:
			out[k] = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", tv), "0"), ".")
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out
}
