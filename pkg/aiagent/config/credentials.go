package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "blunux-ai"

// Credential backends reported by Store.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

// ErrNoCredential is returned when no secret is stored for a provider.
var ErrNoCredential = errors.New("no credential stored")

// Credentials resolves provider secrets. Lookup order is OS keyring,
// provider environment variable, then <dir>/<provider> (one line,
// mode 0600).
type Credentials struct {
	dir string
}

// NewCredentials returns a store whose file fallback lives in dir.
func NewCredentials(dir string) *Credentials {
	return &Credentials{dir: dir}
}

// EnvVar returns the environment variable consulted for a provider.
func EnvVar(provider string) string {
	switch provider {
	case ProviderClaude:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

// Get returns the secret for provider.
func (c *Credentials) Get(provider string) (string, error) {
	if val, err := keyring.Get(keyringService, provider); err == nil && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val), nil
	}

	if val := strings.TrimSpace(os.Getenv(EnvVar(provider))); val != "" {
		return val, nil
	}

	data, err := os.ReadFile(c.path(provider))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w for %s (run 'blunux-ai key set %s')", ErrNoCredential, provider, provider)
		}
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("credential file for %s is empty", provider)
	}
	return secret, nil
}

// Has reports whether a secret can be resolved for provider.
func (c *Credentials) Has(provider string) bool {
	_, err := c.Get(provider)
	return err == nil
}

// Store saves secret in the OS keyring when it is usable, otherwise in
// the credentials directory. It returns the backend used.
func (c *Credentials) Store(provider, secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("empty secret")
	}

	if KeyringAvailable() {
		if err := keyring.Set(keyringService, provider, secret); err == nil {
			// Drop a stale file copy so the two never disagree.
			_ = os.Remove(c.path(provider))
			return BackendKeyring, nil
		}
	}

	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(c.path(provider), []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing credential file: %w", err)
	}
	return BackendFile, nil
}

// Delete removes the secret from both the keyring and the file store.
func (c *Credentials) Delete(provider string) error {
	kerr := keyring.Delete(keyringService, provider)
	ferr := os.Remove(c.path(provider))

	if kerr != nil && !errors.Is(kerr, keyring.ErrNotFound) && ferr != nil && !errors.Is(ferr, os.ErrNotExist) {
		return fmt.Errorf("deleting credential: %w", errors.Join(kerr, ferr))
	}
	return nil
}

func (c *Credentials) path(provider string) string {
	return filepath.Join(c.dir, provider)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__blunux_ai_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ReadSecret reads a secret from the terminal without echo.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// IsInteractive reports whether stdin is attached to a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
