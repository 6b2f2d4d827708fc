package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (braced form)
//   - 2: modifier ("-" or "?")
//   - 3: default value or error message
//   - 4: variable name (bare form)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads <dir>/config.yaml over DefaultConfig. The .env files in dir
// are loaded first so ${VAR} references resolve. A missing file returns
// ErrNoConfig.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	loadEnvFiles(dir)

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s (run 'blunux-ai setup')", ErrNoConfig, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir

	checkFilePermissions(path)
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to <cfg.Dir>/config.yaml with owner-only permissions,
// keeping the previous file as config.yaml.bak.
func Save(cfg *Config) error {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	sanitized := *cfg
	sanitized.Relay.Discord.Token = sanitizeSecret(cfg.Relay.Discord.Token, "BLUNUX_AI_DISCORD_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	path := cfg.FilePath()
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// sanitizeSecret swaps a secret for its env reference when the value
// came from that variable.
func sanitizeSecret(value, envVar string) string {
	if value == "" || strings.HasPrefix(value, "$") {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// loadEnvFiles loads .env and .env.local from dir. Existing process
// variables are never overwritten.
func loadEnvFiles(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		_ = godotenv.Load(filepath.Join(dir, name))
	}
}

// expandEnvVars replaces environment references in the raw YAML. Unset
// ${VAR} and $VAR references are left in place; an unset ${VAR:?msg}
// is an error.
func expandEnvVars(input string) (string, error) {
	var missing []string

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+" - "+value)
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
