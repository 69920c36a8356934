package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SWEEP_POOL_JOBS.
const EnvPrefix = "SWEEP_"

// FileName is the config file looked for when none is given.
const FileName = "sweep.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load builds the configuration: defaults, then the YAML file, then SWEEP_*
// environment overrides. An empty path searches the standard locations and
// falls back to defaults when no file exists.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = Discover()
	}

	cfg := Defaults()
	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if err := decode(cfg, data); err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
		cfg.SourceFile = absPath
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment
// overrides. Mostly useful for tests and `config show`.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := decode(cfg, data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the first existing config file among $SWEEP_CONFIG,
// ./sweep.yaml and ~/.config/sweep/sweep.yaml, or "" when there is none.
func Discover() string {
	candidates := []string{os.Getenv("SWEEP_CONFIG"), FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "sweep", FileName))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func decode(cfg *Config, data []byte) error {
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// unresolved returns the name of the first ${VAR} left in s.
func unresolved(s string) (string, bool) {
	m := envVarPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}
