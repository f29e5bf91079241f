package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/nxslurm/internal/log"
	"github.com/mattjoyce/nxslurm/internal/slurm"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a settings file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("settings file not found: %s\n"+
			"Hint: Check the path or run with --settings flag", absPath)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}
	cfg.SourceFile = absPath

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", absPath, err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, or the discovered settings file when path is
// empty. Without any settings file the built-in defaults are returned.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = Discover()
	}
	if path == "" {
		return Defaults(), nil
	}
	return Load(path)
}

// Discover finds the settings file by checking standard locations.
// Priority order: $NXSLURM_SETTINGS, ~/.config/nxslurm/settings.yaml.
// Returns "" when none exists.
func Discover() string {
	if path := os.Getenv("NXSLURM_SETTINGS"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "nxslurm", "settings.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath
		}
	}

	return ""
}

// applyDefaults fills every unset field from Defaults. A policy section that
// sets only some constants inherits the rest from the default table.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	if cfg.Tool.Command == "" {
		cfg.Tool.Command = defaults.Tool.Command
	}
	if cfg.Tool.OutputSuffix == "" {
		cfg.Tool.OutputSuffix = defaults.Tool.OutputSuffix
	}
	if cfg.Tool.InputSuffix == "" {
		cfg.Tool.InputSuffix = defaults.Tool.InputSuffix
	}

	if cfg.Scheduler.Binary == "" {
		cfg.Scheduler.Binary = defaults.Scheduler.Binary
	}
	if cfg.Scheduler.JobName == "" {
		cfg.Scheduler.JobName = defaults.Scheduler.JobName
	}
	if cfg.Scheduler.SubmitTimeout == 0 {
		cfg.Scheduler.SubmitTimeout = defaults.Scheduler.SubmitTimeout
	}
	if cfg.Scheduler.Cleanup == "" {
		cfg.Scheduler.Cleanup = defaults.Scheduler.Cleanup
	}

	p := &cfg.Policy
	customized := p.PerItemCost != 0 || p.SafetyFactor != 0 || p.DefaultMemory != "" || len(p.Tiers) > 0
	if p.Version == "" {
		if customized {
			p.Version = defaults.Policy.Version + "+custom"
		} else {
			p.Version = defaults.Policy.Version
		}
	}
	if p.PerItemCost == 0 {
		p.PerItemCost = defaults.Policy.PerItemCost
	}
	if p.SafetyFactor == 0 {
		p.SafetyFactor = defaults.Policy.SafetyFactor
	}
	if p.DefaultMemory == "" {
		p.DefaultMemory = defaults.Policy.DefaultMemory
	}
	if len(p.Tiers) == 0 {
		p.Tiers = defaults.Policy.Tiers
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the settings.
func validate(cfg *Config) error {
	if !log.ValidLevel(cfg.LogLevel) {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	for field, value := range map[string]string{
		"tool.command":     cfg.Tool.Command,
		"scheduler.binary": cfg.Scheduler.Binary,
	} {
		if envVarPattern.MatchString(value) {
			matches := envVarPattern.FindStringSubmatch(value)
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}

	if cfg.Tool.OutputSuffix == cfg.Tool.InputSuffix {
		return fmt.Errorf("tool.output_suffix and tool.input_suffix must differ (both %q)", cfg.Tool.OutputSuffix)
	}

	if cfg.Scheduler.SubmitTimeout < 0 {
		return fmt.Errorf("scheduler.submit_timeout must be positive")
	}
	if cfg.Scheduler.Cleanup != slurm.CleanupAll && cfg.Scheduler.Cleanup != slurm.CleanupOwn {
		return fmt.Errorf("scheduler.cleanup must be one of: %s, %s (got %q)", slurm.CleanupAll, slurm.CleanupOwn, cfg.Scheduler.Cleanup)
	}

	return cfg.Policy.Validate()
}
