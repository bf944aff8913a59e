// Package config provides configuration management for mendbox.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kishoreUdatha/mendbox/pkg/detect"
	"github.com/kishoreUdatha/mendbox/pkg/errdetect"
)

// Config holds all configuration for the mendbox server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7090").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, project files).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// ProjectsDir is where project source trees live on the host.
	ProjectsDir string

	// AnthropicAPIKey authorizes the fix-generation backend.
	AnthropicAPIKey string

	// AnthropicModel overrides the default fixer model.
	AnthropicModel string

	// DockerNetwork is the Docker network for sandbox containers.
	DockerNetwork string

	// PreviewHost is the hostname used to build preview URLs. Default: localhost.
	PreviewHost string

	// Port range leased to sandbox containers on the host.
	PortRangeStart int
	PortRangeEnd   int

	// MaxSandboxes caps concurrently running sandboxes. Default: 20.
	MaxSandboxes int

	// SandboxIdleTimeout is how long a sandbox stays alive without activity
	// before the expiry sweep stops it. Default: 30 minutes.
	SandboxIdleTimeout time.Duration

	// Container resource limits.
	SandboxMemoryMB int
	SandboxCPUs     int

	// Slack integration (optional). Terminal lifecycle and fix outcomes are
	// posted to SlackChannel when the token is set.
	SlackBotToken string
	SlackChannel  string

	// Auto-fix loop tuning.
	AutoFix AutoFixConfig

	// PolicyPath optionally points at a YAML policy file with technology
	// overrides and extra error patterns.
	PolicyPath string
}

// AutoFixConfig tunes the self-healing loop.
type AutoFixConfig struct {
	Enabled            bool
	MinErrorsToTrigger int
	Debounce           time.Duration
	Cooldown           time.Duration
	MaxAttempts        int
	FixTimeout         time.Duration
	RestartTimeout     time.Duration
	VerifyWindow       time.Duration
	MaxContextFiles    int
}

// Policy is the optional YAML policy file: per-deployment technology
// overrides and additional error detection rules.
type Policy struct {
	AutoFix      *PolicyAutoFix      `yaml:"autofix"`
	Technologies []detect.Technology `yaml:"technologies"`
	ErrorRules   []PolicyRule        `yaml:"error_rules"`
}

// PolicyAutoFix is the policy file's autofix block. Enabled is a pointer so
// a block that tunes timings without mentioning enabled leaves the configured
// value alone.
type PolicyAutoFix struct {
	Enabled            *bool         `yaml:"enabled"`
	MinErrorsToTrigger int           `yaml:"min_errors_to_trigger"`
	Debounce           time.Duration `yaml:"debounce"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxAttempts        int           `yaml:"max_attempts"`
	FixTimeout         time.Duration `yaml:"fix_timeout"`
	RestartTimeout     time.Duration `yaml:"restart_timeout"`
	VerifyWindow       time.Duration `yaml:"verify_window"`
	MaxContextFiles    int           `yaml:"max_context_files"`
}

// PolicyRule is a user-supplied error pattern in the policy file.
type PolicyRule struct {
	Pattern     string `yaml:"pattern"`
	Kind        string `yaml:"kind"`
	Severity    string `yaml:"severity"`
	Category    string `yaml:"category"`
	AutoFixable bool   `yaml:"auto_fixable"`
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.mendbox/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("MENDBOX_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:      envOr("MENDBOX_ADDR", ":7090"),
		DataDir:         dataDir,
		DatabasePath:    filepath.Join(dataDir, "mendbox.db"),
		ProjectsDir:     envOr("MENDBOX_PROJECTS_DIR", filepath.Join(dataDir, "projects")),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("MENDBOX_ANTHROPIC_MODEL"),
		DockerNetwork:   envOr("MENDBOX_DOCKER_NETWORK", "mendbox-net"),
		PreviewHost:     envOr("MENDBOX_PREVIEW_HOST", "localhost"),
		PortRangeStart:  envOrInt("MENDBOX_PORT_RANGE_START", 10000),
		PortRangeEnd:    envOrInt("MENDBOX_PORT_RANGE_END", 10999),
		MaxSandboxes:    envOrInt("MENDBOX_MAX_SANDBOXES", 20),
		SandboxIdleTimeout: envOrDuration("MENDBOX_IDLE_TIMEOUT", 30*time.Minute),
		SandboxMemoryMB:    envOrInt("MENDBOX_SANDBOX_MEMORY_MB", 512),
		SandboxCPUs:        envOrInt("MENDBOX_SANDBOX_CPUS", 1),
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:       os.Getenv("MENDBOX_SLACK_CHANNEL"),
		AutoFix: AutoFixConfig{
			Enabled:            envOr("MENDBOX_AUTOFIX", "true") != "false",
			MinErrorsToTrigger: envOrInt("MENDBOX_AUTOFIX_MIN_ERRORS", 1),
			Debounce:           envOrDuration("MENDBOX_AUTOFIX_DEBOUNCE", 2*time.Second),
			Cooldown:           envOrDuration("MENDBOX_AUTOFIX_COOLDOWN", 30*time.Second),
			MaxAttempts:        envOrInt("MENDBOX_AUTOFIX_MAX_ATTEMPTS", 3),
			FixTimeout:         envOrDuration("MENDBOX_AUTOFIX_FIX_TIMEOUT", 2*time.Minute),
			RestartTimeout:     envOrDuration("MENDBOX_AUTOFIX_RESTART_TIMEOUT", 30*time.Second),
			VerifyWindow:       envOrDuration("MENDBOX_AUTOFIX_VERIFY_WINDOW", 10*time.Second),
			MaxContextFiles:    envOrInt("MENDBOX_AUTOFIX_MAX_CONTEXT_FILES", 8),
		},
		PolicyPath: envOr("MENDBOX_POLICY", filepath.Join(dataDir, "policy.yaml")),
	}

	if err := cfg.applyPolicy(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPolicy reads the optional YAML policy file and folds it into the
// config, the technology registry, and the error rule set. A missing file is
// not an error.
func (c *Config) applyPolicy() error {
	data, err := os.ReadFile(c.PolicyPath)
	if err != nil {
		return nil
	}

	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return fmt.Errorf("parsing policy file %s: %w", c.PolicyPath, err)
	}

	if pol.AutoFix != nil {
		c.AutoFix = mergeAutoFix(c.AutoFix, *pol.AutoFix)
	}
	for _, t := range pol.Technologies {
		if t.Name != "" {
			detect.Register(t)
		}
	}
	return nil
}

// ExtraErrorRules converts policy error rules for errdetect registration.
// Invalid patterns are skipped with an error rather than aborting startup.
func (c *Config) ExtraErrorRules() ([]errdetect.Rule, error) {
	data, err := os.ReadFile(c.PolicyPath)
	if err != nil {
		return nil, nil
	}
	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", c.PolicyPath, err)
	}

	var rules []errdetect.Rule
	for _, pr := range pol.ErrorRules {
		r, err := errdetect.NewRule(pr.Pattern, errdetect.Kind(pr.Kind),
			errdetect.Severity(pr.Severity), errdetect.Category(pr.Category), pr.AutoFixable)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", pr.Pattern, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func mergeAutoFix(base AutoFixConfig, over PolicyAutoFix) AutoFixConfig {
	out := base
	if over.MinErrorsToTrigger > 0 {
		out.MinErrorsToTrigger = over.MinErrorsToTrigger
	}
	if over.Debounce > 0 {
		out.Debounce = over.Debounce
	}
	if over.Cooldown > 0 {
		out.Cooldown = over.Cooldown
	}
	if over.MaxAttempts > 0 {
		out.MaxAttempts = over.MaxAttempts
	}
	if over.FixTimeout > 0 {
		out.FixTimeout = over.FixTimeout
	}
	if over.RestartTimeout > 0 {
		out.RestartTimeout = over.RestartTimeout
	}
	if over.VerifyWindow > 0 {
		out.VerifyWindow = over.VerifyWindow
	}
	if over.MaxContextFiles > 0 {
		out.MaxContextFiles = over.MaxContextFiles
	}
	if over.Enabled != nil {
		out.Enabled = *over.Enabled
	}
	return out
}

// loadConfigFile reads ~/.mendbox/config.env and sets any values that are not
// already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.PortRangeStart <= 0 || c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.AutoFix.Enabled && c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when auto-fix is enabled")
	}
	return nil
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mendbox"
	}
	return filepath.Join(home, ".mendbox")
}
