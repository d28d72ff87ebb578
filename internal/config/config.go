// Package config provides configuration management for swarmops.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name under the data root.
const ConfigFileName = "swarmops.yaml"

// Environment variable names. These override file values.
const (
	EnvDataDir      = "SWARMOPS_DATA_DIR"
	EnvProjectsDir  = "SWARMOPS_PROJECTS_DIR"
	EnvGatewayURL   = "SWARMOPS_GATEWAY_URL"
	EnvGatewayToken = "SWARMOPS_GATEWAY_TOKEN"
	EnvListenAddr   = "SWARMOPS_LISTEN_ADDR"
	EnvWorktreeRoot = "SWARMOPS_WORKTREE_ROOT"
)

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	// ListenAddr is the host:port the webhook server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the URL agents use to reach the webhooks. It is
	// embedded into every worker prompt. Defaults to http://<listen_addr>.
	PublicBaseURL string `yaml:"public_base_url"`

	// CORSOrigins are allowed origins for the orchestrate endpoint.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GatewayConfig configures the outbound session gateway client.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DispatchConfig configures worker spawning.
type DispatchConfig struct {
	// SpawnDelayMs staggers spawns within a wave so the gateway is not
	// hit with a burst. This is not a retry backoff.
	SpawnDelayMs int `yaml:"spawn_delay_ms"`

	// RunTimeoutSeconds is passed to the gateway per spawn.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`
}

// RetryConfig is the spawn retry policy.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelayMs       int     `yaml:"base_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// ReviewConfig configures the phase review chain.
type ReviewConfig struct {
	// Chain is the ordered list of reviewer role ids. Each must approve
	// before the next is spawned.
	Chain []string `yaml:"chain"`

	// MaxFixAttempts bounds fixer loops per phase before escalation.
	MaxFixAttempts int `yaml:"max_fix_attempts"`
}

// WatcherConfig configures the phase-advancement poller and the
// progress watchdog.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`

	// Cooldowns keep the watcher from respawning an agent that is still
	// producing output.
	BuildCooldown time.Duration `yaml:"build_cooldown"`
	SpecCooldown  time.Duration `yaml:"spec_cooldown"`

	WatchdogInterval   time.Duration `yaml:"watchdog_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	MaxWatchdogRetries int           `yaml:"max_watchdog_retries"`
}

// GitConfig configures worktree isolation.
type GitConfig struct {
	// WorktreeRoot is where per-worker worktrees are created.
	WorktreeRoot string `yaml:"worktree_root"`

	// BaseBranch is the default branch phase branches merge into.
	BaseBranch string `yaml:"base_branch"`

	// WorktreesEnabled falls back to the shared repo dir when false.
	WorktreesEnabled bool `yaml:"worktrees_enabled"`
}

// Config is the swarmops configuration.
type Config struct {
	Version int `yaml:"version"`

	// DataDir is the root of all orchestrator state files.
	DataDir string `yaml:"data_dir"`

	// ProjectsDir is the base directory for per-project workspaces.
	ProjectsDir string `yaml:"projects_dir"`

	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Retry    RetryConfig    `yaml:"retry"`
	Review   ReviewConfig   `yaml:"review"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Git      GitConfig      `yaml:"git"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version:     1,
		DataDir:     filepath.Join(home, ".swarmops", "data"),
		ProjectsDir: filepath.Join(home, ".swarmops", "projects"),
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8642",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			URL:            "http://127.0.0.1:8787",
			RequestTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			SpawnDelayMs:      3000,
			RunTimeoutSeconds: 600,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelayMs:       5000,
			MaxDelayMs:        60000,
			BackoffMultiplier: 2.0,
		},
		Review: ReviewConfig{
			Chain:          []string{"reviewer", "security-reviewer", "designer"},
			MaxFixAttempts: 3,
		},
		Watcher: WatcherConfig{
			PollInterval:       30 * time.Second,
			BuildCooldown:      30 * time.Second,
			SpecCooldown:       5 * time.Minute,
			WatchdogInterval:   2 * time.Minute,
			StaleAfter:         10 * time.Minute,
			MaxWatchdogRetries: 3,
		},
		Git: GitConfig{
			WorktreeRoot:     filepath.Join(os.TempDir(), "swarmops-worktrees"),
			BaseBranch:       "main",
			WorktreesEnabled: true,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (optional unless explicitly given), then SWARMOPS_* env
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = filepath.Join(cfg.DataDir, ConfigFileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults plus env apply.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from SWARMOPS_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvProjectsDir); v != "" {
		cfg.ProjectsDir = v
	}
	if v := os.Getenv(EnvGatewayURL); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvWorktreeRoot); v != "" {
		cfg.Git.WorktreeRoot = v
	}
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ProjectsDir == "" {
		return fmt.Errorf("projects_dir must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %s",
			strconv.FormatFloat(c.Retry.BackoffMultiplier, 'f', -1, 64))
	}
	if c.Retry.BaseDelayMs <= 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("retry delays invalid: base=%dms max=%dms",
			c.Retry.BaseDelayMs, c.Retry.MaxDelayMs)
	}
	if len(c.Review.Chain) == 0 {
		return fmt.Errorf("review.chain must name at least one reviewer role")
	}
	if c.Review.MaxFixAttempts < 0 {
		return fmt.Errorf("review.max_fix_attempts must be >= 0")
	}
	return nil
}

// WebhookBaseURL returns the base URL embedded into worker prompts.
func (c *Config) WebhookBaseURL() string {
	if c.Server.PublicBaseURL != "" {
		return c.Server.PublicBaseURL
	}
	return "http://" + c.Server.ListenAddr
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
