// Package config loads the task-orch configuration from TOML or YAML,
// applies TASK_ORCH_* environment variables and command-line flags on top,
// and watches the file for changes that can be applied without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Config holds all application configuration
type Config struct {
	Orchestrator  OrchestratorConfig  `toml:"orchestrator" yaml:"orchestrator"`
	Gateway       GatewayConfig       `toml:"gateway" yaml:"gateway"`
	GitHub        GitHubConfig        `toml:"github" yaml:"github"`
	Admission     admission.Limits    `toml:"admission" yaml:"admission"`
	Webhooks      WebhooksConfig      `toml:"webhooks" yaml:"webhooks"`
	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications"`
	Logger        LoggerConfig        `toml:"logger" yaml:"logger"`
}

// OrchestratorConfig configures `task-orch serve` on a worker host
type OrchestratorConfig struct {
	Host              string   `toml:"host" yaml:"host"`
	Port              int      `toml:"port" yaml:"port"`
	Capacity          int      `toml:"capacity" yaml:"capacity"`
	TaskTimeout       Duration `toml:"task_timeout" yaml:"task_timeout"`
	StateFilePath     string   `toml:"state_file_path" yaml:"state_file_path"`
	WorktreeBasePath  string   `toml:"worktree_base_path" yaml:"worktree_base_path"`
	LogBasePath       string   `toml:"log_base_path" yaml:"log_base_path"`
	RepoBasePath      string   `toml:"repo_base_path" yaml:"repo_base_path"`
	DefaultRepository string   `toml:"default_repository" yaml:"default_repository"`
	AgentCommand      []string `toml:"agent_command" yaml:"agent_command"`
	OpenCodeModel     string   `toml:"opencode_model" yaml:"opencode_model"`
	ReconcileSchedule string   `toml:"reconcile_schedule" yaml:"reconcile_schedule"`
	ZombieThreshold   Duration `toml:"zombie_threshold" yaml:"zombie_threshold"`
	SweepInterval     Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	DispatchSecret    string   `toml:"dispatch_secret" yaml:"dispatch_secret"`
}

// GatewayConfig configures `task-orch gateway`
type GatewayConfig struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	PublicURL      string `toml:"public_url" yaml:"public_url"`
	DispatchSecret string `toml:"dispatch_secret" yaml:"dispatch_secret"`

	Workers []domain.WorkerConfig `toml:"workers" yaml:"workers"`

	UsageBackend  string `toml:"usage_backend" yaml:"usage_backend"` // sqlite or redis
	DatabasePath  string `toml:"database_path" yaml:"database_path"`
	RedisAddr     string `toml:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `toml:"redis_password" yaml:"redis_password"`
	RedisDB       int    `toml:"redis_db" yaml:"redis_db"`

	// DefaultEstimatedCost is reserved when a request carries no estimate
	DefaultEstimatedCost float64 `toml:"default_estimated_cost" yaml:"default_estimated_cost"`
}

// GitHubConfig identifies the GitHub App installation
type GitHubConfig struct {
	AppID          string `toml:"app_id" yaml:"app_id"`
	InstallationID string `toml:"installation_id" yaml:"installation_id"`
	PrivateKeyPath string `toml:"private_key_path" yaml:"private_key_path"`
	APIURL         string `toml:"api_url" yaml:"api_url"`
}

// WebhooksConfig tunes the delivery queue
type WebhooksConfig struct {
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts"`
	BaseBackoff    Duration `toml:"base_backoff" yaml:"base_backoff"`
	MaxBackoff     Duration `toml:"max_backoff" yaml:"max_backoff"`
	Timeout        Duration `toml:"timeout" yaml:"timeout"`
	DeadLetterPath string   `toml:"dead_letter_path" yaml:"dead_letter_path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	WhatsAppURL   string `toml:"whatsapp_url" yaml:"whatsapp_url"`
	WhatsAppToken string `toml:"whatsapp_token" yaml:"whatsapp_token"`
	SlackWebhook  string `toml:"slack_webhook" yaml:"slack_webhook"`
}

// LoggerConfig holds logging settings
type LoggerConfig struct {
	Level    string `toml:"level" yaml:"level"`
	Encoding string `toml:"encoding" yaml:"encoding"` // json or console
}

// Duration accepts Go duration strings ("90s", "1h") or a bare number of
// milliseconds
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".task-orch")
	return &Config{
		Orchestrator: OrchestratorConfig{
			Host:              "0.0.0.0",
			Port:              8090,
			Capacity:          2,
			TaskTimeout:       D(60 * time.Minute),
			StateFilePath:     filepath.Join(base, "state.json"),
			WorktreeBasePath:  filepath.Join(base, "worktrees"),
			LogBasePath:       filepath.Join(base, "logs"),
			RepoBasePath:      filepath.Join(base, "repos"),
			ReconcileSchedule: "*/15 * * * *",
			ZombieThreshold:   D(30 * time.Minute),
			SweepInterval:     D(time.Minute),
		},
		Gateway: GatewayConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			UsageBackend:         "sqlite",
			DatabasePath:         filepath.Join(base, "gateway.db"),
			DefaultEstimatedCost: 1.0,
		},
		GitHub: GitHubConfig{
			APIURL: "https://api.github.com",
		},
		Admission: admission.DefaultLimits(),
		Webhooks: WebhooksConfig{
			MaxAttempts: 5,
			BaseBackoff: D(2 * time.Second),
			MaxBackoff:  D(5 * time.Minute),
			Timeout:     D(10 * time.Second),
		},
		Logger: LoggerConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads configuration from a TOML or YAML file, falling back to
// defaults when the file does not exist
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) expandPaths() {
	o := &c.Orchestrator
	o.StateFilePath = ExpandPath(o.StateFilePath)
	o.WorktreeBasePath = ExpandPath(o.WorktreeBasePath)
	o.LogBasePath = ExpandPath(o.LogBasePath)
	o.RepoBasePath = ExpandPath(o.RepoBasePath)
	c.Gateway.DatabasePath = ExpandPath(c.Gateway.DatabasePath)
	c.GitHub.PrivateKeyPath = ExpandPath(c.GitHub.PrivateKeyPath)
	c.Webhooks.DeadLetterPath = ExpandPath(c.Webhooks.DeadLetterPath)
}

// DeadLetterPath returns the configured dead-letter file, next to the state
// file by default
func (c *Config) DeadLetterPath() string {
	if c.Webhooks.DeadLetterPath != "" {
		return c.Webhooks.DeadLetterPath
	}
	return filepath.Join(filepath.Dir(c.Orchestrator.StateFilePath), "dead-letters.jsonl")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "task-orch", "config.toml")
}
