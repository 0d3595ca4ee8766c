package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// TASK_ORCH_ORCHESTRATOR_PORT or TASK_ORCH_GITHUB_APP_ID
const EnvPrefix = "TASK_ORCH"

// NewViper returns a viper instance that reads TASK_ORCH_* variables for
// dotted config keys
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlag binds a command-line flag to a config key
func BindFlag(v *viper.Viper, key string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, key, err))
	}
}

// Resolve loads path and applies environment and flag overrides from v
func Resolve(path string, v *viper.Viper) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := cfg.ApplyOverrides(v); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ApplyOverrides copies every key set in v (environment or a changed flag)
// into c
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	o := &c.Orchestrator
	str(v, "orchestrator.host", &o.Host)
	integer(v, "orchestrator.port", &o.Port)
	integer(v, "orchestrator.capacity", &o.Capacity)
	str(v, "orchestrator.state_file_path", &o.StateFilePath)
	str(v, "orchestrator.worktree_base_path", &o.WorktreeBasePath)
	str(v, "orchestrator.log_base_path", &o.LogBasePath)
	str(v, "orchestrator.repo_base_path", &o.RepoBasePath)
	str(v, "orchestrator.default_repository", &o.DefaultRepository)
	str(v, "orchestrator.opencode_model", &o.OpenCodeModel)
	str(v, "orchestrator.reconcile_schedule", &o.ReconcileSchedule)
	str(v, "orchestrator.dispatch_secret", &o.DispatchSecret)
	if v.IsSet("orchestrator.agent_command") {
		o.AgentCommand = v.GetStringSlice("orchestrator.agent_command")
	}

	g := &c.Gateway
	str(v, "gateway.host", &g.Host)
	integer(v, "gateway.port", &g.Port)
	str(v, "gateway.public_url", &g.PublicURL)
	str(v, "gateway.dispatch_secret", &g.DispatchSecret)
	str(v, "gateway.usage_backend", &g.UsageBackend)
	str(v, "gateway.database_path", &g.DatabasePath)
	str(v, "gateway.redis_addr", &g.RedisAddr)
	str(v, "gateway.redis_password", &g.RedisPassword)
	integer(v, "gateway.redis_db", &g.RedisDB)
	float(v, "gateway.default_estimated_cost", &g.DefaultEstimatedCost)

	str(v, "github.app_id", &c.GitHub.AppID)
	str(v, "github.installation_id", &c.GitHub.InstallationID)
	str(v, "github.private_key_path", &c.GitHub.PrivateKeyPath)
	str(v, "github.api_url", &c.GitHub.APIURL)

	a := &c.Admission
	integer(v, "admission.max_concurrent", &a.MaxConcurrent)
	integer(v, "admission.max_per_hour", &a.MaxPerHour)
	integer(v, "admission.max_prompt_length", &a.MaxPromptLength)
	float(v, "admission.daily_cost_cap", &a.DailyCostCap)
	float(v, "admission.monthly_cost_cap", &a.MonthlyCostCap)

	integer(v, "webhooks.max_attempts", &c.Webhooks.MaxAttempts)
	str(v, "webhooks.dead_letter_path", &c.Webhooks.DeadLetterPath)

	str(v, "notifications.whatsapp_url", &c.Notifications.WhatsAppURL)
	str(v, "notifications.whatsapp_token", &c.Notifications.WhatsAppToken)
	str(v, "notifications.slack_webhook", &c.Notifications.SlackWebhook)

	str(v, "logger.level", &c.Logger.Level)
	str(v, "logger.encoding", &c.Logger.Encoding)

	durations := map[string]*Duration{
		"orchestrator.task_timeout":     &o.TaskTimeout,
		"orchestrator.zombie_threshold": &o.ZombieThreshold,
		"orchestrator.sweep_interval":   &o.SweepInterval,
		"webhooks.base_backoff":         &c.Webhooks.BaseBackoff,
		"webhooks.max_backoff":          &c.Webhooks.MaxBackoff,
		"webhooks.timeout":              &c.Webhooks.Timeout,
	}
	for key, dst := range durations {
		if !v.IsSet(key) {
			continue
		}
		if err := dst.UnmarshalText([]byte(v.GetString(key))); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	c.expandPaths()
	return nil
}

func str(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func integer(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func float(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}
