package config

import (
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/reconcile"
)

// Role selects which sections Validate requires
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleGateway      Role = "gateway"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the keys the given role needs and reports all problems at once
func (c *Config) Validate(role Role) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := zap.ParseAtomicLevel(c.Logger.Level); err != nil {
		add("logger.level: %v", err)
	}
	if c.Logger.Encoding != "json" && c.Logger.Encoding != "console" {
		add("logger.encoding must be json or console, got %q", c.Logger.Encoding)
	}

	switch role {
	case RoleOrchestrator:
		errs = append(errs, c.validateOrchestrator()...)
	case RoleGateway:
		errs = append(errs, c.validateGateway()...)
	default:
		add("unknown role %q", role)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (c *Config) validateOrchestrator() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	o := c.Orchestrator

	if o.DispatchSecret == "" {
		add("orchestrator.dispatch_secret is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		add("orchestrator.port out of range: %d", o.Port)
	}
	if o.Capacity <= 0 {
		add("orchestrator.capacity must be positive")
	}
	if o.TaskTimeout.Duration <= 0 {
		add("orchestrator.task_timeout must be positive")
	}
	for key, v := range map[string]string{
		"orchestrator.state_file_path":    o.StateFilePath,
		"orchestrator.worktree_base_path": o.WorktreeBasePath,
		"orchestrator.log_base_path":      o.LogBasePath,
	} {
		if v == "" {
			add("%s is required", key)
		}
	}
	if o.ReconcileSchedule != "" {
		if _, err := reconcile.ParseSchedule(o.ReconcileSchedule); err != nil {
			add("orchestrator.reconcile_schedule: %v", err)
		}
	}

	gh := c.GitHub
	set := 0
	for _, v := range []string{gh.AppID, gh.InstallationID, gh.PrivateKeyPath} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		add("github.app_id, github.installation_id and github.private_key_path must be set together")
	}

	if c.Webhooks.MaxAttempts <= 0 {
		add("webhooks.max_attempts must be positive")
	}
	if c.Webhooks.BaseBackoff.Duration <= 0 || c.Webhooks.MaxBackoff.Duration < c.Webhooks.BaseBackoff.Duration {
		add("webhooks.base_backoff must be positive and not above webhooks.max_backoff")
	}
	return errs
}

func (c *Config) validateGateway() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	g := c.Gateway

	if g.DispatchSecret == "" {
		add("gateway.dispatch_secret is required")
	}
	if g.Port <= 0 || g.Port > 65535 {
		add("gateway.port out of range: %d", g.Port)
	}
	if u, err := url.Parse(g.PublicURL); g.PublicURL == "" || err != nil || u.Host == "" {
		add("gateway.public_url must be an absolute URL the workers can reach")
	}
	if len(g.Workers) == 0 {
		add("gateway.workers: at least one worker is required")
	}
	seen := make(map[string]bool)
	for i, w := range g.Workers {
		if w.Name == "" || w.BaseURL == "" {
			add("gateway.workers[%d]: name and base_url are required", i)
		}
		if w.Location != domain.LocationMac && w.Location != domain.LocationVM {
			add("gateway.workers[%d]: location must be mac or vm", i)
		}
		if seen[w.Name] {
			add("gateway.workers[%d]: duplicate name %q", i, w.Name)
		}
		seen[w.Name] = true
	}
	switch g.UsageBackend {
	case "sqlite":
		if g.DatabasePath == "" {
			add("gateway.database_path is required for the sqlite backend")
		}
	case "redis":
		if g.RedisAddr == "" {
			add("gateway.redis_addr is required for the redis backend")
		}
	default:
		add("gateway.usage_backend must be sqlite or redis, got %q", g.UsageBackend)
	}
	if err := ValidateLimits(c.Admission); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ValidateLimits checks admission quotas; a reload with bad limits is ignored
func ValidateLimits(l admission.Limits) error {
	if l.MaxConcurrent <= 0 || l.MaxPerHour <= 0 || l.MaxPromptLength <= 0 {
		return fmt.Errorf("admission limits must be positive: %+v", l)
	}
	if l.DailyCostCap <= 0 || l.MonthlyCostCap < l.DailyCostCap {
		return fmt.Errorf("admission cost caps must be positive with monthly >= daily: %+v", l)
	}
	return nil
}
