package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultPollInterval  = time.Minute
	DefaultRetryCooldown = 10 * time.Minute
	DefaultMaxRetries    = 3

	DefaultQueueSize = 64
	DefaultIdleSleep = 100 * time.Millisecond

	DefaultLaunchTimeout        = 60 * time.Second
	DefaultLoginTimeout         = 3 * time.Minute
	DefaultManualLoginTimeout   = 5 * time.Minute
	DefaultPublishVerifyTimeout = 30 * time.Second
)

// EffectiveDataDir resolves the state directory, expanding a leading "~"
// and falling back to ~/.pubdesk when unset.
func (c *Config) EffectiveDataDir() (string, error) {
	dir := strings.TrimSpace(c.DataDir)
	if dir == "" {
		dir = "~/.pubdesk"
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

func (s SchedulerConfig) EffectivePollInterval() time.Duration {
	d, err := durationOr("scheduler.poll_interval", s.PollInterval, DefaultPollInterval)
	if err != nil {
		return DefaultPollInterval
	}
	return d
}

func (s SchedulerConfig) EffectiveRetryCooldown() time.Duration {
	d, err := durationOr("scheduler.retry_cooldown", s.RetryCooldown, DefaultRetryCooldown)
	if err != nil {
		return DefaultRetryCooldown
	}
	return d
}

func (s SchedulerConfig) EffectiveMaxRetries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

func (w WorkerConfig) EffectiveQueueSize() int {
	if w.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return w.QueueSize
}

func (w WorkerConfig) EffectiveIdleSleep() time.Duration {
	d, err := durationOr("worker.idle_sleep", w.IdleSleep, DefaultIdleSleep)
	if err != nil {
		return DefaultIdleSleep
	}
	return d
}

func (s SessionConfig) PersistentProfile() bool {
	if s.UsePersistentProfile == nil {
		return true
	}
	return *s.UsePersistentProfile
}

func (s SessionConfig) EffectiveLaunchTimeout() time.Duration {
	d, err := durationOr("session.launch_timeout", s.LaunchTimeout, DefaultLaunchTimeout)
	if err != nil {
		return DefaultLaunchTimeout
	}
	return d
}

func (s SessionConfig) EffectiveLoginTimeout() time.Duration {
	d, err := durationOr("session.login_timeout", s.LoginTimeout, DefaultLoginTimeout)
	if err != nil {
		return DefaultLoginTimeout
	}
	return d
}

func (s SessionConfig) EffectiveManualLoginTimeout() time.Duration {
	d, err := durationOr("session.manual_login_timeout", s.ManualLoginTimeout, DefaultManualLoginTimeout)
	if err != nil {
		return DefaultManualLoginTimeout
	}
	return d
}

func (s SessionConfig) EffectivePublishVerifyTimeout() time.Duration {
	d, err := durationOr("session.publish_verify_timeout", s.PublishVerifyTimeout, DefaultPublishVerifyTimeout)
	if err != nil {
		return DefaultPublishVerifyTimeout
	}
	return d
}

// Validate rejects configs with malformed fields before they are committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	fields := []struct {
		path string
		raw  string
	}{
		{"scheduler.poll_interval", cfg.Scheduler.PollInterval},
		{"scheduler.retry_cooldown", cfg.Scheduler.RetryCooldown},
		{"worker.idle_sleep", cfg.Worker.IdleSleep},
		{"session.launch_timeout", cfg.Session.LaunchTimeout},
		{"session.login_timeout", cfg.Session.LoginTimeout},
		{"session.manual_login_timeout", cfg.Session.ManualLoginTimeout},
		{"session.publish_verify_timeout", cfg.Session.PublishVerifyTimeout},
	}
	for _, f := range fields {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries: must be >= 0")
	}
	switch strings.TrimSpace(cfg.Session.BrowserArgsMode) {
	case "", "minimal", "compat":
	default:
		return fmt.Errorf("session.browser_args_mode: must be \"minimal\" or \"compat\"")
	}
	return nil
}
