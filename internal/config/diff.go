package config

import (
	"sort"
	"strings"

	logx "pubdesk/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.DataDir) != strings.TrimSpace(newCfg.DataDir) {
		changed = append(changed, "data_dir")
		attrs = append(attrs, logx.Bool("data_dir_set", strings.TrimSpace(newCfg.DataDir) != ""))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Duration("scheduler.poll_interval", newCfg.Scheduler.EffectivePollInterval()),
			logx.Duration("scheduler.retry_cooldown", newCfg.Scheduler.EffectiveRetryCooldown()),
			logx.Int("scheduler.max_retries", newCfg.Scheduler.EffectiveMaxRetries()),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.queue_size", newCfg.Worker.EffectiveQueueSize()),
			logx.Duration("worker.idle_sleep", newCfg.Worker.EffectiveIdleSleep()),
		)
	}

	if !sessionEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Bool("session.persistent_profile", newCfg.Session.PersistentProfile()),
			logx.Bool("session.allow_clear_cookies", newCfg.Session.AllowClearCookies),
			logx.String("session.browser_args_mode", strings.TrimSpace(newCfg.Session.BrowserArgsMode)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sessionEqual(a, b SessionConfig) bool {
	ap, bp := a.UsePersistentProfile, b.UsePersistentProfile
	a.UsePersistentProfile, b.UsePersistentProfile = nil, nil
	if a != b {
		return false
	}
	av, bv := true, true
	if ap != nil {
		av = *ap
	}
	if bp != nil {
		bv = *bp
	}
	return av == bv
}
