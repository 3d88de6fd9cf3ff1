package config

type Config struct {
	// DataDir is the per-installation state directory (task store, per-user
	// session state, generated assets). Defaults to ~/.pubdesk.
	DataDir string `json:"data_dir,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    WorkerConfig    `json:"worker,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the due-task poll loop and retry policy.
//
// All durations are Go duration strings (e.g. "30s", "1m", "10m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1m"
//   - retry_cooldown: "10m"
//   - max_retries: 3
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval,omitempty"`
	RetryCooldown string `json:"retry_cooldown,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
}

// WorkerConfig controls the single-flight browser action worker.
//
// Defaults: queue_size 64, idle_sleep "100ms".
type WorkerConfig struct {
	QueueSize int    `json:"queue_size,omitempty"`
	IdleSleep string `json:"idle_sleep,omitempty"`
}

// SessionConfig controls browser session lifecycle and the login flow.
//
// UsePersistentProfile is a pointer so "omitted" (default true) can be
// distinguished from an explicit false.
type SessionConfig struct {
	UsePersistentProfile *bool `json:"use_persistent_profile,omitempty"`

	// AllowClearCookies permits clearing cookies inside a persistent profile
	// that was not created by this application. Off by default so a user's
	// real browser profile is never wiped.
	AllowClearCookies bool `json:"allow_clear_cookies,omitempty"`

	// BrowserArgsMode selects the launch argument set: "minimal" (default)
	// stays close to a stock browser; "compat" adds legacy stability flags.
	BrowserArgsMode string `json:"browser_args_mode,omitempty"`

	// ProfileDirectory selects a named profile inside the user data dir
	// (e.g. "Default", "Profile 1"). Empty uses the browser default.
	ProfileDirectory string `json:"profile_directory,omitempty"`

	// ExecutablePath pins the browser binary, skipping auto-detection.
	ExecutablePath string `json:"executable_path,omitempty"`

	// EngineCacheDir overrides where downloaded browser engines are looked up.
	EngineCacheDir string `json:"engine_cache_dir,omitempty"`

	LaunchTimeout        string `json:"launch_timeout,omitempty"`         // default "60s"
	LoginTimeout         string `json:"login_timeout,omitempty"`          // default "3m"
	ManualLoginTimeout   string `json:"manual_login_timeout,omitempty"`   // default "5m"
	PublishVerifyTimeout string `json:"publish_verify_timeout,omitempty"` // default "30s"
}
