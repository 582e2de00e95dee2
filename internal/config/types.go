package config

// Config is the on-disk configuration of the daemon. JSON and YAML are both
// accepted; YAML is coerced to JSON and decoded with unknown fields rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Empty
// strings select the documented default.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Pulse      PulseConfig      `json:"pulse"`
	Background BackgroundConfig `json:"background"`
	Host       HostConfig       `json:"host"`
	Lease      LeaseConfig      `json:"lease"`
	Actuators  ActuatorsConfig  `json:"actuators"`
	Telegram   TelegramConfig   `json:"telegram"`
	Storage    StorageConfig    `json:"storage"`
	Debug      DebugConfig      `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote mirrors log lines into the operator chat of the telegram
// transport. It has no effect while telegram is disabled.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PulseConfig shapes the recurring signal.
//
// Period accepts a duration ("30s"), "HH:MM" or a cron interval
// ("@every 30s"). A new period applies on the next activation.
type PulseConfig struct {
	Period    string `json:"period"`
	LightHold string `json:"light_hold,omitempty"`
	HapticOn  string `json:"haptic_on,omitempty"`
	HapticOff string `json:"haptic_off,omitempty"`
}

type BackgroundConfig struct {
	WakeIdentifier string `json:"wake_identifier,omitempty"`
	WakeNotBefore  string `json:"wake_not_before,omitempty"`

	// ExpiryDeadline bounds how long an expiration handler may take.
	ExpiryDeadline string `json:"expiry_deadline,omitempty"`

	WakeBackoffBase string `json:"wake_backoff_base,omitempty"`
	WakeBackoffMax  string `json:"wake_backoff_max,omitempty"`
	MaxWakeRetries  int    `json:"max_wake_retries,omitempty"`
}

// HostConfig selects the platform that grants background time. Only the
// simulated host exists on Linux.
type HostConfig struct {
	Driver        string `json:"driver"`
	GrantDuration string `json:"grant_duration,omitempty"`
	WakeWindow    string `json:"wake_window,omitempty"`

	// StartInBackground enters background right after boot.
	StartInBackground bool `json:"start_in_background,omitempty"`
}

// LeaseConfig selects the keep-alive backend.
//
// Example:
//
//	"lease": { "driver": "logind", "what": "sleep:idle", "mode": "block" }
type LeaseConfig struct {
	Driver string `json:"driver"`
	What   string `json:"what,omitempty"`
	Who    string `json:"who,omitempty"`
	Why    string `json:"why,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

type ActuatorsConfig struct {
	Light  ActuatorConfig `json:"light"`
	Haptic ActuatorConfig `json:"haptic"`
}

// ActuatorConfig selects the driver for one signal kind.
//
// Drivers:
//   - "sim": in-memory device, logs activations at debug level
//   - "sysfs": LED class device Name under Root (default /sys/class/leds)
//   - "none": capability unavailable; the kind runs as a no-op
type ActuatorConfig struct {
	Driver    string `json:"driver"`
	Name      string `json:"name,omitempty"`
	Root      string `json:"root,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	// JobTimeout bounds a single hardware job. "0s" disables it.
	JobTimeout string `json:"job_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// LogChatID receives remote log lines. Defaults to the first owner.
	LogChatID int64 `json:"log_chat_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	// RatePerSec limits commands per sender. 0 selects the default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the diagnostic journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pulsekeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional pprof and metrics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
