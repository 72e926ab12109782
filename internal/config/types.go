package config

// Config is the bridge config file, JSON or YAML. Durations are strings in
// time.ParseDuration syntax.
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Session    SessionConfig    `json:"session"`
	Attachment AttachmentConfig `json:"attachment,omitempty"`
	Transport  TransportConfig  `json:"transport"`
	Storage    *StorageConfig   `json:"storage,omitempty"`

	// Scheduler controls triggers: the daily birthday sweep and deferred sends.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Pprof   PprofConfig   `json:"pprof,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
}

// HTTPConfig controls the public API server.
//
// Token is optional; when set it guards /api, /employee, /birthday-schedule
// and /ws. It is hot-reloadable and never logged.
type HTTPConfig struct {
	Addr           string   `json:"addr"` // default ":3000"
	Token          string   `json:"token,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SessionConfig controls the connection supervisor.
//
// Defaults:
//   - dir: "./session"
//   - auto_connect: true
//   - max_retries: 5, backoff_base: "1s", backoff_cap: "30s"
//   - challenge_expiry: "120s"
type SessionConfig struct {
	Dir         string `json:"dir"`
	AutoConnect *bool  `json:"auto_connect,omitempty"`

	MaxRetries  int    `json:"max_retries,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffCap  string `json:"backoff_cap,omitempty"`

	ChallengeExpiry string `json:"challenge_expiry,omitempty"`
	// ChallengeExpiryFresh wipes session material when a challenge expires.
	ChallengeExpiryFresh bool `json:"challenge_expiry_fresh,omitempty"`

	OpenTimeout    string `json:"open_timeout,omitempty"`
	CloseTimeout   string `json:"close_timeout,omitempty"`
	ObserverBuffer int    `json:"observer_buffer,omitempty"`
	LogFailedSends bool   `json:"log_failed_sends,omitempty"`
}

// AttachmentConfig bounds image downloads for outbound messages.
type AttachmentConfig struct {
	MaxBytes int64  `json:"max_bytes,omitempty"` // default 16 MiB
	Timeout  string `json:"timeout,omitempty"`   // default "30s"
}

type TransportConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is the long-poll timeout for getUpdates.
	PollTimeout     string `json:"poll_timeout,omitempty"`
	MaxPollFailures int    `json:"max_poll_failures,omitempty"`
	// Chats are always offered as destinations, even before they post.
	Chats []int64 `json:"chats,omitempty"`
}

// StorageConfig selects the document store for employees, schedules and
// message logs.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bridge.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // file (default), sqlite, memory
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// SchedulerConfig controls triggers and the daily birthday sweep.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// SweepAt is the daily "HH:MM" the birthday sweep runs. Empty disables it.
	SweepAt          string  `json:"sweep_at,omitempty"`
	SweepDestination string  `json:"sweep_destination,omitempty"`
	SweepRatePerSec  float64 `json:"sweep_rate_per_sec,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
	RetryWait   string `json:"retry_wait,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// TaskEngineConfig sizes the worker pool behind deferred sends and the
// birthday sweep. Omitted, it follows scheduler.enabled with 2 workers, a
// queue of 256, 3 retries and 200 history entries. An explicit
// enabled: false is rejected while the scheduler is on.
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// Per-attempt bound for jobs that set none; "0s" leaves jobs unbounded.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// Jobs waiting in the queue longer than this are dropped; "0s" keeps them.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// PprofConfig is the optional profiling listener, on 127.0.0.1:6060 under
// /debug/pprof/ unless set. A non-loopback addr needs a token or
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. Notifications are no-ops
// when the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}
