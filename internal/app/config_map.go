package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/httpapi"
	"chatbridge/internal/observability/pprof"
	"chatbridge/internal/session"
	"chatbridge/internal/storage"
	"chatbridge/internal/task/engine"
	"chatbridge/internal/task/scheduler"
	"chatbridge/internal/transport/telegram"
	logx "chatbridge/pkg/logx"
)

const defaultStoragePath = "./data/chatbridge"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	if h.MaxBodyBytes < 0 {
		return httpapi.Config{}, errors.New("http.max_body_bytes must be >= 0")
	}
	var d config.Durations
	out := httpapi.Config{
		Addr:           strings.TrimSpace(h.Addr),
		Token:          h.Token,
		AllowedOrigins: h.AllowedOrigins,
		ReadTimeout:    d.Get("http.read_timeout", h.ReadTimeout, 0),
		WriteTimeout:   d.Get("http.write_timeout", h.WriteTimeout, 0),
		IdleTimeout:    d.Get("http.idle_timeout", h.IdleTimeout, 0),
		MaxBodyBytes:   h.MaxBodyBytes,
		ObserverBuffer: cfg.Session.ObserverBuffer,
	}
	return out, d.Err()
}

func mapSession(cfg *config.Config) (session.Config, error) {
	sc := cfg.Session
	if sc.MaxRetries < 0 {
		return session.Config{}, errors.New("session.max_retries must be >= 0")
	}
	if sc.ObserverBuffer < 0 {
		return session.Config{}, errors.New("session.observer_buffer must be >= 0")
	}
	def := session.DefaultPolicy()
	var d config.Durations
	out := session.Config{
		Policy: session.Policy{
			MaxRetries: sc.MaxRetries,
			Base:       d.Get("session.backoff_base", sc.BackoffBase, def.Base),
			Cap:        d.Get("session.backoff_cap", sc.BackoffCap, def.Cap),
		},
		ChallengeExpiry:      d.Get("session.challenge_expiry", sc.ChallengeExpiry, 0),
		ChallengeExpiryFresh: sc.ChallengeExpiryFresh,
		LogFailedSends:       sc.LogFailedSends,
		OpenTimeout:          d.Get("session.open_timeout", sc.OpenTimeout, 0),
		CloseTimeout:         d.Get("session.close_timeout", sc.CloseTimeout, 0),
		ObserverBuffer:       sc.ObserverBuffer,
	}
	if err := d.Err(); err != nil {
		return session.Config{}, err
	}
	if out.Policy.Cap < out.Policy.Base {
		return session.Config{}, fmt.Errorf("session.backoff_cap (%s) must be >= session.backoff_base (%s)", out.Policy.Cap, out.Policy.Base)
	}
	return out, nil
}

func sessionDir(cfg *config.Config) string {
	if dir := strings.TrimSpace(cfg.Session.Dir); dir != "" {
		return dir
	}
	return "./session"
}

func autoConnect(cfg *config.Config) bool {
	return cfg.Session.AutoConnect == nil || *cfg.Session.AutoConnect
}

func mapAttachment(cfg *config.Config) (session.AttachmentConfig, error) {
	if cfg.Attachment.MaxBytes < 0 {
		return session.AttachmentConfig{}, errors.New("attachment.max_bytes must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("attachment.timeout", cfg.Attachment.Timeout, session.DefaultFetchTimeout)
	if err != nil {
		return session.AttachmentConfig{}, err
	}
	return session.AttachmentConfig{MaxBytes: cfg.Attachment.MaxBytes, Timeout: timeout}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Transport.Telegram
	if tc.MaxPollFailures < 0 {
		return telegram.Config{}, errors.New("transport.telegram.max_poll_failures must be >= 0")
	}
	poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:           strings.TrimSpace(tc.Token),
		APIURL:          strings.TrimSpace(tc.APIURL),
		PollTimeout:     poll,
		MaxPollFailures: tc.MaxPollFailures,
		Chats:           tc.Chats,
	}, nil
}

// mapStorage defaults to the file driver under ./data/chatbridge.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	var sc config.StorageConfig
	if cfg.Storage != nil {
		sc = *cfg.Storage
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if sc.CompactEvery < 0 {
		return storage.Config{}, errors.New("storage.compact_every must be >= 0")
	}

	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path, CompactEvery: sc.CompactEvery}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	sc := cfg.Scheduler
	if at := strings.TrimSpace(sc.SweepAt); at != "" {
		if _, _, err := scheduler.ParseHHMM(at); err != nil {
			return dispatch.Config{}, fmt.Errorf("scheduler.sweep_at: %w", err)
		}
		if strings.TrimSpace(sc.SweepDestination) == "" {
			return dispatch.Config{}, errors.New("scheduler.sweep_destination is required when scheduler.sweep_at is set")
		}
	}
	if sc.SweepRatePerSec < 0 {
		return dispatch.Config{}, errors.New("scheduler.sweep_rate_per_sec must be >= 0")
	}
	var d config.Durations
	out := dispatch.Config{
		SweepAt:          sc.SweepAt,
		SweepDestination: sc.SweepDestination,
		SweepRatePerSec:  sc.SweepRatePerSec,
		SendTimeout:      d.Get("scheduler.send_timeout", sc.SendTimeout, 0),
		RetryWait:        d.Get("scheduler.retry_wait", sc.RetryWait, 0),
		MaxDelay:         d.Get("scheduler.max_delay", sc.MaxDelay, 0),
	}
	return out, d.Err()
}

// mapTaskEngine fills engine defaults. The engine follows scheduler.enabled
// unless task_engine.enabled is set explicitly.
func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var d config.Durations
	out.DefaultTimeout = d.Get("task_engine.default_timeout", te.DefaultTimeout, 0)
	out.MaxQueueDelay = d.Get("task_engine.max_queue_delay", te.MaxQueueDelay, 0)
	return out, d.Err()
}

func mapPprof(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof
	var d config.Durations
	out := pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Prefix:               p.Prefix,
		Token:                strings.TrimSpace(p.Token),
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          d.Get("pprof.read_timeout", p.ReadTimeout, 5*time.Second),
		WriteTimeout:         d.Get("pprof.write_timeout", p.WriteTimeout, 0),
		IdleTimeout:          d.Get("pprof.idle_timeout", p.IdleTimeout, 60*time.Second),
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}
	return out, d.Err()
}

// validate rejects configs that could not be applied. It runs at startup and
// before every hot reload is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
		return errors.New("transport.telegram.token is required")
	}
	steps := []func(*config.Config) error{
		func(c *config.Config) error { _, err := mapHTTP(c); return err },
		func(c *config.Config) error { _, err := mapSession(c); return err },
		func(c *config.Config) error { _, err := mapAttachment(c); return err },
		func(c *config.Config) error { _, err := mapTelegram(c); return err },
		func(c *config.Config) error { _, err := mapStorage(c); return err },
		func(c *config.Config) error { _, err := mapScheduler(c); return err },
		func(c *config.Config) error { _, err := mapDispatch(c); return err },
		func(c *config.Config) error { _, err := mapTaskEngine(c); return err },
		func(c *config.Config) error { _, err := mapPprof(c); return err },
	}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return err
		}
	}
	return nil
}
