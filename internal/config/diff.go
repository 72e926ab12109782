package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatbridge/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"http":       true,
	"session":    true,
	"attachment": true,
	"transport":  true,
	"storage":    true,
	"systemd":    true,
}

// RequiresRestart reports whether a changed section cannot be applied live.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets are reported only as "*_set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// The token is hot-swapped and reported as its own section.
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Token != nh.Token {
		changed = append(changed, "http.token")
		attrs = append(attrs, logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""))
	}
	oh.Token, nh.Token = "", ""
	if !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Int("http.allowed_origins", len(nh.AllowedOrigins)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.dir", strings.TrimSpace(newCfg.Session.Dir)),
			logx.Int("session.max_retries", newCfg.Session.MaxRetries),
		)
	}

	if oldCfg.Attachment != newCfg.Attachment {
		changed = append(changed, "attachment")
		attrs = append(attrs, logx.Int64("attachment.max_bytes", newCfg.Attachment.MaxBytes))
	}

	// Transport (never log token)
	ot, nt := oldCfg.Transport.Telegram, newCfg.Transport.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.PollTimeout != nt.PollTimeout ||
		ot.MaxPollFailures != nt.MaxPollFailures || !reflect.DeepEqual(ot.Chats, nt.Chats) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.Bool("transport.telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.String("transport.telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("transport.telegram.chats", len(nt.Chats)),
		)
	}

	// Nil storage means the default file driver.
	oldS, ns := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.sweep_at", strings.TrimSpace(newCfg.Scheduler.SweepAt)),
			logx.Bool("scheduler.sweep_destination_set", strings.TrimSpace(newCfg.Scheduler.SweepDestination) != ""),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Pprof (never log token)
	op, np := oldCfg.Pprof, newCfg.Pprof
	pprofTokenChanged := op.Token != np.Token
	op.Token, np.Token = "", ""
	if pprofTokenChanged || op != np {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
