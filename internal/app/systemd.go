package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chatbridge/internal/config"
	logx "chatbridge/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Every call is a no-op when
// NOTIFY_SOCKET is unset.
type sdNotifier struct {
	cfg config.SystemdConfig
	log logx.Logger
	// notify is daemon.SdNotify; tests swap it.
	notify func(unsetEnv bool, state string) (bool, error)
}

func newSDNotifier(cfg config.SystemdConfig, log logx.Logger) *sdNotifier {
	return &sdNotifier{cfg: cfg, log: log, notify: daemon.SdNotify}
}

func (n *sdNotifier) send(state string) bool {
	if !n.cfg.Notify {
		return false
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *sdNotifier) ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Info("systemd notified ready")
	}
}

func (n *sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *sdNotifier) watchdogInterval() time.Duration {
	if !n.cfg.Notify || !n.cfg.Watchdog {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

func (n *sdNotifier) watchdog(ctx context.Context, every time.Duration) {
	n.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
