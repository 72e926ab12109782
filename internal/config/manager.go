package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	logx "chatbridge/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Manager holds the committed config and hands validated reloads to
// subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	cfg   *Config
	print fingerprint

	// subMu is held while publishing so Unsubscribe never closes a channel
	// that is being sent on.
	subMu sync.Mutex
	subs  []chan *Config

	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager { return &Manager{path: path, log: logx.Nop()} }

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a check that a reloaded config must pass before it
// is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.validate = fn }

// Parse decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	fp, _ := fingerprintOf(cfg)
	m.mu.Lock()
	m.cfg, m.print = cfg, fp
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and, when it changed and passes validation,
// commits and publishes it. The bool reports whether it was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	fp, ok := fingerprintOf(cfg)
	m.mu.RLock()
	same := ok && fp == m.print
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file unchanged", logx.String("path", m.path))
		return false, nil
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%x", fp[:6])))
	return true, nil
}

// Subscribe returns a channel that receives each published config.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

// publish never blocks. A subscriber with a full buffer has its oldest
// pending config replaced so it always ends up with the newest.
func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped for slow subscriber", logx.Int("buffer", cap(ch)))
		}
	}
}

func offer(ch chan<- *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
