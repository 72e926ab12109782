package storage

import (
	"fmt"
	"strings"

	logx "chatbridge/pkg/logx"
)

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
	"memory":  func(Config, logx.Logger) (Store, error) { return newMemory(), nil },
	"mem":     func(Config, logx.Logger) (Store, error) { return newMemory(), nil },
}

// Open returns the store named by cfg.Driver; an empty driver is "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = "file"
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", name)
	}
	return open(cfg, log)
}
