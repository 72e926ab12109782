// Package sessionstore keeps the durable credentials of the chat session on disk.
package sessionstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chatbridge/internal/transport"
)

// Store owns one session directory. It is not safe for concurrent Wipe/Load
// from several goroutines; the session supervisor serializes access.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if abs == string(filepath.Separator) {
		return nil, fmt.Errorf("refusing to use %q as session dir", abs)
	}
	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string { return s.dir }

// Load makes sure the directory exists and returns it as transport material.
func (s *Store) Load() (transport.Material, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return transport.Material{}, fmt.Errorf("session store: %w", err)
	}
	return transport.Material{Dir: s.dir}, nil
}

// Wipe removes all session material. A missing directory is not an error.
func (s *Store) Wipe() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("session store wipe: %w", err)
	}
	return nil
}

// Exists reports whether any material is stored.
func (s *Store) Exists() bool {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) || err != nil {
		return false
	}
	return len(entries) > 0
}
