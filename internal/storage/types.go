package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values: "file", "sqlite", "memory". Empty means "file".
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions
}

// Record is one stored document.
type Record struct {
	ID   string
	Data []byte
}

// Store persists JSON documents. List returns documents in insertion order.
type Store interface {
	Insert(ctx context.Context, collection, id string, data []byte) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Update(ctx context.Context, collection, id string, data []byte) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string) ([]Record, error)
	Close() error
}
