package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config sizes the worker pool that runs scheduled and deferred jobs.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Task.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops jobs that waited longer than this; 0 keeps them.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

func (c Config) poolChanged(o Config) bool {
	return c.Workers != o.Workers || c.QueueSize != o.QueueSize
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int // negative disables retries
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%
}

// DefaultTaskOptions are the options a job gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions { return TaskOptions{}.resolve(cfg) }

func (o TaskOptions) resolve(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	switch o.Overlap {
	case OverlapAllow, OverlapSkipIfRunning:
	default:
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

func (o TaskOptions) attempts() int { return 1 + max(o.RetryMax, 0) }

// RunState is held from enqueue until the run ends, so SkipIfRunning also
// skips while an earlier trigger is still queued.
type RunState struct{ held atomic.Bool }

func (s *RunState) tryAcquire() bool { return s == nil || s.held.CompareAndSwap(false, true) }

func (s *RunState) release() {
	if s != nil {
		s.held.Store(false)
	}
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
	EventDropped  = "task.dropped"
)

// TaskEvent is passed to the hook installed with WithEventHook.
type TaskEvent struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is one job. Without State, jobs with the same Name share a gate.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history"`
}
