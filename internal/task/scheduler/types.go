package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"chatbridge/internal/task/engine"
	logx "chatbridge/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Kolkata"
}

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the work a trigger enqueues.
type Job func(ctx context.Context) error

type scheduleDef struct {
	id      string
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	opt     TaskOptions
	state   *engine.RunState
}

// onceDef survives Stop so the timer can be re-armed by the next Start.
type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	warnMu sync.Mutex
	warns  map[string]*rate.Sometimes

	tmu     sync.Mutex
	once    map[string]*onceDef
	onceSeq uint64
	running bool
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type OnceInfo struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Engine    engine.Snapshot `json:"engine"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Once      []OnceInfo      `json:"once"`
}
