package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatbridge/internal/metrics"
	rtsup "chatbridge/internal/runtime/supervisor"
	logx "chatbridge/pkg/logx"
)

// Service runs jobs handed to it by the scheduler and the dispatcher on a
// bounded worker pool, with retries and per-name overlap gates.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	cur  *pool
	log  logx.Logger
	hook func(TaskEvent)

	gatesMu sync.Mutex
	gates   map[string]*RunState

	hist     ring
	drops    drops
	inFlight atomic.Int32

	// Drop warnings are throttled; the counters are not.
	warnFull, warnStale rate.Sometimes
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue chan queuedTask
	quit  chan struct{} // closed by Stop
	done  chan struct{} // closed when every worker has returned
	sup   *rtsup.Supervisor
}

func (p *pool) quitting() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

type queuedTask struct {
	Task
	at      time.Time
	timeout time.Duration
	opt     TaskOptions
	gate    *RunState // nil unless the job holds an overlap gate
}

type Option func(*Service)

// WithEventHook observes every job lifecycle step. It runs on the worker
// goroutine and must return quickly.
func WithEventHook(fn func(TaskEvent)) Option { return func(s *Service) { s.hook = fn } }

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.normalized(),
		log:       log,
		gates:     map[string]*RunState{},
		warnFull:  rate.Sometimes{Interval: 5 * time.Second},
		warnStale: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && !s.cur.quitting()
}

// Apply installs cfg. A resized pool is restarted; queued jobs of the old
// pool are discarded.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalized()
	running := s.running()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if !running {
		if cfg.Enabled && !prev.Enabled {
			s.Start(ctx)
		}
		return
	}
	if !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if cfg.poolChanged(prev) {
		s.log.Info("task engine resizing",
			logx.Int("workers", cfg.Workers),
			logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op while a pool is running and
// waits for a pool that is still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.cur != nil {
		p := s.cur
		s.mu.Unlock()
		if !p.quitting() {
			return
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pool{
		queue: make(chan queuedTask, cfg.QueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("sup", "taskengine"))),
			// A failing job never cancels the bridge.
			rtsup.WithCancelOnError(false),
		),
	}
	s.cur = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		b := newBackoff(time.Now().UnixNano() ^ int64(i)<<32)
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p, b)
			switch {
			case p.quitting():
				return context.Canceled
			case c.Err() != nil:
				return c.Err()
			}
			return errors.New("worker returned while pool is live")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for them until ctx is done. Jobs still
// queued are abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.quitting()
	if first {
		close(p.quit)
	}
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go s.reap(p)
	}
	select {
	case <-p.done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) reap(p *pool) {
	_ = p.sup.Wait(context.Background())
	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
	}
	s.mu.Unlock()
	s.inFlight.Store(0)
	metrics.TaskQueueDepth.Set(0)
	close(p.done)
}

// Enqueue offers t without blocking and fails with ErrQueueFull when the
// queue has no room.
func (s *Service) Enqueue(t Task) error { return s.enqueue(context.Background(), t, false) }

// Submit waits for queue room until ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return errors.New("engine: task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case p.quitting():
		return ErrStopping
	}

	now := time.Now()
	qt := queuedTask{Task: t, at: now, timeout: t.Timeout, opt: t.Opt.resolve(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		gate := t.State
		if gate == nil {
			gate = s.gate(t.Name)
		}
		if !gate.tryAcquire() {
			s.emit(TaskEvent{Type: EventSkipped, ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped, previous run pending", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		qt.gate = gate
	}

	if !wait {
		select {
		case p.queue <- qt:
			metrics.TaskQueueDepth.Set(float64(len(p.queue)))
			return nil
		default:
			qt.gate.release()
			s.dropQueueFull(qt, p)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- qt:
		metrics.TaskQueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		qt.gate.release()
		return ctx.Err()
	case <-p.quit:
		qt.gate.release()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.drops.total.Load(),
		DroppedQueueFull: s.drops.queueFull.Load(),
		DroppedStale:     s.drops.stale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          s.hist.list(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	return snap
}

func (s *Service) gate(name string) *RunState {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[name]
	if !ok {
		g = &RunState{}
		s.gates[name] = g
	}
	return g
}

func (s *Service) emit(ev TaskEvent) {
	if s.hook != nil {
		s.hook(ev)
	}
}

func (s *Service) historySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HistorySize
}

func (s *Service) dropQueueFull(qt queuedTask, p *pool) {
	n := s.drops.count(dropQueueFull)
	s.emit(TaskEvent{Type: EventDropped, ID: qt.ID, Name: qt.Name, Started: qt.at, Error: "queue_full"})
	s.warnFull.Do(func() {
		s.log.Warn("task dropped, queue full",
			logx.String("task", qt.Name),
			logx.Int("queue_cap", cap(p.queue)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) dropStale(qt queuedTask, started time.Time, waited time.Duration) {
	n := s.drops.count(dropStale)
	ev := TaskEvent{Type: EventDropped, ID: qt.ID, Name: qt.Name, Started: started, QueueDelay: waited, Error: "stale_queue_delay"}
	s.emit(ev)
	s.hist.push(ev.historyItem(), s.historySize())
	s.warnStale.Do(func() {
		s.log.Warn("task dropped, waited too long in queue",
			logx.String("task", qt.Name),
			logx.Duration("queue_delay", waited),
			logx.Uint64("dropped_stale", n),
		)
	})
}
