package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chatbridge/internal/broadcast"
	"chatbridge/internal/metrics"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/transport"
	logx "chatbridge/pkg/logx"
)

type Config struct {
	Policy Policy
	// ChallengeExpiry is how long a pairing challenge stays valid.
	ChallengeExpiry time.Duration
	// ChallengeExpiryFresh wipes material when a challenge expires.
	ChallengeExpiryFresh bool
	// LogFailedSends also records failed sends in the delivery log.
	LogFailedSends bool
	OpenTimeout    time.Duration
	CloseTimeout   time.Duration
	ObserverBuffer int
}

func (c Config) withDefaults() Config {
	c.Policy = c.Policy.withDefaults()
	if c.ChallengeExpiry <= 0 {
		c.ChallengeExpiry = 120 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.ObserverBuffer <= 0 {
		c.ObserverBuffer = 32
	}
	return c
}

// MaterialStore persists session credentials between attempts.
type MaterialStore interface {
	Load() (transport.Material, error)
	Wipe() error
}

type Option func(*Supervisor)

func WithClock(c Clock) Option { return func(s *Supervisor) { s.clock = c } }

func WithLogger(l logx.Logger) Option { return func(s *Supervisor) { s.log = l } }

func WithBroadcaster(b *broadcast.Broadcaster) Option { return func(s *Supervisor) { s.bc = b } }

func WithDeliveryLog(d DeliveryLog) Option { return func(s *Supervisor) { s.deliveries = d } }

func WithFetcher(f *Fetcher) Option { return func(s *Supervisor) { s.fetch = f } }

// Supervisor owns the connection lifecycle. Fields below "loop-owned" are
// only touched from the Run goroutine.
type Supervisor struct {
	cfg        Config
	dialer     transport.Dialer
	store      MaterialStore
	clock      Clock
	log        logx.Logger
	bc         *broadcast.Broadcaster
	fetch      *Fetcher
	deliveries DeliveryLog

	mb      *mailbox
	running atomic.Bool
	stopped chan struct{}
	workers *rtsup.Supervisor

	// loop-owned
	phase       Phase
	epoch       uint64
	tr          transport.Transport
	challenge   *Challenge
	identity    *transport.Identity
	attempts    int
	manualEpoch uint64
	expiry      Timer
	expirySeq   uint64
	retry       Timer
	retryAt     time.Time
	lastReason  string
	// material is closed once the last attempt or wipe is done with the
	// session material. The next one waits for it.
	material <-chan struct{}

	viewMu sync.RWMutex
	snap   Snapshot
	cur    transport.Transport
}

func New(cfg Config, dialer transport.Dialer, store MaterialStore, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		store:   store,
		mb:      newMailbox(),
		stopped: make(chan struct{}),
		phase:   PhaseIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bc == nil {
		s.bc = broadcast.New()
	}
	if s.bc.OnCount == nil {
		s.bc.OnCount = func(n int) { metrics.Observers.Set(float64(n)) }
	}
	if s.bc.OnDrop == nil {
		s.bc.OnDrop = metrics.EventsDropped.Inc
	}
	if s.fetch == nil {
		s.fetch = NewFetcher(AttachmentConfig{})
	}
	s.publish()
	return s
}

// Run processes the mailbox until ctx is done, then closes the transport
// (without wiping material) and releases observers.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session supervisor already running")
	}
	s.workers = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("sup", "session.workers"))),
		rtsup.WithCancelOnError(false),
	)
	s.log.Debug("session loop started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.mb.wake:
			for _, f := range s.mb.drain() {
				s.exec(f)
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	s.mb.close()
	s.cancelTimers()
	s.epoch++
	if s.tr != nil {
		s.closeNow(s.tr)
	}
	s.tr = nil
	s.phase = PhaseIdle
	s.identity = nil
	s.challenge = nil
	s.publish()
	close(s.stopped)

	wctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := s.workers.Wait(wctx); err != nil {
		s.log.Warn("session workers did not stop cleanly", logx.Err(err))
	}
	s.bc.Close()
	s.log.Debug("session loop stopped")
}

// exec runs one loop task. A panic becomes an error event instead of killing the loop.
func (s *Supervisor) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.emit(broadcast.EventError, ErrorData{Error: fmt.Sprintf("internal error: %v", r)})
		}
	}()
	f()
}

// do runs f on the loop and waits for it.
func (s *Supervisor) do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if !s.mb.post(func() {
		defer close(done)
		f()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// Connect starts an attempt. It is a logged no-op while an attempt is in
// flight or the session is Ready. fresh wipes material first.
func (s *Supervisor) Connect(ctx context.Context, fresh bool) error {
	return s.do(ctx, func() { s.connect(fresh) })
}

// Disconnect closes the transport, wipes material and returns to Idle.
// No reconnect is scheduled. Calling it while Idle does nothing.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	return s.do(ctx, s.disconnect)
}

// ResetSession is Disconnect followed by Connect(fresh=true), atomically.
func (s *Supervisor) ResetSession(ctx context.Context) error {
	return s.do(ctx, func() {
		s.disconnect()
		s.connect(true)
	})
}

// Observe subscribes to session events. The channel first holds the current
// status (and the outstanding challenge, if any) so no later event can be
// seen before them.
func (s *Supervisor) Observe(ctx context.Context, buffer int) (<-chan broadcast.Event, func(), error) {
	if buffer <= 0 {
		buffer = s.cfg.ObserverBuffer
	}
	var (
		ch    <-chan broadcast.Event
		unsub func()
	)
	err := s.do(ctx, func() {
		now := s.clock.Now()
		initial := []broadcast.Event{{Name: broadcast.EventStatus, Time: now, Data: s.status()}}
		if s.challenge != nil {
			initial = append(initial, broadcast.Event{Name: broadcast.EventQR, Time: now, Data: QRData{Challenge: s.challenge.Code}})
		}
		_, ch, unsub = s.bc.SubscribeWith(buffer, initial...)
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, unsub, nil
}

// Snapshot returns a copy of the current state. It never waits for the loop.
func (s *Supervisor) Snapshot() Snapshot {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.snap
}

// Ready reports whether messages can be sent.
func (s *Supervisor) Ready() bool { return s.Snapshot().Phase == PhaseReady }

// ---- loop-side transitions ----

func (s *Supervisor) connect(fresh bool) {
	if s.phase.busy() {
		s.log.Info("connect ignored: attempt already in progress", logx.String("phase", string(s.phase)))
		return
	}
	s.startAttempt(fresh, nil)
}

// startAttempt opens a new transport under a new epoch. prev, if set, is
// closed before any material is touched.
func (s *Supervisor) startAttempt(fresh bool, prev transport.Transport) {
	s.cancelTimers()
	s.epoch++
	ep := s.epoch
	s.phase = PhaseConnecting
	s.challenge = nil
	s.identity = nil
	if fresh {
		s.attempts = 0
	}
	s.publish()
	s.log.Info("connecting", logx.Uint64("epoch", ep), logx.Bool("fresh", fresh), logx.Int("attempts", s.attempts))

	gate := s.material
	free := make(chan struct{})
	s.material = free
	s.workers.Go0("session.open", func(ctx context.Context) {
		if prev != nil {
			s.closeNow(prev)
		}
		s.open(ctx, ep, fresh, gate, free)
	})
}

// open runs off-loop. It touches material only after gate is closed, and
// closes free once the dial failed or the dialed transport is closed. Its
// result and every event of the new transport re-enter through the
// mailbox, result first.
func (s *Supervisor) open(ctx context.Context, ep uint64, fresh bool, gate <-chan struct{}, free chan struct{}) {
	sink := &attemptSink{s: s, epoch: ep}
	var tr transport.Transport
	err := guard(func() error {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if fresh {
			if err := s.store.Wipe(); err != nil {
				s.log.Warn("wipe session material failed", logx.Err(err))
			}
		}
		m, err := s.store.Load()
		if err != nil {
			return err
		}
		dctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
		defer cancel()
		tr, err = s.dialer.Dial(dctx, m, sink.emit)
		return err
	})
	if err == nil && tr == nil {
		err = errors.New("dialer returned no transport")
	}
	if err != nil {
		close(free)
	} else {
		tr = &leased{Transport: tr, free: free}
	}
	if !s.mb.post(func() { s.attached(ep, tr, err) }) {
		// Loop already stopped.
		if tr != nil {
			s.closeNow(tr)
		}
		return
	}
	sink.release()
}

func (s *Supervisor) attached(ep uint64, tr transport.Transport, err error) {
	if ep != s.epoch {
		if tr != nil {
			s.log.Debug("discarding transport of superseded attempt", logx.Uint64("epoch", ep))
			s.closeAsync(tr)
		}
		return
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransportOpen, err)
		s.log.Warn("transport open failed", logx.Uint64("epoch", ep), logx.Err(err))
		s.emit(broadcast.EventError, ErrorData{Error: err.Error()})
		s.closed(transport.CloseReason{Message: err.Error()})
		return
	}
	s.tr = tr
	s.publish()
}

func (s *Supervisor) onEvent(ep uint64, e transport.Event) {
	if e.Kind == transport.EventClosed && ep != 0 && ep == s.manualEpoch {
		s.manualEpoch = 0
		s.log.Debug("close after manual disconnect", logx.Uint64("epoch", ep))
		return
	}
	if ep != s.epoch {
		s.log.Debug("dropping stale transport event", logx.String("kind", string(e.Kind)), logx.Uint64("epoch", ep))
		return
	}
	switch e.Kind {
	case transport.EventChallenge:
		s.challengeIssued(e.Challenge)
	case transport.EventOpened:
		s.opened(e.Identity)
	case transport.EventClosed:
		s.closed(e.Reason)
	case transport.EventInbound:
		if e.Inbound != nil {
			s.log.Debug("inbound message", logx.String("from", e.Inbound.From), logx.String("chat", e.Inbound.Chat), logx.Int("len", len(e.Inbound.Text)))
		}
	default:
		s.log.Debug("unknown transport event", logx.String("kind", string(e.Kind)))
	}
}

func (s *Supervisor) challengeIssued(code string) {
	if s.phase != PhaseConnecting && s.phase != PhaseAwaitingChallenge {
		s.log.Debug("challenge ignored", logx.String("phase", string(s.phase)))
		return
	}
	s.challenge = &Challenge{Code: code, IssuedAt: s.clock.Now()}
	s.phase = PhaseAwaitingChallenge

	s.stopExpiry()
	ep, seq := s.epoch, s.expirySeq
	s.expiry = s.clock.AfterFunc(s.cfg.ChallengeExpiry, func() {
		s.mb.post(func() { s.challengeExpired(ep, seq) })
	})

	metrics.ChallengesIssued.Inc()
	s.publish()
	s.log.Info("pairing challenge issued", logx.Uint64("epoch", ep))
	s.emit(broadcast.EventQR, QRData{Challenge: code})
}

// challengeExpired ignores callbacks of timers that were stopped or
// re-armed after they fired.
func (s *Supervisor) challengeExpired(ep, seq uint64) {
	if ep != s.epoch || seq != s.expirySeq || s.phase != PhaseAwaitingChallenge {
		return
	}
	s.expiry = nil
	metrics.ChallengeExpirations.Inc()
	s.log.Info("pairing challenge expired, restarting attempt", logx.Bool("fresh", s.cfg.ChallengeExpiryFresh))
	prev := s.tr
	s.tr = nil
	s.startAttempt(s.cfg.ChallengeExpiryFresh, prev)
}

func (s *Supervisor) opened(id transport.Identity) {
	if s.phase != PhaseConnecting && s.phase != PhaseAwaitingChallenge {
		s.log.Debug("open ignored", logx.String("phase", string(s.phase)))
		return
	}
	s.stopExpiry()
	s.phase = PhaseReady
	s.challenge = nil
	s.attempts = 0
	s.identity = &id
	s.lastReason = ""
	s.publish()

	u := userOf(id)
	s.log.Info("session ready", logx.String("name", u.Name), logx.String("number", u.Number))
	s.emit(broadcast.EventConnected, StatusData{Connected: true, User: u})
}

func (s *Supervisor) closed(reason transport.CloseReason) {
	if !s.phase.busy() {
		return
	}
	s.stopExpiry()
	prev := s.tr
	s.tr = nil
	s.phase = PhaseClosed
	s.identity = nil
	s.challenge = nil
	s.lastReason = reason.String()
	s.emit(broadcast.EventDisconnected, DisconnectedData{Connected: false, Reason: s.lastReason})

	d := Decide(reason, s.attempts, s.cfg.Policy)
	metrics.ReconnectDecisions.WithLabelValues(d.Action.String()).Inc()
	s.attempts = d.Attempts
	s.log.Warn("connection closed",
		logx.String("reason", s.lastReason),
		logx.String("action", d.Action.String()),
		logx.Int("attempts", d.Attempts),
		logx.Duration("delay", d.Delay),
	)

	if d.Action != ActionRetry {
		s.startAttempt(true, prev)
		return
	}
	if prev != nil {
		s.closeAsync(prev)
	}
	ep := s.epoch
	s.retryAt = s.clock.Now().Add(d.Delay)
	s.retry = s.clock.AfterFunc(d.Delay, func() {
		s.mb.post(func() { s.retryDue(ep) })
	})
	s.publish()
}

func (s *Supervisor) retryDue(ep uint64) {
	if ep != s.epoch || s.phase != PhaseClosed {
		return
	}
	s.retry = nil
	s.startAttempt(false, nil)
}

func (s *Supervisor) disconnect() {
	if s.phase == PhaseIdle {
		s.log.Debug("disconnect ignored: already idle")
		return
	}
	s.cancelTimers()
	prev := s.tr
	s.tr = nil
	if prev != nil {
		s.manualEpoch = s.epoch
	}
	s.epoch++
	s.phase = PhaseIdle
	s.identity = nil
	s.challenge = nil
	s.attempts = 0
	s.lastReason = ""

	if prev != nil {
		s.closeNow(prev)
	}
	s.wipe()
	metrics.ReconnectDecisions.WithLabelValues("manual").Inc()
	s.publish()
	s.log.Info("disconnected by request")
	s.emit(broadcast.EventDisconnected, DisconnectedData{Connected: false})
}

// wipe removes the session material, or queues the removal behind an
// attempt that is still dialing.
func (s *Supervisor) wipe() {
	gate := s.material
	if released(gate) {
		if err := guard(s.store.Wipe); err != nil {
			s.wipeFailed(err)
		}
		return
	}
	s.log.Debug("wipe deferred until pending attempt resolves")
	free := make(chan struct{})
	s.material = free
	s.workers.Go0("session.wipe", func(context.Context) {
		defer close(free)
		<-gate
		if err := guard(s.store.Wipe); err != nil {
			s.mb.post(func() { s.wipeFailed(err) })
		}
	})
}

func (s *Supervisor) wipeFailed(err error) {
	s.log.Warn("wipe session material failed", logx.Err(err))
	s.emit(broadcast.EventError, ErrorData{Error: err.Error()})
}

// ---- helpers ----

func (s *Supervisor) status() StatusData {
	if s.phase == PhaseReady && s.identity != nil {
		return StatusData{Connected: true, User: userOf(*s.identity)}
	}
	return StatusData{}
}

func (s *Supervisor) emit(name string, data any) {
	s.bc.Publish(broadcast.Event{Name: name, Time: s.clock.Now(), Data: data})
}

// publish refreshes the snapshot read by Snapshot and SendMessage.
func (s *Supervisor) publish() {
	snap := Snapshot{
		Phase:             s.phase,
		Connected:         s.phase == PhaseReady,
		ReconnectAttempts: s.attempts,
		Epoch:             s.epoch,
		LastCloseReason:   s.lastReason,
	}
	if s.phase == PhaseReady && s.identity != nil {
		snap.User = userOf(*s.identity)
	}
	if s.challenge != nil {
		c := *s.challenge
		snap.Challenge = &c
	}
	if s.retry != nil && !s.retryAt.IsZero() {
		at := s.retryAt
		snap.RetryAt = &at
	}

	s.viewMu.Lock()
	s.snap = snap
	s.cur = s.tr
	s.viewMu.Unlock()

	phases := make([]string, len(Phases))
	for i, p := range Phases {
		phases[i] = string(p)
	}
	metrics.SetPhase(string(s.phase), phases...)
}

// current returns the phase and transport SendMessage should use.
func (s *Supervisor) current() (Phase, transport.Transport) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.snap.Phase, s.cur
}

func (s *Supervisor) cancelTimers() {
	s.stopExpiry()
	stopTimer(&s.retry)
	s.retryAt = time.Time{}
}

// stopExpiry also invalidates an expiry callback that already fired but has
// not run on the loop yet.
func (s *Supervisor) stopExpiry() {
	s.expirySeq++
	stopTimer(&s.expiry)
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Supervisor) closeNow(tr transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := guard(func() error { return tr.Close(ctx) }); err != nil {
		s.log.Warn("transport close failed", logx.Err(err))
	}
}

func (s *Supervisor) closeAsync(tr transport.Transport) {
	s.workers.Go0("session.close", func(context.Context) { s.closeNow(tr) })
}

func released(c <-chan struct{}) bool {
	if c == nil {
		return true
	}
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// leased closes free after the wrapped transport is closed.
type leased struct {
	transport.Transport
	once sync.Once
	free chan struct{}
}

func (l *leased) Close(ctx context.Context) error {
	defer l.once.Do(func() { close(l.free) })
	return l.Transport.Close(ctx)
}

// guard converts a panic inside a transport or store call into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// attemptSink holds events a transport emits before its Dial returned, so
// the loop always sees the open result first.
type attemptSink struct {
	s     *Supervisor
	epoch uint64

	mu    sync.Mutex
	ready bool
	buf   []transport.Event
}

func (a *attemptSink) emit(e transport.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		a.buf = append(a.buf, e)
		return
	}
	a.post(e)
}

func (a *attemptSink) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.buf {
		a.post(e)
	}
	a.buf = nil
	a.ready = true
}

func (a *attemptSink) post(e transport.Event) {
	ep := a.epoch
	a.s.mb.post(func() { a.s.onEvent(ep, e) })
}
