package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "chatbridge/pkg/logx"
)

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceiling  time.Duration
	limit           int // restarts after the first run; 0 is unlimited
	stopOnCleanExit bool
	publish         bool
}

// healthyRun resets the backoff window.
const healthyRun = 30 * time.Second

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(floor, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records restart causes as the supervisor error.
// Without it a restarting goroutine never sets Err.
func WithPublishFirstError(on bool) RestartOption { return func(p *restartPolicy) { p.publish = on } }

// WithStopOnCleanExit controls whether a nil return ends the loop. On by default.
func WithStopOnCleanExit(on bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = on }
}

// GoRestart keeps fn running until the context is canceled, sleeping a
// jittered, doubling backoff between failed runs.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceiling: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.floor)
	s.Go0(name+".restart", func(ctx context.Context) { s.restartLoop(ctx, name, fn, p) })
}

func (s *Supervisor) restartLoop(ctx context.Context, name string, fn func(ctx context.Context) error, p restartPolicy) {
	delay := p.floor
	for n := 1; ctx.Err() == nil; n++ {
		began := time.Now()
		err := s.guard(name, fn)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if err == nil {
			if p.stopOnCleanExit {
				return
			}
			err = errors.New("returned without error")
		}
		if p.publish {
			s.record(fmt.Errorf("%s: %w", name, err))
		}
		if p.limit > 0 && n > p.limit {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n-1), logx.Err(err))
			return
		}

		s.mu.Lock()
		s.restarts[name]++
		s.mu.Unlock()
		if time.Since(began) >= healthyRun {
			delay = p.floor
		}
		wait := delay + rand.N(delay/5+1)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		delay = min(delay*2, p.ceiling)
	}
}
