package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"chatbridge/internal/metrics"
	logx "chatbridge/pkg/logx"
)

// slowJob promotes completion logs from debug to info.
const slowJob = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool, b *backoff) {
	for {
		// Stop beats a non-empty queue.
		if ctx.Err() != nil || p.quitting() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case qt := <-p.queue:
			metrics.TaskQueueDepth.Set(float64(len(p.queue)))
			s.inFlight.Add(1)
			s.execute(ctx, p, qt, b)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, p *pool, qt queuedTask, b *backoff) {
	started := time.Now()
	waited := max(started.Sub(qt.at), 0)

	s.mu.Lock()
	stale := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if stale > 0 && waited > stale {
		qt.gate.release()
		s.dropStale(qt, started, waited)
		return
	}
	defer qt.gate.release()

	ev := TaskEvent{Type: EventStarted, ID: qt.ID, Name: qt.Name, Started: started, QueueDelay: waited}
	s.log.Debug("task started", logx.String("task", qt.Name), logx.Duration("queue_delay", waited))
	s.emit(ev)

	var err error
	ev.Attempts, err = s.attempt(ctx, p, qt, b)
	ev.Duration = time.Since(started)

	fields := []logx.Field{
		logx.String("task", qt.Name),
		logx.Duration("dur", ev.Duration),
		logx.Int("attempts", ev.Attempts),
	}
	if err != nil {
		ev.Type, ev.Error = EventFailed, err.Error()
		metrics.TaskRuns.WithLabelValues(qt.Name, "failed").Inc()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
	} else {
		ev.Type = EventFinished
		metrics.TaskRuns.WithLabelValues(qt.Name, "ok").Inc()
		if ev.Duration >= slowJob {
			s.log.Info("task completed", fields...)
		} else {
			s.log.Debug("task completed", fields...)
		}
	}
	s.emit(ev)
	s.hist.push(ev.historyItem(), s.historySize())
}

// attempt runs qt until it succeeds, returns a NoRetry error, or runs out of
// attempts. A NoRetry wrapper is peeled off the returned error.
func (s *Service) attempt(ctx context.Context, p *pool, qt queuedTask, b *backoff) (int, error) {
	limit := qt.opt.attempts()
	for n := 1; ; n++ {
		err := s.once(ctx, qt)
		var stop permanent
		switch {
		case err == nil:
			return n, nil
		case errors.As(err, &stop):
			return n, stop.err
		case n == limit:
			return n, err
		}

		wait := b.next(qt.opt, n, err)
		s.log.Debug("task retry scheduled",
			logx.String("task", qt.Name),
			logx.Int("attempt", n+1),
			logx.Duration("delay", wait),
			logx.Err(err),
		)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-p.quit:
			t.Stop()
			return n, ErrStopping
		}
	}
}

// once runs a single attempt under the job timeout. A panic is returned as
// an error and the worker keeps going.
func (s *Service) once(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.Run(ctx)
}
