package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: not running")
	ErrStopping    = errors.New("engine: shutting down")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run still pending")
)

type permanent struct{ err error }

func (p permanent) Error() string { return "no-retry: " + p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// NoRetry ends the attempt loop; the wrapped error becomes the job's result.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

func IsNoRetry(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// RetryAfterError carries an explicit wait before the next attempt.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayed struct {
	err  error
	wait time.Duration
}

func (d delayed) Error() string             { return fmt.Sprintf("retry-after(%s): %v", d.wait, d.err) }
func (d delayed) Unwrap() error             { return d.err }
func (d delayed) RetryAfter() time.Duration { return d.wait }

// RetryAfter asks for the next attempt after wait, for example while the chat
// session reconnects. The wait is still capped by RetryMaxDelay and jittered.
func RetryAfter(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	return delayed{err: err, wait: max(wait, 0)}
}

// backoff is owned by one worker.
type backoff struct{ rng *rand.Rand }

func newBackoff(seed int64) *backoff { return &backoff{rng: rand.New(rand.NewSource(seed))} }

// next returns the wait before retry number n (1-based) after err.
func (b *backoff) next(opt TaskOptions, n int, err error) time.Duration {
	var d time.Duration
	var hinted RetryAfterError
	if errors.As(err, &hinted) {
		d = hinted.RetryAfter()
	} else {
		d = opt.RetryBase
		for i := 1; i < n && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = clampDelay(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && d > 0 {
		spread := (b.rng.Float64()*2 - 1) * opt.RetryJitter
		d = clampDelay(time.Duration(float64(d)*(1+spread)), opt.RetryMaxDelay)
	}
	return d
}

func clampDelay(d, ceiling time.Duration) time.Duration { return min(max(d, 0), ceiling) }
