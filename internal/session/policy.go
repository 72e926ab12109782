package session

import (
	"time"

	"chatbridge/internal/transport"
)

// Policy parameterizes reconnection. Zero fields take the defaults.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, Base: time.Second, Cap: 30 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	return p
}

type Action int

const (
	// ActionFresh starts a new session right away (remote logout).
	ActionFresh Action = iota
	// ActionRetry reconnects with the same material after Delay.
	ActionRetry
	// ActionGiveUpFresh wipes material after too many failed retries.
	ActionGiveUpFresh
)

func (a Action) String() string {
	switch a {
	case ActionFresh:
		return "fresh"
	case ActionRetry:
		return "retry"
	case ActionGiveUpFresh:
		return "give_up_fresh"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action   Action
	Delay    time.Duration
	Attempts int // counter value after the decision
}

// Decide maps a close reason and the current attempt count to the next step.
// Retry delays are min(Base*2^(attempts+1), Cap): 2s, 4s, 8s, 16s, 30s with
// the defaults.
func Decide(reason transport.CloseReason, attempts int, p Policy) Decision {
	p = p.withDefaults()
	if reason.Authoritative() {
		return Decision{Action: ActionFresh}
	}
	if attempts < p.MaxRetries {
		attempts++
		return Decision{Action: ActionRetry, Delay: backoff(attempts, p), Attempts: attempts}
	}
	return Decision{Action: ActionGiveUpFresh}
}

func backoff(n int, p Policy) time.Duration {
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	return min(d, p.Cap)
}
