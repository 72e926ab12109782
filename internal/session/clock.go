package session

import "time"

// Timer is the part of *time.Timer the supervisor needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so timer-driven transitions can be tested.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
