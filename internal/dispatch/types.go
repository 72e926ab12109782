package dispatch

import (
	"context"
	"time"

	"chatbridge/internal/roster"
	"chatbridge/internal/session"
	"chatbridge/internal/task/scheduler"
)

// Config controls deferred sends and the daily birthday sweep.
type Config struct {
	// SweepAt is the daily "HH:MM" the sweep runs at. Empty disables it.
	SweepAt string
	// SweepDestination receives birthday messages.
	SweepDestination string
	// SweepRatePerSec paces sweep sends. 0 means 0.5/s.
	SweepRatePerSec float64
	// SendTimeout bounds one send attempt. 0 means 90s.
	SendTimeout time.Duration
	// RetryWait is the hint given to the engine when the session is not
	// connected. 0 means 30s.
	RetryWait time.Duration
	// MaxDelay bounds how far ahead a send may be scheduled. 0 means 7 days.
	MaxDelay time.Duration
}

// Sender delivers messages through the chat session.
type Sender interface {
	SendMessage(ctx context.Context, destination string, msg session.Message) (session.Receipt, error)
	Ready() bool
}

// Triggers registers scheduler entries.
type Triggers interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error)
	AddDaily(name string, atHHMM string, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// Records is the roster surface the jobs use.
type Records interface {
	Today() roster.Date
	DueSchedules(ctx context.Context, day roster.Date) ([]roster.Schedule, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, cause error) error
	RecordScheduled(ctx context.Context, destination, message, imageURL string, runAt time.Time) error
}

// Request is a deferred send.
type Request struct {
	Destination string
	Message     string
	ImageURL    string
	Delay       time.Duration
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobSent      JobState = "sent"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is the status of one deferred send.
type Job struct {
	ID          string     `json:"id"`
	Destination string     `json:"destination"`
	Message     string     `json:"message"`
	ImageURL    string     `json:"imageUrl,omitempty"`
	RunAt       time.Time  `json:"runAt"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	DoneAt      *time.Time `json:"doneAt,omitempty"`
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Day     string `json:"day"`
	Due     int    `json:"due"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}
