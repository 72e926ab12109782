// Package dispatch turns scheduler triggers into chat sends: one-shot
// deferred messages and the daily birthday sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatbridge/internal/session"
	"chatbridge/internal/task/engine"
	logx "chatbridge/pkg/logx"
)

const (
	sweepName  = "birthday.sweep"
	sendPrefix = "send:"

	// Finished jobs are kept this long for status queries.
	jobRetention = 24 * time.Hour
)

var ErrInvalidRequest = errors.New("invalid request")

type Service struct {
	log      logx.Logger
	sender   Sender
	triggers Triggers
	records  Records
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	jobsMu sync.RWMutex
	jobs   map[string]*Job
}

func withDefaults(cfg Config) Config {
	if cfg.SweepRatePerSec <= 0 {
		cfg.SweepRatePerSec = 0.5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 90 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 7 * 24 * time.Hour
	}
	cfg.SweepAt = strings.TrimSpace(cfg.SweepAt)
	cfg.SweepDestination = strings.TrimSpace(cfg.SweepDestination)
	return cfg
}

func New(cfg Config, sender Sender, triggers Triggers, records Records, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Service{
		log:      log,
		sender:   sender,
		triggers: triggers,
		records:  records,
		now:      time.Now,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SweepRatePerSec), 1),
		jobs:     map[string]*Job{},
	}
}

// Start registers the daily sweep.
func (s *Service) Start() error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.registerSweep(cfg)
}

// Apply swaps the config and re-registers the sweep.
func (s *Service) Apply(cfg Config) error {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.SweepRatePerSec))
	s.mu.Unlock()
	return s.registerSweep(cfg)
}

func (s *Service) registerSweep(cfg Config) error {
	if cfg.SweepAt == "" || cfg.SweepDestination == "" {
		if s.triggers.Remove(sweepName) {
			s.log.Info("birthday sweep disabled")
		}
		return nil
	}
	if _, err := s.triggers.AddDaily(sweepName, cfg.SweepAt, 0, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register birthday sweep: %w", err)
	}
	s.log.Info("birthday sweep registered",
		logx.String("at", cfg.SweepAt),
		logx.String("destination", cfg.SweepDestination),
	)
	return nil
}

// Schedule queues req for delivery after req.Delay.
func (s *Service) Schedule(ctx context.Context, req Request) (Job, error) {
	req.Destination = strings.TrimSpace(req.Destination)
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	switch {
	case req.Destination == "":
		return Job{}, fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Message) == "" && req.ImageURL == "":
		return Job{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	case req.Delay < 0:
		return Job{}, fmt.Errorf("%w: delay must not be negative", ErrInvalidRequest)
	case req.Delay > cfg.MaxDelay:
		return Job{}, fmt.Errorf("%w: delay exceeds %s", ErrInvalidRequest, cfg.MaxDelay)
	}

	now := s.now()
	s.pruneJobs(now)
	job := &Job{
		ID:          uuid.NewString(),
		Destination: req.Destination,
		Message:     req.Message,
		ImageURL:    req.ImageURL,
		RunAt:       now.Add(req.Delay),
		State:       JobPending,
	}
	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()

	if _, err := s.triggers.AddOnce(sendPrefix+job.ID, job.RunAt, cfg.SendTimeout, s.sendJob(job.ID)); err != nil {
		s.jobsMu.Lock()
		delete(s.jobs, job.ID)
		s.jobsMu.Unlock()
		return Job{}, err
	}
	if err := s.records.RecordScheduled(ctx, job.Destination, job.Message, job.ImageURL, job.RunAt); err != nil {
		s.log.Warn("record scheduled message failed", logx.String("job", job.ID), logx.Err(err))
	}
	s.log.Info("message scheduled",
		logx.String("job", job.ID),
		logx.String("destination", job.Destination),
		logx.Time("run_at", job.RunAt),
	)
	return s.snapshotJob(job.ID), nil
}

// sendJob returns the engine job for a deferred send. Missing session and
// transient failures are retried; bad input is not.
func (s *Service) sendJob(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s.jobsMu.Lock()
		j, ok := s.jobs[id]
		if !ok || j.State != JobPending {
			s.jobsMu.Unlock()
			return nil
		}
		j.Attempts++
		dest, msg := j.Destination, session.Message{Text: j.Message, ImageURL: j.ImageURL}
		s.jobsMu.Unlock()

		_, err := s.sender.SendMessage(ctx, dest, msg)
		if err == nil {
			s.finishJob(id, JobSent, nil)
			return nil
		}
		classified := s.classify(err)
		// Retryable errors leave the job pending; OnTaskEvent fails it once
		// the engine gives up.
		if engine.IsNoRetry(classified) {
			s.finishJob(id, JobFailed, err)
		} else {
			s.noteError(id, err)
		}
		return classified
	}
}

func (s *Service) classify(err error) error {
	s.mu.Lock()
	wait := s.cfg.RetryWait
	s.mu.Unlock()
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return engine.RetryAfter(err, wait)
	case errors.Is(err, session.ErrDestinationNotFound),
		errors.Is(err, session.ErrInvalidAttachment):
		return engine.NoRetry(err)
	default:
		return err
	}
}

// OnTaskEvent finalizes deferred sends whose retries ran out. Wire it to the
// task engine's event hook.
func (s *Service) OnTaskEvent(ev engine.TaskEvent) {
	if ev.Type != engine.EventFailed && ev.Type != engine.EventDropped {
		return
	}
	id, ok := strings.CutPrefix(ev.Name, sendPrefix)
	if !ok {
		return
	}
	s.finishJob(id, JobFailed, errors.New(ev.Error))
}

func (s *Service) noteError(id string, err error) {
	s.jobsMu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.Error = err.Error()
	}
	s.jobsMu.Unlock()
}

func (s *Service) finishJob(id string, st JobState, err error) {
	now := s.now()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != JobPending {
		return
	}
	j.State = st
	j.DoneAt = &now
	if err != nil {
		j.Error = err.Error()
	} else {
		j.Error = ""
	}
}

// Cancel drops a pending deferred send.
func (s *Service) Cancel(id string) bool {
	s.jobsMu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.State != JobPending {
		s.jobsMu.Unlock()
		return false
	}
	now := s.now()
	j.State = JobCancelled
	j.DoneAt = &now
	s.jobsMu.Unlock()
	s.triggers.Remove(sendPrefix + id)
	return true
}

func (s *Service) Job(id string) (Job, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs lists known deferred sends by run time.
func (s *Service) Jobs() []Job {
	s.jobsMu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.jobsMu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out
}

func (s *Service) snapshotJob(id string) Job {
	j, _ := s.Job(id)
	return j
}

func (s *Service) pruneJobs(now time.Time) {
	s.jobsMu.Lock()
	for id, j := range s.jobs {
		if j.DoneAt != nil && now.Sub(*j.DoneAt) > jobRetention {
			delete(s.jobs, id)
		}
	}
	s.jobsMu.Unlock()
}
