package dispatch

import (
	"context"
	"errors"
	"fmt"

	"chatbridge/internal/metrics"
	"chatbridge/internal/session"
	"chatbridge/internal/task/engine"
	logx "chatbridge/pkg/logx"
)

// Sweep sends every pending birthday schedule due today (or overdue) to the
// sweep destination, one at a time, paced by the rate limiter.
//
// A disconnected session fails the sweep with a retry hint and leaves the
// remaining schedules pending. Other send errors mark that schedule failed
// and the sweep moves on.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	day := s.records.Today()
	res := SweepResult{Day: day.String()}
	if cfg.SweepDestination == "" {
		return res, engine.NoRetry(fmt.Errorf("%w: sweep destination not configured", ErrInvalidRequest))
	}
	if !s.sender.Ready() {
		return res, engine.RetryAfter(session.ErrNotConnected, cfg.RetryWait)
	}

	due, err := s.records.DueSchedules(ctx, day)
	if err != nil {
		return res, fmt.Errorf("load due schedules: %w", err)
	}
	res.Due = len(due)
	log := s.log.With(logx.String("day", res.Day), logx.String("destination", cfg.SweepDestination))
	log.Info("birthday sweep started", logx.Int("due", res.Due))

	for i, sc := range due {
		if err := lim.Wait(ctx); err != nil {
			res.Skipped = len(due) - i
			return res, err
		}
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendMessage(sendCtx, cfg.SweepDestination, session.Message{Text: sc.Message, ImageURL: sc.ImageURL})
		cancel()

		if errors.Is(err, session.ErrNotConnected) {
			res.Skipped = len(due) - i
			log.Warn("birthday sweep interrupted: session not connected", logx.Int("skipped", res.Skipped))
			return res, engine.RetryAfter(err, cfg.RetryWait)
		}
		if err != nil {
			res.Failed++
			metrics.SweepItems.WithLabelValues("failed").Inc()
			log.Warn("birthday message failed", logx.String("schedule", sc.ID), logx.Err(err))
			if merr := s.records.MarkFailed(ctx, sc.ID, err); merr != nil {
				log.Warn("mark schedule failed", logx.String("schedule", sc.ID), logx.Err(merr))
			}
			continue
		}
		res.Sent++
		metrics.SweepItems.WithLabelValues("sent").Inc()
		if merr := s.records.MarkSent(ctx, sc.ID, s.now()); merr != nil {
			log.Warn("mark schedule sent", logx.String("schedule", sc.ID), logx.Err(merr))
		}
	}

	log.Info("birthday sweep finished", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	return res, nil
}
