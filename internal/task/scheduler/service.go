package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "chatbridge/pkg/logx"
)

// specParser accepts five-field specs, six-field specs with seconds, and
// descriptors such as @daily.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		parser: specParser,
		once:   map[string]*onceDef{},
		warns:  map[string]*rate.Sometimes{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the zone daily schedules fire in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		s.loc = s.zoneLocked()
	}
	return s.loc
}

// Apply installs cfg. While running, a new timezone rebuilds cron so every
// entry fires in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zoneChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if zoneChanged {
		s.loc = nil
	}
	if s.c != nil && zoneChanged {
		<-s.c.Stop().Done()
		s.bootLocked()
		s.log.Info("scheduler moved to new timezone", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
	}
}

// Start begins cron triggering and arms pending one-shots.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.bootLocked()

	s.tmu.Lock()
	s.running = true
	for name, d := range s.once {
		s.armLocked(name, d)
	}
	pending := len(s.once)
	s.tmu.Unlock()

	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("schedules", len(s.defs)),
		logx.Int("once", pending))
}

// bootLocked builds and starts a cron runner holding every registered spec.
func (s *Service) bootLocked() {
	s.loc = s.zoneLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Warn("schedule not re-registered", logx.String("schedule", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts cron and disarms one-shot timers. One-shots stay registered
// and are re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	began := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	s.running = false
	for _, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(began)))
}

func (s *Service) zoneLocked() *time.Location {
	loc, err := resolveZone(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, using local time", logx.String("tz", s.cfg.Timezone), logx.Err(err))
	}
	return loc
}

// resolveZone maps an IANA name to a location. Blank, or a name that does
// not load, yields time.Local.
func resolveZone(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}
