package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"chatbridge/internal/task/engine"
	logx "chatbridge/pkg/logx"
)

// AddCron registers a cron schedule that skips a trigger while the previous
// run is still queued or running.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddCronOpt registers (or replaces, by name) a cron schedule.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name, err := checkJob(name, job)
	if err != nil {
		return "", err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so hot reloads do not duplicate entries.
	_ = s.removeScheduleLocked(name)
	s.removeOnce(name)
	d := scheduleDef{
		id:      fmt.Sprintf("cron:%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered when Start runs.
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// AddDaily runs job every day at HH:MM in the scheduler's timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := ParseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// AddOnce runs job once at at. A past time fires immediately. Registering
// the same name again replaces the pending trigger.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	name, err := checkJob(name, job)
	if err != nil {
		return "", err
	}
	if at.IsZero() {
		return "", errors.New("scheduler: fire time is required")
	}

	s.mu.Lock()
	_ = s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.onceSeq++
	d := &onceDef{at: at, timeout: timeout, job: job, ver: s.onceSeq}
	s.once[name] = d
	if s.running {
		s.armLocked(name, d)
	}
	s.log.Debug("one-shot registered", logx.String("name", name), logx.Time("at", at))
	return name, nil
}

// armLocked starts d's timer. Call with s.tmu held.
func (s *Service) armLocked(name string, d *onceDef) {
	ver := d.ver
	d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() { s.fireOnce(name, ver) })
}

func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	d, ok := s.once[name]
	if !ok || d.ver != ver {
		// Removed or replaced.
		s.tmu.Unlock()
		return
	}
	delete(s.once, name)
	s.tmu.Unlock()

	s.fire(engine.Task{Name: name, Timeout: d.timeout, Run: d.job, State: &engine.RunState{}})
}

// Once reports when a pending one-shot named name will fire.
func (s *Service) Once(name string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[strings.TrimSpace(name)]
	if !ok {
		return time.Time{}, false
	}
	return d.at, true
}

// Remove unschedules everything registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if s.removeOnce(name) {
		removed = true
	}
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked drops cron defs named name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	before := len(s.defs)
	s.defs = slices.DeleteFunc(s.defs, func(d scheduleDef) bool {
		if d.name != name {
			return false
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		return true
	})
	return len(s.defs) != before
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.fire(engine.Task{Name: def.name, Timeout: def.timeout, Run: def.job, Opt: def.opt, State: def.state})
	})
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// previewNextRunsLocked lists the next n fire times for the debug log.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	var runs []string
	for t := time.Now().In(orLocal(s.loc)); len(runs) < n; {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		runs = append(runs, t.Format(time.DateTime))
	}
	return strings.Join(runs, ", ")
}

// ParseHHMM reads a 24-hour "HH:MM" wall-clock time.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if hour, err = clockField(hh, 23); err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute, err = clockField(mm, 59); err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func clockField(v string, limit int) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > limit {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func checkJob(name string, job Job) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("scheduler: name is required")
	case job == nil:
		return "", errors.New("scheduler: job is required")
	}
	return name, nil
}

// fire hands a triggered job to the engine. An overlap skip is routine; other
// refusals are warned about at most once per schedule every few seconds.
func (s *Service) fire(t engine.Task) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(t)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("schedule trigger skipped", logx.String("schedule", t.Name), logx.Err(err))
	default:
		s.enqueueWarner(t.Name).Do(func() {
			s.log.Warn("schedule could not enqueue its job", logx.String("schedule", t.Name), logx.Err(err))
		})
	}
}

func (s *Service) enqueueWarner(name string) *rate.Sometimes {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	w, ok := s.warns[name]
	if !ok {
		w = &rate.Sometimes{Interval: 5 * time.Second}
		s.warns[name] = w
	}
	return w
}
