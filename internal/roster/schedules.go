package roster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "chatbridge/pkg/logx"
)

// DefaultBirthdayMessage is used when a schedule is created without text.
func DefaultBirthdayMessage(firstName string) string {
	return fmt.Sprintf("Happy Birthday %s 🎉! Wishing you a wonderful year ahead!", firstName)
}

// CreateSchedule schedules a birthday message for the employee's next
// birthday. A second schedule for the same employee and day is rejected
// with ErrConflict.
func (s *Service) CreateSchedule(ctx context.Context, employeeID string, in ScheduleInput) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.GetEmployee(ctx, employeeID)
	if err != nil {
		return Schedule{}, err
	}
	day := NextBirthday(e.DateOfBirth, s.Today())

	all, err := s.schedules.List(ctx)
	if err != nil {
		return Schedule{}, err
	}
	for _, o := range all {
		if o.EmployeeID == e.ID && o.ScheduledDate == day {
			return Schedule{}, fmt.Errorf("%w: birthday schedule already exists for %s", ErrConflict, day)
		}
	}

	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		msg = DefaultBirthdayMessage(e.FirstName)
	}
	now := s.now()
	sc := Schedule{
		ID:            newID(),
		EmployeeID:    e.ID,
		Message:       msg,
		ImageURL:      strings.TrimSpace(in.ImageURL),
		ScheduledDate: day,
		Status:        SchedulePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.schedules.Insert(ctx, sc.ID, sc); err != nil {
		return Schedule{}, err
	}

	if !e.IsMessageScheduled {
		e.IsMessageScheduled = true
		e.UpdatedAt = now
		if err := s.employees.Update(ctx, e.ID, e); err != nil {
			s.log.Warn("flag employee scheduled failed", logx.String("employee", e.ID), logx.Err(err))
		}
	}
	s.log.Info("birthday scheduled",
		logx.String("id", sc.ID),
		logx.String("employee", e.ID),
		logx.String("date", day.String()),
	)
	sc.Employee = summarize(e)
	return sc, nil
}

func summarize(e Employee) *EmployeeSummary {
	return &EmployeeSummary{
		FirstName:   e.FirstName,
		LastName:    e.LastName,
		EmpID:       e.EmpID,
		PhoneNumber: e.PhoneNumber,
		Designation: e.Designation,
	}
}

// populate attaches the employee summary. Deleted employees still show.
func (s *Service) populate(ctx context.Context, sc *Schedule) {
	e, err := s.employees.Get(ctx, sc.EmployeeID)
	if err != nil {
		return
	}
	sc.Employee = summarize(e)
}

func (s *Service) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	sc, err := s.schedules.Get(ctx, id)
	if err != nil {
		return Schedule{}, notFound(err, "birthday schedule")
	}
	s.populate(ctx, &sc)
	return sc, nil
}

// ListSchedules returns schedules ordered by date. An empty status lists all.
func (s *Service) ListSchedules(ctx context.Context, status ScheduleStatus) ([]Schedule, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("unknown status %q", status)
	}
	all, err := s.schedules.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(all))
	for _, sc := range all {
		if status != "" && sc.Status != status {
			continue
		}
		s.populate(ctx, &sc)
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledDate.Before(out[j].ScheduledDate) })
	return out, nil
}

func (s *Service) UpdateSchedule(ctx context.Context, id string, p SchedulePatch) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.schedules.Get(ctx, id)
	if err != nil {
		return Schedule{}, notFound(err, "birthday schedule")
	}
	if p.Message != nil {
		m := strings.TrimSpace(*p.Message)
		if m == "" {
			return Schedule{}, invalid("message must not be empty")
		}
		sc.Message = m
	}
	if p.ImageURL != nil {
		sc.ImageURL = strings.TrimSpace(*p.ImageURL)
	}
	if p.ScheduledDate != nil {
		if p.ScheduledDate.IsZero() {
			return Schedule{}, invalid("scheduledDate must not be empty")
		}
		sc.ScheduledDate = *p.ScheduledDate
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return Schedule{}, invalid("unknown status %q", *p.Status)
		}
		sc.Status = *p.Status
		if sc.Status == SchedulePending {
			sc.SentAt = nil
			sc.Error = ""
		}
	}
	sc.UpdatedAt = s.now()
	sc.Employee = nil
	if err := s.schedules.Update(ctx, sc.ID, sc); err != nil {
		return Schedule{}, notFound(err, "birthday schedule")
	}
	s.populate(ctx, &sc)
	return sc, nil
}

func (s *Service) DeleteSchedule(ctx context.Context, id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.schedules.Get(ctx, id)
	if err != nil {
		return Schedule{}, notFound(err, "birthday schedule")
	}
	if err := s.schedules.Delete(ctx, id); err != nil {
		return Schedule{}, notFound(err, "birthday schedule")
	}
	return sc, nil
}

// DueSchedules returns pending schedules dated on or before day, oldest
// first. Overdue entries are included so a missed sweep catches up.
func (s *Service) DueSchedules(ctx context.Context, day Date) ([]Schedule, error) {
	pending, err := s.ListSchedules(ctx, SchedulePending)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, sc := range pending {
		if !sc.ScheduledDate.After(day) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// MarkSent records a successful delivery.
func (s *Service) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.mark(ctx, id, ScheduleSent, &at, "")
}

// MarkFailed records a failed delivery with its error text.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.mark(ctx, id, ScheduleFailed, nil, msg)
}

func (s *Service) mark(ctx context.Context, id string, st ScheduleStatus, at *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.schedules.Get(ctx, id)
	if err != nil {
		return notFound(err, "birthday schedule")
	}
	sc.Status = st
	sc.SentAt = at
	sc.Error = errMsg
	sc.UpdatedAt = s.now()
	sc.Employee = nil
	if err := s.schedules.Update(ctx, id, sc); err != nil {
		return notFound(err, "birthday schedule")
	}
	return nil
}
