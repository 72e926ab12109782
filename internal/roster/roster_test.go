package roster

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"chatbridge/internal/session"
	"chatbridge/internal/storage"
	logx "chatbridge/pkg/logx"
)

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, WithClock(func() time.Time { return now }), WithLocation(time.UTC))
}

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestNextBirthday(t *testing.T) {
	t.Parallel()
	cases := []struct {
		dob, today, want string
	}{
		{"1990-06-15", "2026-06-01", "2026-06-15"},
		{"1990-06-15", "2026-06-15", "2026-06-15"},
		{"1990-06-15", "2026-06-16", "2027-06-15"},
		{"1990-01-01", "2026-12-31", "2027-01-01"},
		{"2000-02-29", "2026-02-01", "2026-03-01"},
	}
	for _, c := range cases {
		got := NextBirthday(mustDate(t, c.dob), mustDate(t, c.today))
		if got.String() != c.want {
			t.Fatalf("NextBirthday(%s, %s)=%s want %s", c.dob, c.today, got, c.want)
		}
	}
}

func TestDateJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		D Date `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"d":"1995-04-03T10:00:00Z"}`), &v); err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(v)
	if string(b) != `{"d":"1995-04-03"}` {
		t.Fatalf("got %s", b)
	}
	if err := json.Unmarshal([]byte(`{"d":"03/04/1995"}`), &v); err == nil {
		t.Fatal("expected error for bad layout")
	}
}

func TestEmployeeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))

	if _, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: "  "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing name: want ErrInvalid, got %v", err)
	}
	if _, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: "Ann"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing dob: want ErrInvalid, got %v", err)
	}

	ann, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: " Ann ", PhoneNumber: "111", DateOfBirth: mustDate(t, "1990-06-03")})
	if err != nil {
		t.Fatal(err)
	}
	if ann.FirstName != "Ann" || !ann.IsActive || ann.ID == "" {
		t.Fatalf("ann=%+v", ann)
	}
	if _, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: "Bob", PhoneNumber: "111", DateOfBirth: mustDate(t, "1991-01-01")}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("duplicate phone: want ErrInvalid, got %v", err)
	}

	name := "Anna"
	up, err := s.UpdateEmployee(ctx, ann.ID, EmployeePatch{FirstName: &name})
	if err != nil || up.FirstName != "Anna" || up.PhoneNumber != "111" {
		t.Fatalf("update: %+v %v", up, err)
	}

	if _, err := s.DeleteEmployee(ctx, ann.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEmployee(ctx, ann.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted: want ErrNotFound, got %v", err)
	}
	if _, err := s.DeleteEmployee(ctx, ann.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete twice: want ErrNotFound, got %v", err)
	}
	list, _ := s.ListEmployees(ctx)
	if len(list) != 0 {
		t.Fatalf("deleted employee listed: %+v", list)
	}

	// The phone number is free again once its owner is deleted.
	if _, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: "Bob", PhoneNumber: "111", DateOfBirth: mustDate(t, "1991-01-01")}); err != nil {
		t.Fatalf("reuse phone: %v", err)
	}
}

func TestUpcomingBirthdays(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, time.Date(2026, 6, 1, 18, 30, 0, 0, time.UTC))

	inactive := false
	mk := func(name, dob string, active *bool) {
		if _, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: name, DateOfBirth: mustDate(t, dob), IsActive: active}); err != nil {
			t.Fatal(err)
		}
	}
	mk("far", "1980-06-08", nil)   // 7 days
	mk("today", "1985-06-01", nil) // 0 days
	mk("soon", "1990-06-03", nil)  // 2 days
	mk("out", "1990-06-09", nil)   // 8 days
	mk("past", "1990-05-31", nil)  // next year
	mk("idle", "1990-06-02", &inactive)

	got, err := s.UpcomingBirthdays(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, u := range got {
		names = append(names, u.FirstName)
	}
	if strings.Join(names, ",") != "today,soon,far" {
		t.Fatalf("names=%v", names)
	}
	if got[0].DaysLeft != 0 || got[1].DaysLeft != 2 || got[2].DaysLeft != 7 {
		t.Fatalf("days=%d,%d,%d", got[0].DaysLeft, got[1].DaysLeft, got[2].DaysLeft)
	}

	b, _ := json.Marshal(got[1])
	if !strings.Contains(string(b), `"diffInDays":2`) || !strings.Contains(string(b), `"firstName":"soon"`) {
		t.Fatalf("json=%s", b)
	}

	if _, err := s.UpcomingBirthdays(ctx, -1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("negative days: %v", err)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC))

	e, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: "Ann", LastName: "Lee", DateOfBirth: mustDate(t, "1990-06-03")})
	if err != nil {
		t.Fatal(err)
	}

	sc, err := s.CreateSchedule(ctx, e.ID, ScheduleInput{})
	if err != nil {
		t.Fatal(err)
	}
	if sc.ScheduledDate.String() != "2027-06-03" {
		t.Fatalf("date=%s", sc.ScheduledDate)
	}
	if sc.Message != DefaultBirthdayMessage("Ann") || sc.Status != SchedulePending {
		t.Fatalf("schedule=%+v", sc)
	}
	if sc.Employee == nil || sc.Employee.LastName != "Lee" {
		t.Fatalf("employee not populated: %+v", sc.Employee)
	}
	if _, err := s.CreateSchedule(ctx, e.ID, ScheduleInput{Message: "again"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate: want ErrConflict, got %v", err)
	}
	if _, err := s.CreateSchedule(ctx, "nope", ScheduleInput{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown employee: want ErrNotFound, got %v", err)
	}

	e, _ = s.GetEmployee(ctx, e.ID)
	if !e.IsMessageScheduled {
		t.Fatal("employee not flagged")
	}

	msg := "Cheers!"
	up, err := s.UpdateSchedule(ctx, sc.ID, SchedulePatch{Message: &msg})
	if err != nil || up.Message != "Cheers!" || up.Employee == nil {
		t.Fatalf("update: %+v %v", up, err)
	}
	bad := ScheduleStatus("lost")
	if _, err := s.UpdateSchedule(ctx, sc.ID, SchedulePatch{Status: &bad}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := s.UpdateSchedule(ctx, "nope", SchedulePatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}

	if err := s.MarkFailed(ctx, sc.ID, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	failed, _ := s.ListSchedules(ctx, ScheduleFailed)
	if len(failed) != 1 || failed[0].Error != "boom" {
		t.Fatalf("failed=%+v", failed)
	}
	pending, _ := s.ListSchedules(ctx, SchedulePending)
	if len(pending) != 0 {
		t.Fatalf("pending=%+v", pending)
	}
	if _, err := s.ListSchedules(ctx, "weird"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad filter: %v", err)
	}

	if _, err := s.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeleteSchedule(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete twice: %v", err)
	}
}

func TestDueSchedules(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	var ids []string
	for _, dob := range []string{"1990-03-01", "1990-03-05", "1990-03-02"} {
		e, err := s.CreateEmployee(ctx, EmployeeInput{FirstName: "E" + dob, DateOfBirth: mustDate(t, dob)})
		if err != nil {
			t.Fatal(err)
		}
		sc, err := s.CreateSchedule(ctx, e.ID, ScheduleInput{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sc.ID)
	}
	if err := s.MarkSent(ctx, ids[0], time.Now()); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueSchedules(ctx, mustDate(t, "2026-03-02"))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != ids[2] {
		t.Fatalf("due=%+v", due)
	}
	due, _ = s.DueSchedules(ctx, mustDate(t, "2026-03-09"))
	if len(due) != 2 || due[0].ID != ids[2] || due[1].ID != ids[1] {
		t.Fatalf("due later=%+v", due)
	}
}

func TestRecordDelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestService(t, now)

	var log session.DeliveryLog = s
	if err := log.RecordDelivery(ctx, session.Delivery{Destination: "Team", Message: "hi", Status: session.DeliverySent, SentAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := log.RecordDelivery(ctx, session.Delivery{Destination: "Team", Message: "x", Status: session.DeliveryFailed, Error: "nope"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordScheduled(ctx, "Team", "later", "", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	logs, err := s.MessageLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("len=%d", len(logs))
	}
	if logs[0].Status != LogSent || logs[1].Status != LogFailed || logs[1].Error != "nope" || logs[2].Status != LogScheduled {
		t.Fatalf("logs=%+v", logs)
	}
	if !logs[1].SentAt.Equal(now) {
		t.Fatalf("zero SentAt not defaulted: %v", logs[1].SentAt)
	}
}
