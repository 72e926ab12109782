package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/roster"
	"chatbridge/internal/session"
	"chatbridge/internal/storage"
	"chatbridge/internal/task/engine"
	"chatbridge/internal/task/scheduler"
	logx "chatbridge/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	ready bool
	errs  map[string]error // by message text
	sent  []string
}

func (f *fakeSender) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSender) SendMessage(ctx context.Context, dest string, msg session.Message) (session.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return session.Receipt{}, session.ErrNotConnected
	}
	if err := f.errs[msg.Text]; err != nil {
		return session.Receipt{}, err
	}
	f.sent = append(f.sent, dest+"|"+msg.Text)
	return session.Receipt{Destination: dest, Delivered: true}, nil
}

func (f *fakeSender) sentList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTriggers struct {
	mu    sync.Mutex
	once  map[string]scheduler.Job
	at    map[string]time.Time
	daily map[string]string
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{once: map[string]scheduler.Job{}, at: map[string]time.Time{}, daily: map[string]string{}}
}

func (f *fakeTriggers) AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once[name] = job
	f.at[name] = at
	return name, nil
}

func (f *fakeTriggers) AddDaily(name, at string, timeout time.Duration, job scheduler.Job) (string, error) {
	if _, _, err := scheduler.ParseHHMM(at); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily[name] = at
	return name, nil
}

func (f *fakeTriggers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.once[name]
	_, b := f.daily[name]
	delete(f.once, name)
	delete(f.daily, name)
	return a || b
}

func (f *fakeTriggers) job(name string) scheduler.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.once[name]
}

type fixture struct {
	svc      *Service
	sender   *fakeSender
	triggers *fakeTriggers
	roster   *roster.Service
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	now := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	r := roster.New(st, roster.WithClock(func() time.Time { return now }), roster.WithLocation(time.UTC))
	f := &fixture{sender: &fakeSender{ready: true, errs: map[string]error{}}, triggers: newFakeTriggers(), roster: r, now: now}
	if cfg.SweepRatePerSec == 0 {
		cfg.SweepRatePerSec = 1000
	}
	f.svc = New(cfg, f.sender, f.triggers, r, logx.Nop())
	f.svc.now = func() time.Time { return now }
	return f
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	cases := []Request{
		{Destination: "", Message: "x"},
		{Destination: "Team", Message: "  "},
		{Destination: "Team", Message: "x", Delay: -time.Second},
		{Destination: "Team", Message: "x", Delay: 8 * 24 * time.Hour},
	}
	for _, c := range cases {
		if _, err := f.svc.Schedule(ctx, c); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: want ErrInvalidRequest, got %v", c, err)
		}
	}
}

func TestScheduleAndSend(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.svc.Schedule(ctx, Request{Destination: "Team", Message: "hello", Delay: 5 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if job.State != JobPending || !job.RunAt.Equal(f.now.Add(5*time.Minute)) {
		t.Fatalf("job=%+v", job)
	}
	if !f.triggers.at[sendPrefix+job.ID].Equal(job.RunAt) {
		t.Fatal("trigger not registered at run time")
	}
	logs, _ := f.roster.MessageLogs(ctx)
	if len(logs) != 1 || logs[0].Status != roster.LogScheduled {
		t.Fatalf("logs=%+v", logs)
	}

	run := f.triggers.job(sendPrefix + job.ID)
	if err := run(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Job(job.ID)
	if got.State != JobSent || got.Attempts != 1 || got.DoneAt == nil {
		t.Fatalf("after run: %+v", got)
	}
	if s := f.sender.sentList(); len(s) != 1 || s[0] != "Team|hello" {
		t.Fatalf("sent=%v", s)
	}
	// A re-fired trigger does not send twice.
	_ = run(ctx)
	if n := len(f.sender.sentList()); n != 1 {
		t.Fatalf("sent %d times", n)
	}
}

func TestSendJobClassification(t *testing.T) {
	f := newFixture(t, Config{RetryWait: 7 * time.Second})
	ctx := context.Background()

	f.sender.ready = false
	job, _ := f.svc.Schedule(ctx, Request{Destination: "Team", Message: "later"})
	err := f.triggers.job(sendPrefix + job.ID)(ctx)
	var ra engine.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("not connected: want retry-after 7s, got %v", err)
	}
	if got, _ := f.svc.Job(job.ID); got.State != JobPending {
		t.Fatalf("state=%s", got.State)
	}
	f.svc.OnTaskEvent(engine.TaskEvent{Type: engine.EventFailed, Name: sendPrefix + job.ID, Error: "gave up"})
	if got, _ := f.svc.Job(job.ID); got.State != JobFailed || got.Error != "gave up" {
		t.Fatalf("after engine gave up: %+v", got)
	}

	f.sender.ready = true
	f.sender.errs["bad"] = session.ErrDestinationNotFound
	job, _ = f.svc.Schedule(ctx, Request{Destination: "Nope", Message: "bad"})
	err = f.triggers.job(sendPrefix + job.ID)(ctx)
	if !engine.IsNoRetry(err) || !errors.Is(err, session.ErrDestinationNotFound) {
		t.Fatalf("unknown destination: %v", err)
	}
	if got, _ := f.svc.Job(job.ID); got.State != JobFailed {
		t.Fatalf("state=%s", got.State)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Config{})
	job, _ := f.svc.Schedule(context.Background(), Request{Destination: "Team", Message: "x", Delay: time.Hour})
	if !f.svc.Cancel(job.ID) {
		t.Fatal("cancel failed")
	}
	if f.svc.Cancel(job.ID) {
		t.Fatal("cancelled twice")
	}
	if f.triggers.job(sendPrefix+job.ID) != nil {
		t.Fatal("trigger not removed")
	}
	if got, _ := f.svc.Job(job.ID); got.State != JobCancelled {
		t.Fatalf("state=%s", got.State)
	}
}

func TestStartRegistersSweep(t *testing.T) {
	f := newFixture(t, Config{SweepAt: "08:30", SweepDestination: "Office"})
	if err := f.svc.Start(); err != nil {
		t.Fatal(err)
	}
	if f.triggers.daily[sweepName] != "08:30" {
		t.Fatalf("daily=%v", f.triggers.daily)
	}
	if err := f.svc.Apply(Config{SweepAt: "bad", SweepDestination: "Office"}); err == nil {
		t.Fatal("bad sweep time accepted")
	}
	if err := f.svc.Apply(Config{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.triggers.daily[sweepName]; ok {
		t.Fatal("sweep not removed")
	}
}

func seedBirthdays(t *testing.T, f *fixture, names ...string) []roster.Schedule {
	t.Helper()
	ctx := context.Background()
	var out []roster.Schedule
	for _, n := range names {
		e, err := f.roster.CreateEmployee(ctx, roster.EmployeeInput{FirstName: n, DateOfBirth: roster.DateOf(f.now.AddDate(-30, 0, 0))})
		if err != nil {
			t.Fatal(err)
		}
		sc, err := f.roster.CreateSchedule(ctx, e.ID, roster.ScheduleInput{Message: "HB " + n})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, sc)
	}
	return out
}

func TestSweep(t *testing.T) {
	f := newFixture(t, Config{SweepDestination: "Office"})
	ctx := context.Background()
	seedBirthdays(t, f, "Ann", "Bob", "Cid")
	f.sender.errs["HB Bob"] = errors.New("upload failed")

	res, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Due != 3 || res.Sent != 2 || res.Failed != 1 || res.Day != "2026-04-10" {
		t.Fatalf("res=%+v", res)
	}
	sent, _ := f.roster.ListSchedules(ctx, roster.ScheduleSent)
	failed, _ := f.roster.ListSchedules(ctx, roster.ScheduleFailed)
	if len(sent) != 2 || len(failed) != 1 || failed[0].Error != "upload failed" {
		t.Fatalf("sent=%d failed=%+v", len(sent), failed)
	}
	if s := f.sender.sentList(); s[0] != "Office|HB Ann" || s[1] != "Office|HB Cid" {
		t.Fatalf("sent=%v", s)
	}

	// Nothing is due on a second run.
	res, _ = f.svc.Sweep(ctx)
	if res.Due != 0 {
		t.Fatalf("second sweep due=%d", res.Due)
	}
}

func TestSweepNotReady(t *testing.T) {
	f := newFixture(t, Config{SweepDestination: "Office", RetryWait: time.Minute})
	seedBirthdays(t, f, "Ann")
	f.sender.ready = false

	_, err := f.svc.Sweep(context.Background())
	var ra engine.RetryAfterError
	if !errors.As(err, &ra) || !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("want retryable not-connected, got %v", err)
	}
	pending, _ := f.roster.ListSchedules(context.Background(), roster.SchedulePending)
	if len(pending) != 1 {
		t.Fatalf("pending=%d", len(pending))
	}
}

func TestSweepWithoutDestination(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.svc.Sweep(context.Background()); !engine.IsNoRetry(err) {
		t.Fatalf("want NoRetry, got %v", err)
	}
}
