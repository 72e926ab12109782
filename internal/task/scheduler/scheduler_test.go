package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/task/engine"
	logx "chatbridge/pkg/logx"
)

// recorder is an Enqueuer that runs tasks inline.
type recorder struct {
	mu    sync.Mutex
	names []string
	ran   chan string
}

func newRecorder() *recorder { return &recorder{ran: make(chan string, 16)} }

func (r *recorder) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.names = append(r.names, t.Name)
	r.mu.Unlock()
	_ = t.Run(context.Background())
	r.ran <- t.Name
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func nop(context.Context) error { return nil }

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"07:30", 7, 30, false},
		{" 0:00 ", 0, 0, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"1230", 0, 0, true},
		{"ab:cd", 0, 0, true},
	}
	for _, c := range cases {
		h, m, err := ParseHHMM(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("%q: err=%v", c.in, err)
		}
		if err == nil && (h != c.h || m != c.m) {
			t.Fatalf("%q: got %d:%d", c.in, h, m)
		}
	}
}

func TestAddOnceFires(t *testing.T) {
	rec := newRecorder()
	s := New(Config{Enabled: true, Timezone: "UTC"}, rec, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddOnce("send:1", time.Now().Add(20*time.Millisecond), time.Second, nop); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Once("send:1"); !ok {
		t.Fatal("pending one-shot not reported")
	}
	select {
	case name := <-rec.ran:
		if name != "send:1" {
			t.Fatalf("ran %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot did not fire")
	}
	if _, ok := s.Once("send:1"); ok {
		t.Fatal("fired one-shot still pending")
	}
}

func TestAddOnceReplaceAndRemove(t *testing.T) {
	rec := newRecorder()
	s := New(Config{Enabled: true}, rec, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_, _ = s.AddOnce("a", time.Now().Add(30*time.Millisecond), 0, nop)
	_, _ = s.AddOnce("a", time.Now().Add(time.Hour), 0, nop)
	_, _ = s.AddOnce("b", time.Now().Add(30*time.Millisecond), 0, nop)
	if !s.Remove("b") {
		t.Fatal("remove b")
	}
	if s.Remove("b") {
		t.Fatal("remove b twice")
	}
	time.Sleep(150 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("replaced/removed one-shots ran %d times", n)
	}
	snap := s.Snapshot()
	if len(snap.Once) != 1 || snap.Once[0].Name != "a" {
		t.Fatalf("once=%+v", snap.Once)
	}
}

func TestOnceSurvivesStopStart(t *testing.T) {
	rec := newRecorder()
	s := New(Config{Enabled: true}, rec, logx.Nop())
	s.Start(context.Background())
	_, _ = s.AddOnce("later", time.Now().Add(80*time.Millisecond), 0, nop)
	s.Stop(context.Background())

	time.Sleep(120 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("fired while stopped")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-rec.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue one-shot not fired after Start")
	}
}

func TestAddDailyRegisters(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "Asia/Kolkata"}, newRecorder(), logx.Nop())
	if _, err := s.AddDaily("sweep", "25:00", 0, nop); err == nil {
		t.Fatal("bad time accepted")
	}
	if _, err := s.AddDaily("sweep", "09:15", time.Minute, nop); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
	it := snap.Schedules[0]
	if it.Spec != "15 9 * * *" || it.Next.IsZero() {
		t.Fatalf("entry=%+v", it)
	}
	next := it.Next.In(s.Location())
	if next.Hour() != 9 || next.Minute() != 15 {
		t.Fatalf("next=%v", next)
	}

	// Upsert by name.
	if _, err := s.AddDaily("sweep", "10:00", time.Minute, nop); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Snapshot().Schedules); n != 1 {
		t.Fatalf("duplicate schedules: %d", n)
	}
	if _, err := s.AddCron("bad", "not a cron", 0, nop); err == nil {
		t.Fatal("bad spec accepted")
	}
}

func TestApplyMovesTimezone(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, newRecorder(), logx.Nop())
	if s.Location().String() != "UTC" {
		t.Fatalf("loc=%v", s.Location())
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if _, err := s.AddDaily("sweep", "09:00", time.Second, nop); err != nil {
		t.Fatal(err)
	}

	s.Apply(Config{Enabled: true, Timezone: "Asia/Kolkata"})
	if s.Location().String() != "Asia/Kolkata" {
		t.Fatalf("loc after apply=%v", s.Location())
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedule lost across timezone change: %+v", snap.Schedules)
	}
	next := snap.Schedules[0].Next.In(s.Location())
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next=%v", next)
	}

	s.Apply(Config{Enabled: true, Timezone: "Nowhere/Special"})
	if s.Location() != time.Local {
		t.Fatal("bad zone should fall back to local time")
	}
}
