package broadcast

import (
	"sync"
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	_, a, unA := b.Subscribe(4)
	_, c, unC := b.Subscribe(4)
	defer unA()
	defer unC()

	b.Publish(Event{Name: EventError, Data: map[string]any{"error": "boom"}})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Name != EventError {
				t.Fatalf("sub %d: got %q", i, e.Name)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: time not stamped", i)
			}
		default:
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	drops := 0
	b.OnDrop = func() { drops++ }
	_, ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Name: "a"})
	b.Publish(Event{Name: "b"})
	b.Publish(Event{Name: "c"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped=%d, want 2", got)
	}
	if drops != 2 {
		t.Fatalf("OnDrop calls=%d, want 2", drops)
	}
	if e := <-ch; e.Name != "a" {
		t.Fatalf("kept %q, want first event", e.Name)
	}
}

func TestSubscribeWithPrefillsInOrder(t *testing.T) {
	t.Parallel()

	b := New()
	_, ch, unsub := b.SubscribeWith(1, Event{Name: EventStatus}, Event{Name: EventQR})
	defer unsub()
	b.Publish(Event{Name: EventConnected})

	want := []string{EventStatus, EventQR, EventConnected}
	for _, w := range want {
		select {
		case e := <-ch:
			if e.Name != w {
				t.Fatalf("got %q, want %q", e.Name, w)
			}
		default:
			t.Fatalf("missing %q", w)
		}
	}
}

func TestUnsubscribeClosesAndCounts(t *testing.T) {
	t.Parallel()

	b := New()
	var counts []int
	b.OnCount = func(n int) { counts = append(counts, n) }

	id, ch, unsub := b.Subscribe(2)
	if b.Len() != 1 {
		t.Fatalf("len=%d", b.Len())
	}
	b.Unsubscribe(id)
	unsub() // second removal is a no-op

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	if b.Len() != 0 {
		t.Fatalf("len=%d after unsubscribe", b.Len())
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("counts=%v", counts)
	}

	// Publishing after removal must not panic or count drops.
	b.Publish(Event{Name: "x"})
	if b.Dropped() != 0 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
}

func TestFanOutFollowsSubscriptionOrder(t *testing.T) {
	t.Parallel()

	b := New()
	var unsubs []func()
	for range 5 {
		_, _, un := b.Subscribe(1)
		unsubs = append(unsubs, un)
	}
	unsubs[1]()
	unsubs[3]()
	_, _, un := b.Subscribe(1)
	defer un()

	var got []uint64
	for _, s := range b.subs {
		got = append(got, s.id)
	}
	want := []uint64{1, 3, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("ids=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids=%v, want %v", got, want)
		}
	}
}

func TestPublishConcurrentWithUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	var wg sync.WaitGroup
	for range 8 {
		_, ch, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	for range 200 {
		b.Publish(Event{Name: "tick"})
	}
	wg.Wait()
	b.Close()
	b.Publish(Event{Name: "after-close"})
	if b.Len() != 0 {
		t.Fatalf("len=%d after close", b.Len())
	}
}
