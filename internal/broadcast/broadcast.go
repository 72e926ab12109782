// Package broadcast fans session events out to observers.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels keyed by an explicit id.
//   - Slow subscribers drop events (bounded backpressure); drops are counted.
package broadcast

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event names pushed to observers.
const (
	EventStatus       = "status"
	EventQR           = "qr"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Event is one observer notification. Data must be JSON-serializable.
type Event struct {
	Name string    `json:"event"`
	Time time.Time `json:"-"`
	Data any       `json:"data"`
}

type subscriber struct {
	id uint64
	ch chan Event
}

type Broadcaster struct {
	// mu guards subs. Channels are closed only under the write lock, so a
	// Publish holding the read lock never sends on a closed channel.
	mu   sync.RWMutex
	subs []subscriber // ascending id, i.e. subscription order
	seq  uint64

	dropped atomic.Uint64

	// OnDrop and OnCount are optional hooks, called outside the lock.
	OnDrop  func()
	OnCount func(n int)
}

func New() *Broadcaster {
	return &Broadcaster{}
}

// Publish delivers e to every subscriber that has room, in subscription order.
func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	drops := 0
	b.mu.RLock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			drops++
		}
	}
	b.mu.RUnlock()

	if drops == 0 {
		return
	}
	b.dropped.Add(uint64(drops))
	if b.OnDrop != nil {
		for range drops {
			b.OnDrop()
		}
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe(buffer int) (id uint64, ch <-chan Event, unsubscribe func()) {
	return b.SubscribeWith(buffer)
}

// SubscribeWith registers a subscriber whose channel already holds initial,
// so no published event can be observed before them. The buffer grows to fit.
func (b *Broadcaster) SubscribeWith(buffer int, initial ...Event) (uint64, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	if buffer < len(initial)+1 {
		buffer = len(initial) + 1
	}
	ch := make(chan Event, buffer)
	now := time.Now()
	for _, e := range initial {
		if e.Time.IsZero() {
			e.Time = now
		}
		ch <- e
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	n := len(b.subs)
	b.mu.Unlock()
	if b.OnCount != nil {
		b.OnCount(n)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() { b.remove(id) })
	}
	return id, ch, unsub
}

// Unsubscribe removes id and closes its channel. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id uint64) { b.remove(id) }

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	i, ok := slices.BinarySearchFunc(b.subs, id, func(s subscriber, id uint64) int {
		return cmp.Compare(s.id, id)
	})
	if ok {
		close(b.subs[i].ch)
		b.subs = slices.Delete(b.subs, i, i+1)
	}
	n := len(b.subs)
	b.mu.Unlock()
	if ok && b.OnCount != nil {
		b.OnCount(n)
	}
}

// Len reports the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped for full subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	n := len(b.subs)
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.mu.Unlock()
	if b.OnCount != nil && n > 0 {
		b.OnCount(0)
	}
}
