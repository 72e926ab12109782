package engine

import (
	"sync"
	"sync/atomic"

	"chatbridge/internal/metrics"
)

// ring keeps the most recent job outcomes for the diagnostics API.
type ring struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (r *ring) push(item HistoryItem, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if over := len(r.items) - limit; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

func (r *ring) list() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HistoryItem(nil), r.items...)
}

const (
	dropQueueFull = "queue_full"
	dropStale     = "stale"
)

type drops struct {
	total, queueFull, stale atomic.Uint64
}

func (d *drops) count(reason string) uint64 {
	d.total.Add(1)
	metrics.TaskDropped.WithLabelValues(reason).Inc()
	if reason == dropStale {
		return d.stale.Add(1)
	}
	return d.queueFull.Add(1)
}

func (ev TaskEvent) historyItem() HistoryItem {
	return HistoryItem{
		ID:         ev.ID,
		Name:       ev.Name,
		Started:    ev.Started,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
	}
}
