package scheduler

import (
	"slices"
	"time"

	"chatbridge/internal/task/engine"
)

// SnapshotSource is implemented by an Enqueuer that can report its own state.
type SnapshotSource interface {
	Snapshot() engine.Snapshot
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	defs := slices.Clone(s.defs)
	c, loc, eng := s.c, s.loc, s.engine
	s.mu.Unlock()

	if snap.Timezone == "" {
		snap.Timezone = orLocal(loc).String()
	}

	snap.Schedules = make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		info := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			entry := c.Entry(d.entryID)
			info.Next, info.Prev = entry.Next, entry.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}

	s.tmu.Lock()
	snap.Once = make([]OnceInfo, 0, len(s.once))
	for name, d := range s.once {
		snap.Once = append(snap.Once, OnceInfo{Name: name, At: d.at})
	}
	s.tmu.Unlock()
	slices.SortFunc(snap.Once, func(a, b OnceInfo) int { return a.At.Compare(b.At) })

	if src, ok := eng.(SnapshotSource); ok {
		snap.Engine = src.Snapshot()
	}
	return snap
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
