package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type doc struct {
	Seq  int64  `json:"seq"`
	Data []byte `json:"data"`
}

// table is the in-memory state shared by the memory and file drivers.
// Callers hold the owning store's lock.
type table struct {
	colls map[string]map[string]doc
	seq   int64
}

func newTable() *table {
	return &table{colls: map[string]map[string]doc{}}
}

func (t *table) get(coll, id string) (doc, bool) {
	d, ok := t.colls[coll][id]
	return d, ok
}

func (t *table) put(coll, id string, d doc) {
	m := t.colls[coll]
	if m == nil {
		m = map[string]doc{}
		t.colls[coll] = m
	}
	m[id] = d
	if d.Seq > t.seq {
		t.seq = d.Seq
	}
}

func (t *table) del(coll, id string) {
	if m := t.colls[coll]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(t.colls, coll)
		}
	}
}

func (t *table) list(coll string) []Record {
	m := t.colls[coll]
	type row struct {
		id string
		d  doc
	}
	rows := make([]row, 0, len(m))
	for id, d := range m {
		rows = append(rows, row{id, d})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].d.Seq < rows[j].d.Seq })
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{ID: r.id, Data: append([]byte(nil), r.d.Data...)}
	}
	return out
}

func validKey(coll, id string) error {
	if strings.TrimSpace(coll) == "" || strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	return nil
}

type memoryStore struct {
	mu     sync.Mutex
	t      *table
	closed bool
}

func newMemory() *memoryStore { return &memoryStore{t: newTable()} }

func (s *memoryStore) Insert(_ context.Context, coll, id string, data []byte) error {
	if err := validKey(coll, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.t.get(coll, id); ok {
		return ErrExists
	}
	s.t.put(coll, id, doc{Seq: s.t.seq + 1, Data: append([]byte(nil), data...)})
	return nil
}

func (s *memoryStore) Get(_ context.Context, coll, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	d, ok := s.t.get(coll, id)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), d.Data...), nil
}

func (s *memoryStore) Update(_ context.Context, coll, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	d, ok := s.t.get(coll, id)
	if !ok {
		return ErrNotFound
	}
	d.Data = append([]byte(nil), data...)
	s.t.put(coll, id, d)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, coll, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.t.get(coll, id); !ok {
		return ErrNotFound
	}
	s.t.del(coll, id)
	return nil
}

func (s *memoryStore) List(_ context.Context, coll string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t.list(coll), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
