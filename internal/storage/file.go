package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "chatbridge/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every CompactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	t            *table

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut journalOp = "put"
	opDel journalOp = "del"
)

type journalRecord struct {
	Op   journalOp       `json:"op"`
	Coll string          `json:"coll"`
	ID   string          `json:"id"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type snapshot struct {
	Seq   int64                                  `json:"seq"`
	Colls map[string]map[string]snapshotDocument `json:"collections"`
}

type snapshotDocument struct {
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	t := newTable()
	if err := loadSnapshot(snapPath, t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, t)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	log.Debug("file store opened",
		logx.String("path", prefix),
		logx.Int("journal_records", n),
	)
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		t:            t,
		writes:       n,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Insert(ctx context.Context, coll, id string, data []byte) error {
	if err := validKey(coll, id); err != nil {
		return err
	}
	if !json.Valid(data) {
		return errors.New("storage: document is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.t.get(coll, id); ok {
		return ErrExists
	}
	d := doc{Seq: s.t.seq + 1, Data: append([]byte(nil), data...)}
	if err := s.appendLocked(journalRecord{Op: opPut, Coll: coll, ID: id, Seq: d.Seq, Data: d.Data}); err != nil {
		return err
	}
	s.t.put(coll, id, d)
	return nil
}

func (s *fileStore) Get(ctx context.Context, coll, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	d, ok := s.t.get(coll, id)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), d.Data...), nil
}

func (s *fileStore) Update(ctx context.Context, coll, id string, data []byte) error {
	if !json.Valid(data) {
		return errors.New("storage: document is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	d, ok := s.t.get(coll, id)
	if !ok {
		return ErrNotFound
	}
	d.Data = append([]byte(nil), data...)
	if err := s.appendLocked(journalRecord{Op: opPut, Coll: coll, ID: id, Seq: d.Seq, Data: d.Data}); err != nil {
		return err
	}
	s.t.put(coll, id, d)
	return nil
}

func (s *fileStore) Delete(ctx context.Context, coll, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.t.get(coll, id); !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opDel, Coll: coll, ID: id}); err != nil {
		return err
	}
	s.t.del(coll, id)
	return nil
}

func (s *fileStore) List(ctx context.Context, coll string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.t.list(coll), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	if cerr != nil {
		s.log.Warn("compact on close failed", logx.Err(cerr))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes >= s.compactEvery {
		// Best-effort compact; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Seq: s.t.seq, Colls: map[string]map[string]snapshotDocument{}}
	for coll, m := range s.t.colls {
		out := make(map[string]snapshotDocument, len(m))
		for id, d := range m {
			out[id] = snapshotDocument{Seq: d.Seq, Data: d.Data}
		}
		snap.Colls[coll] = out
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func loadSnapshot(path string, t *table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for coll, m := range snap.Colls {
		for id, d := range m {
			t.put(coll, id, doc{Seq: d.Seq, Data: []byte(d.Data)})
		}
	}
	if snap.Seq > t.seq {
		t.seq = snap.Seq
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn final
// line from a crash is skipped.
func replayJournal(path string, t *table) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Coll == "" || r.ID == "" {
			continue
		}
		switch r.Op {
		case opPut:
			t.put(r.Coll, r.ID, doc{Seq: r.Seq, Data: []byte(r.Data)})
		case opDel:
			t.del(r.Coll, r.ID)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
