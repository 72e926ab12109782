package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	logx "chatbridge/pkg/logx"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func testDrivers(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store {
			st, err := Open(Config{Driver: "memory"}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.db")}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data.db")}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			c := NewCollection[item](st, "items")

			if err := c.Insert(ctx, "a", item{Name: "alpha", Count: 1}); err != nil {
				t.Fatalf("insert a: %v", err)
			}
			if err := c.Insert(ctx, "b", item{Name: "beta"}); err != nil {
				t.Fatalf("insert b: %v", err)
			}
			if err := c.Insert(ctx, "a", item{Name: "again"}); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate insert: want ErrExists, got %v", err)
			}

			got, err := c.Get(ctx, "a")
			if err != nil || got.Name != "alpha" || got.Count != 1 {
				t.Fatalf("get a: %+v %v", got, err)
			}
			if _, err := c.Get(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: want ErrNotFound, got %v", err)
			}

			if err := c.Update(ctx, "a", item{Name: "alpha", Count: 2}); err != nil {
				t.Fatalf("update: %v", err)
			}
			if err := c.Update(ctx, "zzz", item{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update missing: want ErrNotFound, got %v", err)
			}

			// Update keeps insertion order.
			list, err := c.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].Name != "alpha" || list[0].Count != 2 || list[1].Name != "beta" {
				t.Fatalf("list: %+v", list)
			}

			if err := c.Delete(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := c.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete twice: want ErrNotFound, got %v", err)
			}

			// Collections are independent.
			other := NewCollection[item](st, "other")
			if err := other.Insert(ctx, "b", item{Name: "other-b"}); err != nil {
				t.Fatalf("insert other/b: %v", err)
			}
			list, _ = c.List(ctx)
			if len(list) != 1 || list[0].Name != "beta" {
				t.Fatalf("list after delete: %+v", list)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 5}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := NewCollection[item](st, "items")
	for i := 0; i < 12; i++ {
		if err := c.Insert(ctx, fmt.Sprintf("k%02d", i), item{Name: "n", Count: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Delete(ctx, "k03"); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(ctx, "k00", item{Name: "first", Count: 100}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	_ = fs.journal.Close()

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	c2 := NewCollection[item](st2, "items")
	list, err := c2.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 11 {
		t.Fatalf("len=%d want 11", len(list))
	}
	if list[0].Name != "first" || list[0].Count != 100 {
		t.Fatalf("first=%+v", list[0])
	}
	if list[len(list)-1].Count != 11 {
		t.Fatalf("last=%+v", list[len(list)-1])
	}
	// Sequence continues after reopen.
	if err := c2.Insert(ctx, "new", item{Name: "new"}); err != nil {
		t.Fatal(err)
	}
	list, _ = c2.List(ctx)
	if list[len(list)-1].Name != "new" {
		t.Fatalf("new record not last: %+v", list[len(list)-1])
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bridge.db")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Insert(ctx, "items", "x", []byte(`{"name":"x"}`)); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	b, err := st.Get(ctx, "items", "x")
	if err != nil || string(b) != `{"name":"x"}` {
		t.Fatalf("get after reopen: %s %v", b, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
