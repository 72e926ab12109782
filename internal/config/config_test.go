package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
http:
  addr: ":3000"
  token: secret
logging:
  level: debug
  console: true
session:
  dir: ./session
  max_retries: 5
transport:
  telegram:
    token: "123:abc"
    chats: [-1001, 42]
storage:
  driver: sqlite
  path: ./bridge.db
scheduler:
  enabled: true
  timezone: Asia/Kolkata
  sweep_at: "09:00"
  sweep_destination: Birthdays
task_engine:
  workers: 3
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("bridge.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Token != "secret" || cfg.Scheduler.SweepAt != "09:00" || cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !slices.Equal(cfg.Transport.Telegram.Chats, []int64{-1001, 42}) {
		t.Fatalf("chats=%v", cfg.Transport.Telegram.Chats)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 3 || cfg.TaskEngine.Enabled != nil {
		t.Fatalf("task_engine=%+v", cfg.TaskEngine)
	}

	js := `{"http":{"addr":":8080"},"session":{"dir":"s"}}`
	cfg, err = Decode("bridge.json", []byte(js))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr=%q", cfg.HTTP.Addr)
	}
	// No extension: sniffed.
	if _, err := Decode("bridge", []byte(js)); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode("bridge", []byte("http:\n  addr: ':1'\n")); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]struct{ name, body string }{
		"unknown json key":  {"c.json", `{"htp":{}}`},
		"unknown yaml key":  {"c.yml", "session:\n  directory: x\n"},
		"trailing data":     {"c.json", `{}{}`},
		"wrong type":        {"c.json", `{"session":{"max_retries":"five"}}`},
		"broken yaml":       {"c.yaml", "http: [\n"},
		"plugins not known": {"c.json", `{"plugins":{}}`},
	}
	for name, c := range cases {
		if _, err := Decode(c.name, []byte(c.body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	var d Durations
	if got := d.Get("a", "", 3*time.Second); got != 3*time.Second {
		t.Fatalf("default: %v", got)
	}
	if got := d.Get("b", "250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("parsed: %v", got)
	}
	d.Get("c", "soon", time.Second)
	d.Get("d", "-1s", time.Second)
	if err := d.Err(); err == nil || !strings.Contains(err.Error(), "c:") {
		t.Fatalf("first error should win, got %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Decode("b.yaml", []byte(sampleYAML))

	if changed, _ := SummarizeChange(a, b); len(changed) != 0 {
		t.Fatalf("identical configs: %v", changed)
	}

	b.HTTP.Token = "rotated"
	b.Scheduler.Timezone = "UTC"
	b.Storage.Path = "./other.db"
	changed, _ := SummarizeChange(a, b)
	want := []string{"http.token", "scheduler", "storage"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed=%v want %v", changed, want)
	}
	if RequiresRestart("http.token") || RequiresRestart("scheduler") || !RequiresRestart("storage") {
		t.Fatal("restart classification wrong")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	errBad := errors.New("level not allowed")
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "trace" {
			return errBad
		}
		return nil
	})

	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: trace", 1))
	if _, err := m.Reload(ctx); !errors.Is(err, errBad) {
		t.Fatalf("rejected reload: %v", err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config must not be committed")
	}

	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	select {
	case c := <-sub:
		if c.Logging.Level != "warn" {
			t.Fatalf("published level=%q", c.Logging.Level)
		}
	default:
		t.Fatal("subscriber got nothing")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{HTTP: HTTPConfig{Addr: "1"}})
	m.publish(&Config{HTTP: HTTPConfig{Addr: "2"}})
	if c := <-sub; c.HTTP.Addr != "2" {
		t.Fatalf("got %q", c.HTTP.Addr)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel should be closed")
	}
	m.publish(&Config{}) // no subscribers left
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bridge.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Rewrite until the watcher has picked it up; the first write may land
	// before fsnotify is attached.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	writeFile(t, path, `{"logging":{"level":"error"}}`)
	for {
		select {
		case c := <-sub:
			if c.Logging.Level != "error" {
				t.Fatalf("level=%q", c.Logging.Level)
			}
			return
		case <-tick.C:
			writeFile(t, path, `{"logging":{"level":"error"}}`)
		case <-deadline:
			t.Fatal("watch did not publish the change")
		}
	}
}
