package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad json %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("session"))

	log.Debug("hidden")
	log.Info("sent", String("to", "alice"), Err(nil), Stack(" "), String("to", "bob"))
	log.Warn("failed", Err(errors.New("boom")))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("lines=%d", len(lines))
	}
	first := lines[0]
	if first["comp"] != "session" || first["to"] != "bob" || first["message"] != "sent" {
		t.Fatalf("first=%v", first)
	}
	if _, ok := first["err"]; ok {
		t.Fatal("nil error should not be logged")
	}
	if c, _ := first["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
	if lines[1]["err"] != "boom" {
		t.Fatalf("second=%v", lines[1])
	}
}

func TestWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	x := base.With(String("b", "x"))
	y := base.With(String("b", "y"))
	x.Info("x")
	y.Info("y")
	lines := decodeLines(t, buf.Bytes())
	if lines[0]["b"] != "x" || lines[1]["b"] != "y" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || zero.Enabled(LevelError) {
		t.Fatal("zero logger should be inert")
	}
	zero.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop is not the zero value")
	}
	Nop().Info("dropped")
}

func TestServiceApplyFollowsLevelAndFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	var stdout bytes.Buffer
	s := &Service{stdout: &stdout, stderr: &stdout}
	s.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log := s.Logger()

	log.Info("quiet")
	log.Warn("loud", Int("n", 1))
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be off at warn")
	}

	s.Apply(Config{Level: "DEBUG", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now visible")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 2 || lines[0]["message"] != "loud" || lines[1]["message"] != "now visible" {
		t.Fatalf("file lines=%v", lines)
	}
	if stdout.Len() != 0 {
		t.Fatalf("console written without Console: %q", stdout.String())
	}

	log.Error("after close")
	if !strings.Contains(stdout.String(), "after close") {
		t.Fatal("closed service should fall back to console")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{
		" Warning ": LevelWarn, "TRACE": LevelTrace, "": LevelInfo, "loud": LevelInfo,
	} {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
