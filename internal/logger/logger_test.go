package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level Level) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(path, level, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	l, err := New(path, LevelWarn, false)
	if err != nil {
		t.Fatal(err)
	}

	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")

	got := readLog(t, path)
	if strings.Contains(got, "debug line") || strings.Contains(got, "info line") {
		t.Fatalf("expected debug/info to be filtered at LevelWarn, got: %s", got)
	}
	if !strings.Contains(got, "warn line") {
		t.Fatalf("expected warn line to be logged, got: %s", got)
	}
}

func TestUrgentLatchesFlag(t *testing.T) {
	l := newTestLogger(t, LevelInfo)
	if l.IsUrgent() {
		t.Fatal("expected IsUrgent to start false")
	}
	l.Urgent("disk full on %s", "/mnt/news")
	if !l.IsUrgent() {
		t.Fatal("expected IsUrgent to latch true after Urgent")
	}
	l.ClearUrgent()
	if l.IsUrgent() {
		t.Fatal("expected ClearUrgent to reset the flag")
	}
}

func TestUrgentLogsEvenBelowConfiguredLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	l, err := New(path, LevelFatal, false)
	if err != nil {
		t.Fatal(err)
	}
	l.Urgent("no space left")
	got := readLog(t, path)
	if !strings.Contains(got, "no space left") {
		t.Fatalf("expected urgent line regardless of level, got: %s", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"DEBUG": LevelDebug,
		"warn":  LevelWarn,
		"error": LevelError,
		"info":  LevelInfo,
		"":      LevelInfo,
		"huh":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSpeedAndBytesFormatting(t *testing.T) {
	if got := Bytes(1024 * 1024); got != "1.0 MB" && got != "1.1 MB" {
		t.Fatalf("Bytes(1MiB) = %q", got)
	}
	if !strings.HasSuffix(Speed(1024*1024), "/s") {
		t.Fatalf("Speed() = %q, want a /s suffix", Speed(1024*1024))
	}
}

func TestWriteImplementsIoWriterForEchoAccessLogs(t *testing.T) {
	l := newTestLogger(t, LevelInfo)
	n, err := l.Write([]byte("request line\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("request line\n") {
		t.Fatalf("Write returned n=%d, want %d", n, len("request line\n"))
	}
}
