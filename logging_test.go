package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spikewatch/config"
)

func TestLogFileNameForDate(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := logFileNameForDate(when); got != "22-Jan-2026.log" {
		t.Fatalf("expected log filename to be 22-Jan-2026.log, got %q", got)
	}
}

func TestParseLogFileDate(t *testing.T) {
	parsed, ok := parseLogFileDate("22-Jan-2026.log")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parsed date: %s", parsed.Format(time.RFC3339))
	}
	if _, ok := parseLogFileDate("notes.txt"); ok {
		t.Fatalf("expected non-log file to be rejected")
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"20-Jan-2026.log",
		"21-Jan-2026.log",
		"22-Jan-2026.log",
		"notes.txt",
	}
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	expectMissing := []string{"20-Jan-2026.log"}
	for _, name := range expectMissing {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Fatalf("expected %s to be removed", name)
		} else if !os.IsNotExist(err) {
			t.Fatalf("stat %s: %v", name, err)
		}
	}
	expectPresent := []string{"21-Jan-2026.log", "22-Jan-2026.log", "notes.txt"}
	for _, name := range expectPresent {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRotatesByDate(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 2)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	day1 := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(time.Hour))
	if got := filepath.Base(sink.Path()); got != "22-Jan-2026.log" {
		t.Fatalf("expected 22-Jan-2026.log, got %q", got)
	}
	sink.WriteLine("third", day1.Add(24*time.Hour))
	if got := filepath.Base(sink.Path()); got != "23-Jan-2026.log" {
		t.Fatalf("expected 23-Jan-2026.log after rotation, got %q", got)
	}
	if sink.rotations != 1 {
		t.Fatalf("expected one rotation, got %d", sink.rotations)
	}

	data, err := os.ReadFile(filepath.Join(dir, "22-Jan-2026.log"))
	if err != nil {
		t.Fatalf("read first day: %v", err)
	}
	if want := "2026/01/22 12:00:00 first\n2026/01/22 13:00:00 second\n"; string(data) != want {
		t.Fatalf("expected %q, got %q", want, string(data))
	}

	// Two days later the retention window no longer covers either file.
	sink.WriteLine("fourth", day1.Add(72*time.Hour))
	for _, name := range []string{"22-Jan-2026.log", "23-Jan-2026.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err %v", name, err)
		}
	}
}

type recordingLineSink struct {
	lines []string
}

func (r *recordingLineSink) WriteLine(line string, _ time.Time) { r.lines = append(r.lines, line) }
func (r *recordingLineSink) Close() error                      { return nil }

func TestLogFanoutSplitsLines(t *testing.T) {
	console := &recordingLineSink{}
	file := &recordingLineSink{}
	fanout := newLogFanout(console, file)

	_, _ = fanout.Write([]byte("Engine: one\r\nEngine: tw"))
	if len(console.lines) != 1 || console.lines[0] != "Engine: one" {
		t.Fatalf("expected one complete line, got %q", console.lines)
	}
	_, _ = fanout.Write([]byte("o\n"))
	if len(file.lines) != 2 || file.lines[1] != "Engine: two" {
		t.Fatalf("expected partial line to be joined, got %q", file.lines)
	}

	fanout.WriteFileOnlyLine("status", time.Now())
	if len(console.lines) != 2 || len(file.lines) != 3 {
		t.Fatalf("expected file-only line to skip console, got console=%q file=%q", console.lines, file.lines)
	}
}

func TestLogFanoutFlushesOversizedPartialLine(t *testing.T) {
	console := &recordingLineSink{}
	fanout := newLogFanout(console, nil)
	_, _ = fanout.Write(bytes.Repeat([]byte("x"), maxLogBufferBytes+1))
	if len(console.lines) != 1 || len(console.lines[0]) != maxLogBufferBytes+1 {
		t.Fatalf("expected oversized partial line to be flushed, got %d lines", len(console.lines))
	}
	if len(fanout.buf) != 0 {
		t.Fatalf("expected buffer to be empty, got %d bytes", len(fanout.buf))
	}
}

func TestSetupLoggingWritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 3}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger := log.New(fanout, "", 0)
	logger.Print("Engine: started")
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.HasSuffix(console.String(), " Engine: started\n") {
		t.Fatalf("expected timestamped console line, got %q", console.String())
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %d (%v)", len(entries), err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if !strings.Contains(string(data), "Engine: started") {
		t.Fatalf("expected log file to contain the line, got %q", string(data))
	}
}
