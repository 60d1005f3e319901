package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"spikewatch/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "02-Jan-2006"
	maxLogBufferBytes  = 16 * 1024
)

type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

// ioLineSink writes lines to the console or a dashboard pane.
type ioLineSink struct {
	w             io.Writer
	withTimestamp bool
}

func (s *ioLineSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.withTimestamp {
		line = formatLogTimestamp(now) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *ioLineSink) Close() error {
	return nil
}

// dailyFileSink appends to <dir>/DD-Mon-YYYY.log, opening a new file when
// the UTC date changes and removing files older than the retention window.
type dailyFileSink struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	currentDate   string
	file          *os.File
	lastErrorAt   time.Time
	rotations     int
}

func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(trimmed, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", trimmed, err)
	}
	if err := cleanupOldLogs(trimmed, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup failed for %s: %v\n", trimmed, err)
	}
	return &dailyFileSink{dir: trimmed, retentionDays: retentionDays}, nil
}

func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if date := now.Format(logFileDateLayout); s.file == nil || s.currentDate != date {
		s.rotateLocked(date, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("write failed: %w", err))
	}
}

// Path returns the file currently written, or "" before the first line.
func (s *dailyFileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	return err
}

func (s *dailyFileSink) rotateLocked(date string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
		s.rotations++
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("failed to create log directory %q: %w", s.dir, err))
		return
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return
	}
	s.file = file
	s.currentDate = date
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup failed: %w", err))
	}
}

// reportErrorLocked goes to stderr at most once a minute; the log itself may
// be what is failing.
func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

// logFanout is installed with log.SetOutput. It splits the byte stream into
// lines and hands each one to the console sink and the file sink.
type logFanout struct {
	mu      sync.Mutex
	buf     []byte
	console lineSink
	file    lineSink
}

func newLogFanout(console, file lineSink) *logFanout {
	return &logFanout{console: console, file: file}
}

// setupLogging always returns a usable fanout; the error reports a file sink
// that could not be created.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := newLogFanout(&ioLineSink{w: console, withTimestamp: true}, nil)
	if !cfg.Enabled {
		return fanout, nil
	}
	sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.SetFileSink(sink)
	return fanout, nil
}

// SetConsoleSink swaps the console side, e.g. to the dashboard system pane.
func (f *logFanout) SetConsoleSink(writer io.Writer, withTimestamp bool) {
	if f == nil {
		return
	}
	var sink lineSink
	if writer != nil {
		sink = &ioLineSink{w: writer, withTimestamp: withTimestamp}
	}
	f.mu.Lock()
	f.console = sink
	f.mu.Unlock()
}

func (f *logFanout) SetFileSink(sink lineSink) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.file = sink
	f.mu.Unlock()
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.buf = append(f.buf, p...)
	data := f.buf
	var lines []string
	for {
		line, rest, ok := bytes.Cut(data, []byte{'\n'})
		if !ok {
			break
		}
		lines = append(lines, string(bytes.TrimRight(line, "\r")))
		data = rest
	}
	if len(data) > maxLogBufferBytes {
		if trimmed := string(bytes.TrimRight(data, "\r")); trimmed != "" {
			lines = append(lines, trimmed)
		}
		data = data[:0]
	}
	f.buf = append(f.buf[:0], data...)
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// WriteFileOnlyLine records a line in the log file without echoing it to the
// console. Periodic status lines use it while the dashboard owns the screen.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, now)
	}
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	console, file := f.console, f.file
	f.mu.Unlock()
	if console != nil {
		_ = console.Close()
	}
	if file != nil {
		return file.Close()
	}
	return nil
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(logFileDateLayout, strings.TrimSuffix(name, ".log"), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// cleanupOldLogs keeps today's file plus retentionDays-1 earlier days.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := dateOnly(now.UTC()).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseLogFileDate(entry.Name())
		if ok && date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
