package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spikewatch/engine"
	"spikewatch/event"
	"spikewatch/peth"
	"spikewatch/stats"
)

func TestEngineSinkBeforeEngine(t *testing.T) {
	sink := &engineSink{}
	if sink.Submit(event.TimestampUpdate{Timestamp: 1}) {
		t.Fatalf("expected submit without an engine to report a drop")
	}
	sink.eng = engine.New(engine.Options{})
	if !sink.Submit(event.TimestampUpdate{Timestamp: 1}) {
		t.Fatalf("expected submit to reach the engine inbox")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spikewatch.yaml")
	if err := os.WriteFile(path, []byte("acquisition:\n  capacity: 200000\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Acquisition.Capacity != 200000 || cfg.LoadedFrom != path {
		t.Fatalf("expected capacity 200000 from %s, got %d from %s", path, cfg.Acquisition.Capacity, cfg.LoadedFrom)
	}
}

func TestStatusLines(t *testing.T) {
	eng := engine.New(engine.Options{})
	lines := statusLines(eng.Snapshot(), stats.NewTracker(), nil, nil)
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "Buffer: 0 ch") {
		t.Fatalf("expected buffer line last, got %q", last)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "Feed:") || strings.HasPrefix(line, "Telnet:") {
			t.Fatalf("expected no feed or telnet line without those components, got %q", line)
		}
	}
}

func TestPETHLines(t *testing.T) {
	if got := pethLines(peth.Snapshot{}, nil); len(got) != 1 || !strings.Contains(got[0], "No windows") {
		t.Fatalf("expected placeholder for empty histogram, got %q", got)
	}
	snap := peth.Snapshot{
		ROIStart:   -0.002,
		ROIEnd:     0.002,
		BinSeconds: 0.001,
		Counts: [][]uint64{
			{0, 1, 4, 0}, {0, 0, 2, 0}, {0, 0, 0, 0}, {0, 0, 0, 0},
			{3, 0, 0, 0},
		},
		Windows: 10,
		Spikes:  10,
	}
	lines := pethLines(snap, []int{1})
	if len(lines) != 3 {
		t.Fatalf("expected header plus two groups, got %d lines: %q", len(lines), lines)
	}
	if !strings.Contains(lines[1], "peak 4 at +0.0 ms") {
		t.Fatalf("expected disabled channel 2 left out of group 1, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "peak 3 at -2.0 ms") {
		t.Fatalf("unexpected group 2 line %q", lines[2])
	}
}
