package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acquisition.yaml", `acquisition:
  capacity: 50000
  sampling_rate: 20000
trigger:
  channel: 2
`)
	writeFile(t, dir, "spikes.yaml", `acquisition:
  drop_aux: true
spikes:
  threshold: [-40, -45]
  disabled_channels: "1-3"
`)
	writeFile(t, dir, "notes.txt", "not: [yaml")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := filepath.Clean(cfg.LoadedFrom); got != filepath.Clean(dir) {
		t.Fatalf("expected LoadedFrom=%s, got %s", dir, got)
	}
	if cfg.Acquisition.Capacity != 50000 || cfg.Acquisition.SamplingRate != 20000 {
		t.Fatalf("expected acquisition values from acquisition.yaml, got %+v", cfg.Acquisition)
	}
	if !cfg.Acquisition.DropAux {
		t.Fatalf("expected acquisition.drop_aux to merge from spikes.yaml")
	}
	if cfg.Acquisition.Allocated != 100000 {
		t.Fatalf("expected allocated to default to 2x capacity, got %d", cfg.Acquisition.Allocated)
	}
	if cfg.Trigger.Channel != 2 || cfg.Trigger.ROIBefore != -0.02 {
		t.Fatalf("expected trigger channel 2 with default roi, got %+v", cfg.Trigger)
	}
	if len(cfg.Spikes.Threshold) != 2 || cfg.Spikes.Threshold[1] != -45 {
		t.Fatalf("expected per-channel thresholds, got %v", cfg.Spikes.Threshold)
	}
	if got := cfg.DisabledChannels(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Fatalf("expected zero-based disabled channels [0 1 2], got %v", got)
	}
}

func TestLoadSingleFileAndScalarThreshold(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "spikewatch.yaml", `spikes:
  threshold: -25.5
  rising_edge: true
ui:
  mode: TVIEW
`)
	cfg, err := Load(filepath.Join(dir, "spikewatch.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Spikes.Threshold) != 1 || cfg.Spikes.Threshold[0] != -25.5 || !cfg.Spikes.RisingEdge {
		t.Fatalf("unexpected spikes config %+v", cfg.Spikes)
	}
	if cfg.UI.Mode != "tview" {
		t.Fatalf("expected normalized ui mode, got %q", cfg.UI.Mode)
	}
	if cfg.Acquisition.Capacity != 100000 || cfg.Display.DownsampleFactor != 30 {
		t.Fatalf("expected defaults to survive, got %+v %+v", cfg.Acquisition, cfg.Display)
	}
}

func TestLoadMissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	_, err = Load(t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error for empty directory, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"roi order":       "trigger:\n  roi_before: 0.05\n  roi_after: -0.02\n",
		"retention":       "acquisition:\n  capacity: 1000\n  retention_seconds: 2\n",
		"allocated":       "acquisition:\n  capacity: 1000\n  allocated: 10\n  retention_seconds: 0\n",
		"disabled list":   "spikes:\n  disabled_channels: \"x\"\n",
		"threshold kind":  "spikes:\n  threshold:\n    a: 1\n",
		"ui mode":         "ui:\n  mode: gui\n",
		"downsample zero": "display:\n  downsample_factor: 0\n",
		"qos":             "feed:\n  qos: 3\n",
	}
	for name, body := range cases {
		dir := t.TempDir()
		writeFile(t, dir, "bad.yaml", body)
		if _, err := Load(dir); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
