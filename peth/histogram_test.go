package peth

import (
	"testing"

	"spikewatch/dsp"
)

func TestHistogramBinsSpikeOffsets(t *testing.T) {
	h := New(2, -0.02, 0.05, 0.001)
	if h.Bins() != 71 {
		t.Fatalf("expected 71 bins, got %d", h.Bins())
	}
	ts := make([]int64, 71)
	for i := range ts {
		ts[i] = 5000 + int64(i)
	}
	rec := dsp.SpikeRecord{
		Positions:  [][]int{{0, 20, 70}, {20}},
		Timestamps: [][]int64{{5000, 5020, 5070}, {5020}},
	}
	if n := h.Add(rec, ts, 1000); n != 4 {
		t.Fatalf("expected 4 spikes binned, got %d", n)
	}
	s := h.Snapshot()
	if s.Counts[0][0] != 1 || s.Counts[0][20] != 1 || s.Counts[0][70] != 1 || s.Counts[1][20] != 1 {
		t.Fatalf("unexpected counts %v", s.Counts)
	}
	if s.Windows != 1 || s.Spikes != 4 {
		t.Fatalf("expected 1 window / 4 spikes, got %d / %d", s.Windows, s.Spikes)
	}
	if got := s.BinStart(20); got < -1e-9 || got > 1e-9 {
		t.Fatalf("expected bin 20 at trigger time, got %v", got)
	}

	// Snapshots are copies.
	h.Add(rec, ts, 1000)
	if s.Counts[0][0] != 1 {
		t.Fatalf("snapshot changed after Add")
	}
	h.Clear()
	if s2 := h.Snapshot(); s2.Counts[0][20] != 0 || s2.Windows != 0 || len(s2.Counts) != 2 {
		t.Fatalf("expected cleared histogram, got %+v", s2)
	}
}

func TestHistogramReshapesOnChannelChange(t *testing.T) {
	h := New(1, 0, 0.01, 0.001)
	rec := dsp.SpikeRecord{Positions: [][]int{{}, {}, {1}}}
	h.Add(rec, []int64{0, 1, 2}, 1000)
	s := h.Snapshot()
	if len(s.Counts) != 3 || s.Counts[2][1] != 1 {
		t.Fatalf("expected reshape to 3 channels, got %v", s.Counts)
	}
}

func TestGroupSumsSkipDisabled(t *testing.T) {
	s := Snapshot{Counts: [][]uint64{
		{1, 0}, {2, 0}, {4, 1}, {8, 0},
		{0, 3},
	}}
	if s.Groups() != 2 {
		t.Fatalf("expected 2 groups, got %d", s.Groups())
	}
	g := s.Group(0, []int{1})
	if g[0] != 13 || g[1] != 1 {
		t.Fatalf("expected [13 1], got %v", g)
	}
	if g := s.Group(1, nil); g[1] != 3 {
		t.Fatalf("expected partial group sum 3, got %v", g)
	}
	if s.Group(2, nil) != nil {
		t.Fatalf("expected nil for missing group")
	}
	if idx, v := Peak([]uint64{0, 5, 2}); idx != 1 || v != 5 {
		t.Fatalf("expected peak at 1 with 5, got %d %d", idx, v)
	}
}
