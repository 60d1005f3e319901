package engine

import (
	"fmt"
	"time"

	"spikewatch/event"
	"spikewatch/peth"
)

// Snapshot is an immutable view of the engine state for the console and the
// dashboard.
type Snapshot struct {
	Taken      time.Time
	Params     Params
	Buffer     BufferInfo
	PETH       peth.Snapshot
	View       View
	LastWindow *WindowSummary
}

// BufferInfo describes the sample store.
type BufferInfo struct {
	Channels    int
	Len         int
	Capacity    int
	Allocated   int
	Compactions uint64
	Queue       int
	Oldest      int64
	Newest      int64
	Clock       int64 // timestamp assigned to the next column
}

// Fill returns the used fraction of the capacity.
func (b BufferInfo) Fill() float64 {
	if b.Capacity == 0 {
		return 0
	}
	return float64(b.Len) / float64(b.Capacity)
}

// Bytes estimates the memory held by both stores.
func (b BufferInfo) Bytes() uint64 {
	return uint64(b.Allocated) * uint64(4*b.Channels+8)
}

// View is the min/max compressed tail of the recording.
type View struct {
	Samples    [][]float32
	Timestamps []float64
	Factor     int
	Rate       float64
}

// Range returns the extremes of one channel in the view.
func (v View) Range(ch int) (lo, hi float32, ok bool) {
	if ch < 0 || ch >= len(v.Samples) || len(v.Samples[ch]) == 0 {
		return 0, 0, false
	}
	lo, hi = v.Samples[ch][0], v.Samples[ch][0]
	for _, x := range v.Samples[ch] {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return lo, hi, true
}

// Seconds returns the time span covered by the view.
func (v View) Seconds() float64 {
	if len(v.Timestamps) < 2 || v.Rate <= 0 {
		return 0
	}
	return (v.Timestamps[len(v.Timestamps)-1] - v.Timestamps[0]) / v.Rate
}

// WindowSummary describes the most recent analysed window.
type WindowSummary struct {
	Trigger event.Trigger
	Lower   int64
	Upper   int64
	Columns int
	Spikes  int
}

func (w WindowSummary) String() string {
	return fmt.Sprintf("%s window [%d, %d] %d columns, %d spikes", w.Trigger, w.Lower, w.Upper, w.Columns, w.Spikes)
}
