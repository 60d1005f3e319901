// Package peth accumulates peri-event time histograms: per-channel counts of
// spike offsets relative to the trigger, summed over every extracted window.
package peth

import (
	"math"
	"slices"

	"spikewatch/dsp"
)

const (
	// DefaultBinSeconds is the histogram bin width.
	DefaultBinSeconds = 0.001
	// ChannelsPerGroup is the number of channels summed into one group
	// (one tetrode).
	ChannelsPerGroup = 4
)

// Histogram holds counts[channel][bin]. Bin 0 starts at ROIStart.
type Histogram struct {
	roiStart   float64
	roiEnd     float64
	binSeconds float64
	counts     [][]uint64
	windows    uint64
	spikes     uint64
}

// New returns an empty histogram over the region [roiStart, roiEnd] seconds.
func New(channels int, roiStart, roiEnd, binSeconds float64) *Histogram {
	if binSeconds <= 0 {
		binSeconds = DefaultBinSeconds
	}
	h := &Histogram{binSeconds: binSeconds}
	h.Reset(channels, roiStart, roiEnd)
	return h
}

// Reset discards all counts and re-shapes the histogram.
func (h *Histogram) Reset(channels int, roiStart, roiEnd float64) {
	h.roiStart = roiStart
	h.roiEnd = roiEnd
	bins := int(math.Round((roiEnd-roiStart)/h.binSeconds)) + 1
	h.counts = make([][]uint64, max(channels, 0))
	for ch := range h.counts {
		h.counts[ch] = make([]uint64, bins)
	}
	h.windows = 0
	h.spikes = 0
}

// Clear zeroes the counts while keeping the shape.
func (h *Histogram) Clear() {
	h.Reset(len(h.counts), h.roiStart, h.roiEnd)
}

// Channels returns the channel count of the current shape.
func (h *Histogram) Channels() int {
	return len(h.counts)
}

// Bins returns the bin count per channel.
func (h *Histogram) Bins() int {
	if len(h.counts) == 0 {
		return int(math.Round((h.roiEnd-h.roiStart)/h.binSeconds)) + 1
	}
	return len(h.counts[0])
}

// Add bins the spikes of one extracted window. ts are the window's sample
// timestamps; offsets are measured from the window's first sample. A record
// with a different channel count re-shapes the histogram first. Returns the
// number of spikes binned.
func (h *Histogram) Add(rec dsp.SpikeRecord, ts []int64, rate float64) int {
	if len(ts) == 0 || rate <= 0 {
		return 0
	}
	if len(rec.Positions) != len(h.counts) {
		h.Reset(len(rec.Positions), h.roiStart, h.roiEnd)
	}
	bins := h.Bins()
	added := 0
	for ch, positions := range rec.Positions {
		for _, pos := range positions {
			if pos < 0 || pos >= len(ts) {
				continue
			}
			offset := float64(ts[pos]-ts[0]) / rate
			bin := int(math.Round(offset / h.binSeconds))
			bin = min(max(bin, 0), bins-1)
			h.counts[ch][bin]++
			added++
		}
	}
	h.windows++
	h.spikes += uint64(added)
	return added
}

// Snapshot is an immutable copy of a histogram.
type Snapshot struct {
	ROIStart   float64
	ROIEnd     float64
	BinSeconds float64
	Counts     [][]uint64
	Windows    uint64
	Spikes     uint64
}

// Snapshot copies the current counts.
func (h *Histogram) Snapshot() Snapshot {
	counts := make([][]uint64, len(h.counts))
	for ch, row := range h.counts {
		counts[ch] = slices.Clone(row)
	}
	return Snapshot{
		ROIStart:   h.roiStart,
		ROIEnd:     h.roiEnd,
		BinSeconds: h.binSeconds,
		Counts:     counts,
		Windows:    h.windows,
		Spikes:     h.spikes,
	}
}

// Groups returns the number of channel groups.
func (s Snapshot) Groups() int {
	return (len(s.Counts) + ChannelsPerGroup - 1) / ChannelsPerGroup
}

// Group sums the bins of group g, leaving out disabled (zero-based) channels.
func (s Snapshot) Group(g int, disabled []int) []uint64 {
	if len(s.Counts) == 0 || g < 0 || g >= s.Groups() {
		return nil
	}
	out := make([]uint64, len(s.Counts[0]))
	for ch := g * ChannelsPerGroup; ch < min((g+1)*ChannelsPerGroup, len(s.Counts)); ch++ {
		if slices.Contains(disabled, ch) {
			continue
		}
		for i, v := range s.Counts[ch] {
			out[i] += v
		}
	}
	return out
}

// BinStart returns the trigger-relative start of bin i in seconds.
func (s Snapshot) BinStart(i int) float64 {
	return s.ROIStart + float64(i)*s.BinSeconds
}

// Peak returns the index and value of the largest bin in counts.
func Peak(counts []uint64) (int, uint64) {
	if len(counts) == 0 {
		return -1, 0
	}
	idx := 0
	for i, v := range counts {
		if v > counts[idx] {
			idx = i
		}
	}
	return idx, counts[idx]
}
