// Package dsp holds the signal transforms applied to buffered acquisition
// data: min/max decimation for display and threshold spike detection with a
// per-channel dead time. Functions work on plain slices handed to them and
// keep no reference to the collector.
package dsp

import (
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
)

const (
	// DefaultSpikeHoldoff is the spike dead time in seconds.
	DefaultSpikeHoldoff = 0.00075
	// DefaultThreshold is the spike threshold in microvolts (falling edge).
	DefaultThreshold = -30.0
)

var (
	// ErrFactor is returned by Compress for a decimation factor below 1.
	ErrFactor = errors.New("invalid decimation factor")
	// ErrLength is returned when samples and timestamps disagree in length.
	ErrLength = errors.New("sample/timestamp length mismatch")
)

// Compress decimates samples[channel][column] by factor, emitting the min and
// max of every block of factor columns in that order. Leading columns that do
// not fill a whole block are dropped. When ts is non-nil it must match the
// column count; each block's timestamp is (min+max)/2, emitted twice so the
// output series align positionally.
func Compress(samples [][]float32, factor int, ts []int64) ([][]float32, []float64, error) {
	if factor < 1 {
		return nil, nil, fmt.Errorf("%w: %d", ErrFactor, factor)
	}
	n := 0
	if len(samples) > 0 {
		n = len(samples[0])
	}
	for ch, row := range samples {
		if len(row) != n {
			return nil, nil, fmt.Errorf("%w: channel %d has %d columns, channel 0 has %d", ErrLength, ch, len(row), n)
		}
	}
	if ts != nil && len(ts) != n {
		return nil, nil, fmt.Errorf("%w: %d columns, %d timestamps", ErrLength, n, len(ts))
	}
	skip := n % factor
	blocks := n / factor

	out := make([][]float32, len(samples))
	for ch, row := range samples {
		row = row[skip:]
		dst := make([]float32, 2*blocks)
		for b := 0; b < blocks; b++ {
			block := row[b*factor : (b+1)*factor]
			dst[2*b] = slices.Min(block)
			dst[2*b+1] = slices.Max(block)
		}
		out[ch] = dst
	}
	if ts == nil {
		return out, nil, nil
	}
	ts = ts[skip:]
	outTS := make([]float64, 2*blocks)
	for b := 0; b < blocks; b++ {
		block := ts[b*factor : (b+1)*factor]
		mid := (float64(slices.Min(block)) + float64(slices.Max(block))) / 2
		outTS[2*b] = mid
		outTS[2*b+1] = mid
	}
	return out, outTS, nil
}

// Thresholds holds one threshold for every channel, or a single value shared
// by all of them.
type Thresholds []float32

// For returns the threshold applying to channel ch. Channels beyond the list
// reuse its last entry; an empty list yields 0.
func (t Thresholds) For(ch int) float32 {
	switch {
	case len(t) == 0:
		return 0
	case ch < len(t):
		return t[ch]
	default:
		return t[len(t)-1]
	}
}

// DetectOptions configures SpikeDetect.
type DetectOptions struct {
	Threshold      Thresholds
	RisingEdge     bool  // detect >= threshold and take the maximum; otherwise <= and minimum
	Disabled       []int // zero-based channels skipped entirely
	HoldoffSamples int   // 0 uses the processor's dead time
}

// SpikeRecord lists, per channel, the column index and timestamp of every
// detected spike. Both slices have one entry per input channel.
type SpikeRecord struct {
	Positions  [][]int
	Timestamps [][]int64
}

// Count returns the total number of spikes across channels.
func (r SpikeRecord) Count() int {
	total := 0
	for _, p := range r.Positions {
		total += len(p)
	}
	return total
}

// Processor carries the rate-dependent settings of the detectors.
type Processor struct {
	rate           float64
	holdoffSamples int
	log            *log.Logger
}

// NewProcessor returns a Processor for the given sampling rate.
func NewProcessor(rate float64, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	p := &Processor{log: logger}
	p.SetSampleRate(rate)
	return p
}

// SetSampleRate recomputes the default spike dead time.
func (p *Processor) SetSampleRate(rate float64) {
	if rate <= 0 {
		return
	}
	p.rate = rate
	p.holdoffSamples = int(math.Round(DefaultSpikeHoldoff * rate))
	p.log.Printf("DSP: sampling rate %.0f Hz, spike holdoff %d samples", rate, p.holdoffSamples)
}

// SampleRate returns the configured rate.
func (p *Processor) SampleRate() float64 {
	return p.rate
}

// HoldoffSamples returns the default spike dead time in samples.
func (p *Processor) HoldoffSamples() int {
	return p.holdoffSamples
}

// SpikeDetect finds threshold crossings channel by channel. Within each run
// of samples past the threshold the extreme sample is the spike. Scanning
// resumes at max(runStart+holdoff, runEnd): short runs enforce the dead time,
// long runs resume right after they end. Every channel must have exactly
// len(ts) columns.
func (p *Processor) SpikeDetect(samples [][]float32, ts []int64, opts DetectOptions) (SpikeRecord, error) {
	for ch, row := range samples {
		if len(row) != len(ts) {
			return SpikeRecord{}, fmt.Errorf("%w: channel %d has %d columns, %d timestamps", ErrLength, ch, len(row), len(ts))
		}
	}
	holdoff := opts.HoldoffSamples
	if holdoff <= 0 {
		holdoff = p.holdoffSamples
	}
	rec := SpikeRecord{
		Positions:  make([][]int, len(samples)),
		Timestamps: make([][]int64, len(samples)),
	}
	for ch, row := range samples {
		if slices.Contains(opts.Disabled, ch) {
			continue
		}
		thr := opts.Threshold.For(ch)
		past := func(v float32) bool {
			if opts.RisingEdge {
				return v >= thr
			}
			return v <= thr
		}
		offset := 0
		for offset < len(row) {
			start := offset
			for start < len(row) && !past(row[start]) {
				start++
			}
			if start == len(row) {
				break
			}
			end := start + 1
			tip := start
			for end < len(row) && past(row[end]) {
				if (opts.RisingEdge && row[end] > row[tip]) || (!opts.RisingEdge && row[end] < row[tip]) {
					tip = end
				}
				end++
			}
			rec.Positions[ch] = append(rec.Positions[ch], tip)
			rec.Timestamps[ch] = append(rec.Timestamps[ch], ts[tip])
			offset = max(start+holdoff, end)
		}
	}
	return rec, nil
}
