package dsp

import (
	"math"

	"spikewatch/event"
)

// AutoTriggerHoldoff is the blanking interval, in seconds, after each
// synthesized trigger.
const AutoTriggerHoldoff = 0.04

// AutoTrigger synthesizes trigger markers from spikes on one channel. It is
// meant for simulated or replayed streams that carry no hardware triggers.
type AutoTrigger struct {
	proc         *Processor
	Channel      int     // source channel scanned for spikes
	EventChannel int     // channel stamped on synthesized triggers
	Threshold    float32 // falling-edge threshold
	blankUntil   int64
}

// NewAutoTrigger scans channel with the given threshold.
func NewAutoTrigger(proc *Processor, channel int, threshold float32) *AutoTrigger {
	return &AutoTrigger{proc: proc, Channel: channel, Threshold: threshold, blankUntil: math.MinInt64}
}

// Scan looks for the first spike newer than the blanking cutoff. base is the
// sample index the trigger's offset is measured from.
func (a *AutoTrigger) Scan(samples [][]float32, ts []int64, base int64) (event.Trigger, bool) {
	if a.Channel < 0 || a.Channel >= len(samples) || len(ts) != len(samples[a.Channel]) {
		return event.Trigger{}, false
	}
	row := samples[a.Channel]
	first := len(ts)
	for i, t := range ts {
		if t > a.blankUntil {
			first = i
			break
		}
	}
	if first == len(ts) {
		return event.Trigger{}, false
	}
	rec, err := a.proc.SpikeDetect([][]float32{row[first:]}, ts[first:], DetectOptions{
		Threshold: Thresholds{a.Threshold},
	})
	if err != nil || len(rec.Timestamps[0]) == 0 {
		return event.Trigger{}, false
	}
	spikeTS := rec.Timestamps[0][0]
	a.blankUntil = spikeTS + int64(math.Round(AutoTriggerHoldoff*a.proc.SampleRate()))
	return event.Trigger{
		Channel:      a.EventChannel,
		EventID:      1,
		Timestamp:    spikeTS,
		HasTimestamp: true,
		SampleOffset: spikeTS - base,
	}, true
}

// Reset clears the blanking cutoff, e.g. after a stream restart.
func (a *AutoTrigger) Reset() {
	a.blankUntil = math.MinInt64
}
