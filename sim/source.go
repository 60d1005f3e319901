// Package sim generates a synthetic multi-channel recording for running the
// pipeline without hardware: gaussian noise, spikes locked to a periodic
// stimulus, sparse spontaneous spikes, and a trigger per stimulus.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"spikewatch/event"
)

// ErrOptions is returned for unusable generator settings.
var ErrOptions = errors.New("invalid simulation options")

const (
	// spikeWidthSeconds is the length of one synthetic waveform.
	spikeWidthSeconds = 0.0006
	// baseLatencySeconds delays evoked spikes after the stimulus; each
	// channel adds latencyStepSeconds more.
	baseLatencySeconds = 0.004
	latencyStepSeconds = 0.001
	evokedProbability  = 0.8
	spontaneousRate    = 3.0 // spikes per second per channel
	// artifactScale multiplies SpikeAmplitude for the stimulus artefact that
	// the auto-trigger path keys on.
	artifactScale = 2.5
)

// Options configures a Source.
type Options struct {
	Channels         int
	BlockSamples     int
	SampleRate       float64
	Noise            float64 // standard deviation
	SpikeAmplitude   float64 // peak deflection, drawn negative
	StimulusInterval float64 // seconds
	// Artifact draws a stimulus artefact on ArtifactChannel instead of
	// emitting trigger events, for exercising the auto-trigger path.
	Artifact        bool
	ArtifactChannel int
	TriggerChannel  int
	Seed            uint64
}

// Source produces consecutive blocks on a continuous sample clock.
type Source struct {
	opts     Options
	rng      *rand.Rand
	ts       int64
	nextStim int64
	interval int64
	width    int
	pending  []pendingSpike
	stimuli  uint64
}

type pendingSpike struct {
	channel int
	start   int64
	scale   float64
}

// New validates opts and builds a Source starting at timestamp 0.
func New(opts Options) (*Source, error) {
	if opts.Channels < 1 {
		return nil, fmt.Errorf("%w: channels must be >= 1 (got %d)", ErrOptions, opts.Channels)
	}
	if opts.BlockSamples < 1 {
		return nil, fmt.Errorf("%w: block_samples must be >= 1 (got %d)", ErrOptions, opts.BlockSamples)
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive", ErrOptions)
	}
	if opts.StimulusInterval <= 0 {
		return nil, fmt.Errorf("%w: stimulus interval must be positive", ErrOptions)
	}
	if opts.ArtifactChannel < 0 || opts.ArtifactChannel >= opts.Channels {
		return nil, fmt.Errorf("%w: artifact channel %d outside [0,%d)", ErrOptions, opts.ArtifactChannel, opts.Channels)
	}
	interval := int64(math.Round(opts.StimulusInterval * opts.SampleRate))
	if interval < 1 {
		interval = 1
	}
	width := int(math.Round(spikeWidthSeconds * opts.SampleRate))
	if width < 2 {
		width = 2
	}
	return &Source{
		opts:     opts,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		nextStim: interval,
		interval: interval,
		width:    width,
	}, nil
}

// Timestamp returns the timestamp of the next block's first sample.
func (s *Source) Timestamp() int64 {
	return s.ts
}

// Stimuli returns how many stimuli have been generated.
func (s *Source) Stimuli() uint64 {
	return s.stimuli
}

// BlockDuration is the wall-clock span of one block.
func (s *Source) BlockDuration() time.Duration {
	return time.Duration(float64(s.opts.BlockSamples) / s.opts.SampleRate * float64(time.Second))
}

// Next generates one block. The data batch comes first, followed by one
// trigger per stimulus that fell inside the block (none in artefact mode).
func (s *Source) Next() []event.Event {
	n := s.opts.BlockSamples
	start, end := s.ts, s.ts+int64(n)

	var triggers []event.Event
	for s.nextStim < end {
		stim := s.nextStim
		s.stimuli++
		s.scheduleEvoked(stim)
		if !s.opts.Artifact {
			if t, err := event.NewTriggerAt(s.opts.TriggerChannel, stim); err == nil {
				t.SampleOffset = stim - start
				triggers = append(triggers, t)
			}
		}
		s.nextStim += s.interval
	}
	s.scheduleSpontaneous(start, n)

	samples := make([][]float32, s.opts.Channels)
	for ch := range samples {
		row := make([]float32, n)
		for i := range row {
			row[i] = float32(s.rng.NormFloat64() * s.opts.Noise)
		}
		samples[ch] = row
	}
	s.render(samples, start, end)

	batch, _ := event.NewDataBatch(samples)
	batch = batch.WithTimestamp(start)
	batch.SampleRate = s.opts.SampleRate
	s.ts = end

	out := make([]event.Event, 0, 1+len(triggers))
	out = append(out, batch)
	return append(out, triggers...)
}

func (s *Source) scheduleEvoked(stim int64) {
	if s.opts.Artifact {
		s.pending = append(s.pending, pendingSpike{channel: s.opts.ArtifactChannel, start: stim, scale: artifactScale})
	}
	for ch := 0; ch < s.opts.Channels; ch++ {
		if s.opts.Artifact && ch == s.opts.ArtifactChannel {
			continue
		}
		if s.rng.Float64() >= evokedProbability {
			continue
		}
		latency := baseLatencySeconds + latencyStepSeconds*float64(ch%4)
		jitter := s.rng.NormFloat64() * 0.0003
		at := stim + int64(math.Round((latency+jitter)*s.opts.SampleRate))
		s.pending = append(s.pending, pendingSpike{channel: ch, start: at, scale: 1})
	}
}

func (s *Source) scheduleSpontaneous(start int64, n int) {
	p := spontaneousRate / s.opts.SampleRate * float64(n)
	for ch := 0; ch < s.opts.Channels; ch++ {
		if s.opts.Artifact && ch == s.opts.ArtifactChannel {
			continue
		}
		if s.rng.Float64() < p {
			s.pending = append(s.pending, pendingSpike{channel: ch, start: start + s.rng.Int64N(int64(n)), scale: 0.8})
		}
	}
}

// render adds every pending waveform overlapping [start, end) and forgets the
// ones that finished.
func (s *Source) render(samples [][]float32, start, end int64) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		for k := 0; k < s.width; k++ {
			at := p.start + int64(k)
			if at < start || at >= end {
				continue
			}
			samples[p.channel][at-start] += float32(s.waveform(k) * p.scale)
		}
		if p.start+int64(s.width) > end {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// waveform is a negative half-sine followed by a small positive overshoot.
func (s *Source) waveform(k int) float64 {
	dip := s.width * 2 / 3
	if k < dip {
		return -s.opts.SpikeAmplitude * math.Sin(math.Pi*float64(k+1)/float64(dip+1))
	}
	rest := s.width - dip
	return 0.3 * s.opts.SpikeAmplitude * math.Sin(math.Pi*float64(k-dip+1)/float64(rest+1))
}

// Run submits blocks to sink at the recording's real-time pace until ctx is
// done.
func (s *Source) Run(ctx context.Context, sink event.Sink, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("Simulation: %d channels at %.0f Hz, %d samples per block, stimulus every %.3fs",
		s.opts.Channels, s.opts.SampleRate, s.opts.BlockSamples, s.opts.StimulusInterval)
	ticker := time.NewTicker(s.BlockDuration())
	defer ticker.Stop()
	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			logger.Printf("Simulation: stopped after %d stimuli (%d events dropped)", s.stimuli, dropped)
			return
		case <-ticker.C:
			for _, ev := range s.Next() {
				if !sink.Submit(ev) {
					dropped++
				}
			}
		}
	}
}
