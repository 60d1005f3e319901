package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"spikewatch/collector"
	"spikewatch/dsp"
	"spikewatch/event"
	"spikewatch/feed"
	"spikewatch/stats"
)

type recordingPublisher struct {
	results []feed.Result
	err     error
}

func (p *recordingPublisher) Publish(r feed.Result) error {
	p.results = append(p.results, r)
	return p.err
}

func testOptions() Options {
	return Options{
		Collector: collector.Options{Capacity: 1000},
		Params: Params{
			Threshold:      dsp.Thresholds{-50},
			ROIBefore:      -0.01,
			ROIAfter:       0.02,
			TriggerChannel: collector.AnyChannel,
			Downsample:     10,
			SampleRate:     1000,
		},
		ViewSeconds: 0.1,
		BinSeconds:  0.001,
		Stats:       stats.NewTracker(),
		Logger:      log.New(io.Discard, "", 0),
	}
}

// batch builds a two channel block of zeros with dips on channel 0 at the
// given absolute timestamps.
func batch(t *testing.T, start int64, n int, dips ...int64) event.DataBatch {
	t.Helper()
	samples := [][]float32{make([]float32, n), make([]float32, n)}
	for _, d := range dips {
		if d >= start && d < start+int64(n) {
			samples[0][d-start] = -100
		}
	}
	b, err := event.NewDataBatch(samples)
	if err != nil {
		t.Fatalf("NewDataBatch: %v", err)
	}
	return b.WithTimestamp(start)
}

func trigger(t *testing.T, ch int, ts int64) event.Trigger {
	t.Helper()
	tr, err := event.NewTriggerAt(ch, ts)
	if err != nil {
		t.Fatalf("NewTriggerAt: %v", err)
	}
	return tr
}

func TestWindowIsAnalysedAndPublished(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions()
	opts.Publisher = pub
	e := New(opts)

	e.handle(batch(t, 0, 200, 105))
	e.handle(trigger(t, 0, 100))

	if e.stats.Windows() != 1 || e.stats.Spikes() != 1 {
		t.Fatalf("expected 1 window with 1 spike, got %d windows %d spikes", e.stats.Windows(), e.stats.Spikes())
	}
	if len(pub.results) != 1 {
		t.Fatalf("expected one published result, got %d", len(pub.results))
	}
	r := pub.results[0]
	if r.Channel != 1 || r.Lower != 90 || r.Upper != 120 || r.Count != 1 || len(r.Spikes[0]) != 1 || r.Spikes[0][0] != 105 {
		t.Fatalf("unexpected result %+v", r)
	}

	e.publish()
	snap := e.Snapshot()
	if snap.PETH.Windows != 1 || len(snap.PETH.Counts) != 2 {
		t.Fatalf("unexpected histogram %+v", snap.PETH)
	}
	if snap.PETH.Counts[0][15] != 1 {
		t.Fatalf("expected spike in bin 15, got %v", snap.PETH.Counts[0])
	}
	if snap.LastWindow == nil || snap.LastWindow.Spikes != 1 || snap.LastWindow.Columns != 31 {
		t.Fatalf("unexpected last window %+v", snap.LastWindow)
	}
}

func TestTriggerWaitsForData(t *testing.T) {
	e := New(testOptions())
	e.handle(trigger(t, 0, 100))
	e.handle(batch(t, 0, 100))
	if e.stats.Windows() != 0 {
		t.Fatalf("expected the window to wait for data")
	}
	e.handle(batch(t, 100, 100))
	if e.stats.Windows() != 1 {
		t.Fatalf("expected the window once data arrived, got %d", e.stats.Windows())
	}
}

func TestBatchesWithoutTimestampContinueTheClock(t *testing.T) {
	e := New(testOptions())
	first := batch(t, 0, 50)
	first.HasTimestamp = false
	e.handle(first)
	e.handle(first)
	e.publish()
	b := e.Snapshot().Buffer
	if b.Oldest != 0 || b.Newest != 99 || b.Clock != 100 {
		t.Fatalf("unexpected buffer clock %+v", b)
	}
	e.handle(event.TimestampUpdate{Timestamp: 500})
	e.handle(first)
	e.publish()
	if b := e.Snapshot().Buffer; b.Newest != 549 {
		t.Fatalf("expected newest 549 after timestamp update, got %d", b.Newest)
	}
}

func TestOverflowTrimsOldest(t *testing.T) {
	opts := testOptions()
	opts.Collector.Capacity = 100
	e := New(opts)

	e.handle(batch(t, 0, 60))
	e.handle(batch(t, 60, 60))
	e.publish()
	b := e.Snapshot().Buffer
	if b.Len != 100 || b.Oldest != 20 || b.Newest != 119 {
		t.Fatalf("expected trimmed buffer [20,119], got %+v", b)
	}
	if e.stats.Get(MetricOverflowTrim) != 1 {
		t.Fatalf("expected one overflow trim, got %d", e.stats.Get(MetricOverflowTrim))
	}

	e.handle(batch(t, 120, 150))
	if e.stats.Get(MetricBatchDropped) != 1 {
		t.Fatalf("expected oversized batch to be dropped")
	}
	e.publish()
	if b := e.Snapshot().Buffer; b.Clock != 270 || b.Newest != 119 {
		t.Fatalf("expected clock to advance past the dropped batch, got %+v", b)
	}
}

func TestDuplicateTriggersSuppressed(t *testing.T) {
	opts := testOptions()
	opts.DedupeWindow = 1000
	e := New(opts)
	e.handle(trigger(t, 2, 100))
	e.handle(trigger(t, 2, 100))
	e.handle(trigger(t, 2, 300))
	if got := e.stats.Get(MetricTriggerDup); got != 1 {
		t.Fatalf("expected one duplicate, got %d", got)
	}
	if e.collector.QueueLen() != 2 {
		t.Fatalf("expected two queued triggers, got %d", e.collector.QueueLen())
	}
}

func TestOffsetTriggersInDifferentBlocksAreDistinct(t *testing.T) {
	opts := testOptions()
	opts.DedupeWindow = 1000
	e := New(opts)
	offset := func() event.Trigger {
		tr, err := event.NewTrigger(0, 5)
		if err != nil {
			t.Fatalf("NewTrigger: %v", err)
		}
		return tr
	}
	e.handle(batch(t, 0, 100))
	e.handle(offset())
	e.handle(batch(t, 100, 100))
	e.handle(offset())
	if got := e.stats.Get(MetricTriggerDup); got != 0 {
		t.Fatalf("expected no duplicates, got %d", got)
	}
	// ts 105 is analysed once the second block lands; ts 205 waits for data.
	if e.stats.Windows() != 1 || e.collector.QueueLen() != 1 {
		t.Fatalf("expected 1 window and 1 queued trigger, got %d windows %d queued",
			e.stats.Windows(), e.collector.QueueLen())
	}

	// The same offset redelivered inside one block is still a duplicate.
	e.handle(offset())
	if got := e.stats.Get(MetricTriggerDup); got != 1 {
		t.Fatalf("expected one duplicate, got %d", got)
	}
}

func TestAutoTrigger(t *testing.T) {
	opts := testOptions()
	opts.AutoTrigger = &AutoTriggerOptions{Channel: 0, Threshold: -50}
	e := New(opts)
	e.handle(batch(t, 0, 200, 50))
	if e.stats.Get(MetricTriggerAuto) != 1 {
		t.Fatalf("expected one synthesized trigger")
	}
	if e.stats.Windows() != 1 || e.stats.Spikes() != 1 {
		t.Fatalf("expected the synthesized trigger's window to be analysed, got %d windows %d spikes",
			e.stats.Windows(), e.stats.Spikes())
	}
}

func TestSourceRateChange(t *testing.T) {
	e := New(testOptions())
	b := batch(t, 0, 10)
	b.SampleRate = 2000
	e.handle(b)
	if e.params.SampleRate != 2000 || e.collector.SampleRate() != 2000 || e.proc.SampleRate() != 2000 {
		t.Fatalf("expected every component at 2000 Hz")
	}
	if e.stats.Get(MetricRateChange) != 1 {
		t.Fatalf("expected rate change to be counted")
	}
}

func TestViewIsCompressed(t *testing.T) {
	e := New(testOptions())
	e.handle(batch(t, 0, 500, 450))
	e.publish()
	v := e.Snapshot().View
	if len(v.Samples) != 2 || len(v.Samples[0]) != 20 {
		t.Fatalf("expected 2 channels of 20 min/max points, got %d", len(v.Samples[0]))
	}
	if lo, hi, ok := v.Range(0); !ok || lo != -100 || hi != 0 {
		t.Fatalf("unexpected range %v..%v (%v)", lo, hi, ok)
	}
	if _, _, ok := v.Range(5); ok {
		t.Fatalf("expected no range for missing channel")
	}
}

func TestParameterChanges(t *testing.T) {
	e := New(testOptions())
	set := func(name, value string) error {
		t.Helper()
		p, err := event.NewParameterChange(name, value)
		if err != nil {
			t.Fatalf("NewParameterChange(%s): %v", name, err)
		}
		return e.applyParam(p)
	}

	if err := set("roi_after", "-0.005"); err != nil {
		t.Fatalf("roi_after: %v", err)
	}
	if math.Abs(e.params.ROIAfter-0.01) > 1e-9 {
		t.Fatalf("expected narrow roi widened to 0.01, got %v", e.params.ROIAfter)
	}
	if err := set("threshold", "-40, -60"); err != nil || len(e.params.Threshold) != 2 || e.params.Threshold[1] != -60 {
		t.Fatalf("unexpected thresholds %v (%v)", e.params.Threshold, err)
	}
	if err := set("trigger_channel", "3"); err != nil || e.params.TriggerChannel != 2 {
		t.Fatalf("expected zero-based trigger channel 2, got %d (%v)", e.params.TriggerChannel, err)
	}
	if err := set("trigger_channel", "any"); err != nil || e.params.TriggerChannel != collector.AnyChannel {
		t.Fatalf("expected any channel, got %d (%v)", e.params.TriggerChannel, err)
	}
	if err := set("disabled_channels", "1-3, 8"); err != nil || len(e.params.Disabled) != 4 || e.params.Disabled[3] != 7 {
		t.Fatalf("unexpected disabled channels %v (%v)", e.params.Disabled, err)
	}
	if err := set("rising_edge", "on"); err != nil || !e.params.RisingEdge {
		t.Fatalf("expected rising edge (%v)", err)
	}
	if err := set("sampling_rate", "20000"); err != nil || e.proc.HoldoffSamples() != 15 {
		t.Fatalf("expected 15 sample dead time at 20 kHz, got %d (%v)", e.proc.HoldoffSamples(), err)
	}

	for name, value := range map[string]string{
		"downsample":    "0",
		"holdoff":       "-1",
		"threshold":     "abc",
		"sampling_rate": "0",
		"rising_edge":   "maybe",
		"spike_holdoff": "-2",
	} {
		if err := set(name, value); !errors.Is(err, ErrParam) {
			t.Fatalf("%s=%s: expected ErrParam, got %v", name, value, err)
		}
	}
	if e.stats.Get(MetricParamRejected) != 6 {
		t.Fatalf("expected 6 rejected changes, got %d", e.stats.Get(MetricParamRejected))
	}
}

func TestClearResetsHistogram(t *testing.T) {
	e := New(testOptions())
	e.handle(batch(t, 0, 200, 105))
	e.handle(trigger(t, 0, 100))
	reset, _ := event.NewParameterChange(event.ParamClear, "")
	if err := e.applyParam(reset); err != nil {
		t.Fatalf("clear: %v", err)
	}
	snap := e.Snapshot()
	if snap.PETH.Windows != 0 || snap.LastWindow != nil {
		t.Fatalf("expected cleared histogram, got %+v", snap.PETH)
	}
}

func TestSettingsRendering(t *testing.T) {
	p := testOptions().Params
	p.Disabled = []int{0, 1, 2, 9}
	got := map[string]string{}
	for _, s := range p.Settings() {
		got[s.Name] = s.Value
	}
	want := map[string]string{
		event.ParamThreshold:        "-50",
		event.ParamTriggerChannel:   "any",
		event.ParamDisabledChannels: "1-3, 10",
		event.ParamSpikeHoldoff:     "auto",
		event.ParamSamplingRate:     "1000",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: expected %q, got %q", k, v, got[k])
		}
	}
	if _, ok := got[event.ParamClear]; ok {
		t.Fatalf("clear is an action, not a setting")
	}
}

func TestSubmitDropsWhenInboxFull(t *testing.T) {
	opts := testOptions()
	opts.Inbox = 1
	e := New(opts)
	if !e.Submit(event.TimestampUpdate{Timestamp: 1}) {
		t.Fatalf("expected first submit to be accepted")
	}
	if e.Submit(event.TimestampUpdate{Timestamp: 2}) {
		t.Fatalf("expected second submit to be dropped")
	}
	if e.stats.Get(MetricInboxFull) != 1 {
		t.Fatalf("expected inbox_full counter")
	}
}

func TestRunAppliesSetAndStops(t *testing.T) {
	e := New(testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	change, _ := event.NewParameterChange(event.ParamHoldoff, "0.25")
	setCtx, setCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer setCancel()
	if err := e.Set(setCtx, change); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := e.Snapshot().Params.Holdoff; got != 0.25 {
		t.Fatalf("expected holdoff 0.25 in snapshot, got %v", got)
	}
	bad, _ := event.NewParameterChange(event.ParamDownsample, "x")
	if err := e.Set(setCtx, bad); !errors.Is(err, ErrParam) {
		t.Fatalf("expected ErrParam, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
