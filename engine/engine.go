// Package engine drives acquisition and analysis. One goroutine owns the
// collector, the detector and the histogram; sources hand it events through
// Submit and readers observe it through immutable snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"spikewatch/buffer"
	"spikewatch/collector"
	"spikewatch/dedup"
	"spikewatch/dsp"
	"spikewatch/event"
	"spikewatch/feed"
	"spikewatch/internal/ratelimit"
	"spikewatch/peth"
	"spikewatch/stats"
)

// Counter names reported to the stats tracker in addition to the collector's.
const (
	MetricInboxFull      = "engine.inbox_full"
	MetricOverflowTrim   = "engine.overflow_trim"
	MetricBatchDropped   = "engine.batch_dropped"
	MetricRateChange     = "engine.rate_change"
	MetricParamApplied   = "engine.param_applied"
	MetricParamRejected  = "engine.param_rejected"
	MetricPublishFailed  = "engine.publish_failed"
	MetricTriggerDup     = "trigger.duplicate"
	MetricTriggerAuto    = "trigger.auto"
	MetricTriggerInvalid = "trigger.invalid"
)

const (
	defaultInbox   = 1024
	defaultRefresh = 100 * time.Millisecond
)

// Publisher receives one result per analysed window.
type Publisher interface {
	Publish(r feed.Result) error
}

// AutoTriggerOptions enables synthesized triggers from one channel's spikes.
type AutoTriggerOptions struct {
	Channel      int // zero-based source channel
	EventChannel int // channel stamped on the synthesized triggers
	Threshold    float32
}

// Options configures an Engine.
type Options struct {
	Collector    collector.Options
	Params       Params
	ViewSeconds  float64
	BinSeconds   float64
	DedupeWindow int64 // samples; 0 disables duplicate suppression
	Inbox        int
	Refresh      time.Duration
	AutoTrigger  *AutoTriggerOptions
	Publisher    Publisher
	Stats        *stats.Tracker
	Logger       *log.Logger
}

// Engine is the single owner of the analysis state.
type Engine struct {
	opts      Options
	log       *log.Logger
	stats     *stats.Tracker
	collector *collector.Collector
	proc      *dsp.Processor
	hist      *peth.Histogram
	dedupe    *dedup.TriggerDeduper
	auto      *dsp.AutoTrigger
	publisher Publisher
	params    Params

	inbox    chan event.Event
	control  chan request
	snapshot atomic.Pointer[Snapshot]
	last     *WindowSummary

	overflowLog ratelimit.Counter
	publishLog  ratelimit.Counter
}

type request struct {
	change event.ParameterChange
	reply  chan error
}

// New builds an engine. The collector's sample rate follows Params.SampleRate.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.Inbox <= 0 {
		opts.Inbox = defaultInbox
	}
	if opts.Refresh <= 0 {
		opts.Refresh = defaultRefresh
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewTracker()
	}
	if opts.Params.SampleRate <= 0 {
		opts.Params.SampleRate = collector.DefaultSampleRate
	}
	if opts.Params.Downsample < 1 {
		opts.Params.Downsample = 1
	}
	if len(opts.Params.Threshold) == 0 {
		opts.Params.Threshold = dsp.Thresholds{dsp.DefaultThreshold}
	}
	opts.Params.widenROI()

	copts := opts.Collector
	copts.SampleRate = opts.Params.SampleRate
	copts.Logger = logger
	copts.Metrics = opts.Stats

	e := &Engine{
		opts:        opts,
		log:         logger,
		stats:       opts.Stats,
		collector:   collector.New(copts),
		proc:        dsp.NewProcessor(opts.Params.SampleRate, logger),
		hist:        peth.New(0, opts.Params.ROIBefore, opts.Params.ROIAfter, opts.BinSeconds),
		dedupe:      dedup.NewTriggerDeduper(opts.DedupeWindow),
		publisher:   opts.Publisher,
		params:      opts.Params.clone(),
		inbox:       make(chan event.Event, opts.Inbox),
		control:     make(chan request),
		overflowLog: ratelimit.NewCounter(10 * time.Second),
		publishLog:  ratelimit.NewCounter(10 * time.Second),
	}
	if at := opts.AutoTrigger; at != nil {
		e.auto = dsp.NewAutoTrigger(e.proc, at.Channel, at.Threshold)
		e.auto.EventChannel = at.EventChannel
	}
	e.publish()
	return e
}

// Submit queues an event without blocking. It returns false when the inbox
// is full and the event was dropped.
func (e *Engine) Submit(ev event.Event) bool {
	select {
	case e.inbox <- ev:
		return true
	default:
		e.stats.Inc(MetricInboxFull)
		return false
	}
}

// Set applies a parameter change on the engine goroutine and waits for the
// outcome.
func (e *Engine) Set(ctx context.Context, change event.ParameterChange) error {
	req := request{change: change, reply: make(chan error, 1)}
	select {
	case e.control <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the most recently published state. It never returns nil.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Stats returns the tracker the engine reports to.
func (e *Engine) Stats() *stats.Tracker {
	return e.stats
}

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Refresh)
	defer ticker.Stop()
	e.log.Printf("Engine: running (capacity %d samples, rate %.0f Hz, roi [%.3f, %.3f]s)",
		e.collector.Capacity(), e.params.SampleRate, e.params.ROIBefore, e.params.ROIAfter)
	for {
		select {
		case <-ctx.Done():
			e.publish()
			e.log.Println("Engine: stopped")
			return nil
		case ev := <-e.inbox:
			e.handle(ev)
		case req := <-e.control:
			req.reply <- e.applyParam(req.change)
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) handle(ev event.Event) {
	switch v := ev.(type) {
	case event.DataBatch:
		e.handleData(v)
	case event.Trigger:
		e.handleTrigger(v)
	case event.TimestampUpdate:
		e.collector.UpdateTimestamp(v.Timestamp)
	case event.ParameterChange:
		if err := e.applyParam(v); err != nil {
			e.log.Printf("Engine: parameter %s=%q rejected: %v", v.Name, v.Value, err)
		}
	default:
		e.log.Printf("Engine: ignoring unsupported event %T", ev)
	}
}

func (e *Engine) handleData(b event.DataBatch) {
	if b.SampleRate > 0 && b.SampleRate != e.params.SampleRate {
		e.log.Printf("Engine: source reports %.0f Hz (was %.0f Hz)", b.SampleRate, e.params.SampleRate)
		e.setSampleRate(b.SampleRate)
	}
	if b.HasTimestamp {
		e.collector.UpdateTimestamp(b.Timestamp)
	}
	base := e.collector.Timestamp()
	k := b.Width()
	if err := e.addData(b.Samples); err != nil {
		e.stats.Inc(MetricBatchDropped)
		e.log.Printf("Engine: dropping batch at ts %d: %v", base, err)
		e.collector.UpdateTimestamp(base + int64(k))
		return
	}
	e.collector.UpdateTimestamp(base + int64(k))
	e.stats.RecordBatch(k)

	if e.auto != nil {
		ts := make([]int64, k)
		for i := range ts {
			ts[i] = base + int64(i)
		}
		if t, ok := e.auto.Scan(b.Samples, ts, base); ok {
			e.stats.Inc(MetricTriggerAuto)
			e.collector.AddTrigger(t)
		}
	}
	e.drain()
}

// addData appends a batch, trimming the oldest columns once when the store
// is full.
func (e *Engine) addData(samples [][]float32) error {
	err := e.collector.AddData(samples)
	if !errors.Is(err, buffer.ErrOverflow) {
		return err
	}
	need := e.collector.Len() + len(samples[0]) - e.collector.Capacity()
	if need > e.collector.Len() {
		return fmt.Errorf("batch of %d columns exceeds capacity %d: %w", len(samples[0]), e.collector.Capacity(), err)
	}
	e.stats.Inc(MetricOverflowTrim)
	if total, ok := e.overflowLog.Inc(); ok {
		e.log.Printf("Engine: buffer full, trimming %d oldest samples (total %d)", need, total)
	}
	if err := e.collector.Trim(need); err != nil {
		return err
	}
	return e.collector.AddData(samples)
}

func (e *Engine) handleTrigger(t event.Trigger) {
	if t.Channel < 0 {
		e.stats.Inc(MetricTriggerInvalid)
		return
	}
	// Offset-only triggers hash by their resolved position.
	t = e.collector.Resolve(t)
	if e.dedupe.IsDuplicate(t, e.collector.Timestamp()) {
		e.stats.Inc(MetricTriggerDup)
		return
	}
	e.collector.AddTrigger(t)
	e.drain()
}

// drain turns every complete trigger window into spikes, histogram counts
// and published results.
func (e *Engine) drain() int {
	req := collector.TriggerRequest{
		ROIStart: e.params.ROIBefore,
		ROIEnd:   e.params.ROIAfter,
		Channel:  e.params.TriggerChannel,
		Holdoff:  e.params.Holdoff,
	}
	opts := dsp.DetectOptions{
		Threshold:      e.params.Threshold,
		RisingEdge:     e.params.RisingEdge,
		Disabled:       e.params.Disabled,
		HoldoffSamples: e.params.SpikeHoldoff,
	}
	n := 0
	for {
		w, ok := e.collector.ProcessTrigger(req)
		if !ok {
			return n
		}
		n++
		rec, err := e.proc.SpikeDetect(w.Samples, w.Timestamps, opts)
		if err != nil {
			e.log.Printf("Engine: spike detection on %s: %v", w.Trigger, err)
			continue
		}
		e.hist.Add(rec, w.Timestamps, e.params.SampleRate)
		count := rec.Count()
		e.stats.RecordWindow(count)
		e.last = &WindowSummary{Trigger: w.Trigger, Lower: w.Lower, Upper: w.Upper, Columns: w.Len(), Spikes: count}
		if e.publisher != nil {
			if err := e.publisher.Publish(feed.NewResult(w, rec, e.params.SampleRate)); err != nil {
				e.stats.Inc(MetricPublishFailed)
				if total, ok := e.publishLog.Inc(); ok {
					e.log.Printf("Engine: publish failed: %v (total %d)", err, total)
				}
			}
		}
	}
}

func (e *Engine) applyParam(change event.ParameterChange) error {
	eff, err := e.params.apply(change)
	if err != nil {
		e.stats.Inc(MetricParamRejected)
		return err
	}
	e.stats.Inc(MetricParamApplied)
	switch {
	case eff&effectROI != 0:
		e.hist.Reset(e.hist.Channels(), e.params.ROIBefore, e.params.ROIAfter)
		e.log.Printf("Engine: roi [%.3f, %.3f]s, histogram cleared", e.params.ROIBefore, e.params.ROIAfter)
	case eff&effectRate != 0:
		e.setSampleRate(e.params.SampleRate)
	case eff&effectClear != 0:
		e.hist.Clear()
		e.last = nil
		e.log.Println("Engine: histogram cleared")
	default:
		e.log.Printf("Engine: %s set to %q", change.Name, change.Value)
	}
	e.publish()
	return nil
}

func (e *Engine) setSampleRate(rate float64) {
	e.params.SampleRate = rate
	e.collector.SetSampleRate(rate)
	e.proc.SetSampleRate(rate)
	e.stats.Inc(MetricRateChange)
}

func (e *Engine) tick() {
	if removed := e.dedupe.Cleanup(e.collector.Timestamp()); removed > 0 {
		e.stats.Add("trigger.dedupe_expired", uint64(removed))
	}
	e.publish()
}

// publish builds and stores a new snapshot.
func (e *Engine) publish() {
	snap := &Snapshot{
		Taken:  time.Now().UTC(),
		Params: e.params.clone(),
		Buffer: e.bufferInfo(),
		PETH:   e.hist.Snapshot(),
		View:   e.view(),
	}
	if e.last != nil {
		last := *e.last
		snap.LastWindow = &last
	}
	e.snapshot.Store(snap)
}

func (e *Engine) bufferInfo() BufferInfo {
	info := BufferInfo{
		Channels: e.collector.Channels(),
		Len:      e.collector.Len(),
		Capacity: e.collector.Capacity(),
		Queue:    e.collector.QueueLen(),
		Clock:    e.collector.Timestamp(),
	}
	if s := e.collector.Samples(); s != nil {
		info.Allocated = s.Allocated()
		info.Compactions = s.Compactions()
	}
	info.Oldest, _ = e.collector.Oldest()
	info.Newest, _ = e.collector.Newest()
	return info
}

// view compresses the trailing display window.
func (e *Engine) view() View {
	n := int(math.Round(e.opts.ViewSeconds * e.params.SampleRate))
	samples, ts := e.collector.Tail(n)
	if len(samples) == 0 {
		return View{Factor: e.params.Downsample}
	}
	comp, times, err := dsp.Compress(samples, e.params.Downsample, ts)
	if err != nil {
		return View{Factor: e.params.Downsample}
	}
	return View{Samples: comp, Timestamps: times, Factor: e.params.Downsample, Rate: e.params.SampleRate}
}
