// Package collector keeps the trailing window of acquired samples together
// with one timestamp per sample column, and matches queued trigger markers
// against that window to cut out regions of interest.
//
// A Collector is owned by a single goroutine (the engine); it performs no
// locking of its own.
package collector

import (
	"fmt"
	"log"
	"math"
	"time"

	"spikewatch/buffer"
	"spikewatch/event"
	"spikewatch/internal/ratelimit"
)

const (
	// DefaultCapacity is the sample column count buffered when Options leaves
	// it unset. Allocation defaults to twice the capacity.
	DefaultCapacity = 100000
	// DefaultSampleRate matches the acquisition hardware's usual setting.
	DefaultSampleRate = 30000.0
	// DefaultQueueLimit bounds the trigger queue when Options leaves it unset.
	DefaultQueueLimit = 4096
	// AnyChannel disables trigger channel filtering in TriggerRequest.
	AnyChannel = -1

	// debounceTolerance is how far (in samples) a recorded trigger may sit
	// ahead of a new one before it is treated as a timestamp jump.
	debounceTolerance = 1
)

// Metric names reported through Options.Metrics.
const (
	MetricDiscontinuity   = "collector.discontinuity"
	MetricChannelChange   = "collector.channel_change"
	MetricAuxDropped      = "collector.aux_dropped"
	MetricTriggerQueued   = "trigger.queued"
	MetricQueueDropped    = "trigger.queue_dropped"
	MetricDiscardChannel  = "trigger.discard.channel"
	MetricDiscardStale    = "trigger.discard.stale"
	MetricDiscardHoldoff  = "trigger.discard.holdoff"
	MetricDiscardEvicted  = "trigger.discard.evicted"
	MetricDebounceReset   = "trigger.debounce_reset"
	MetricWindowExtracted = "trigger.window"
)

// Metrics receives named counter increments.
type Metrics interface {
	Inc(name string)
}

type nopMetrics struct{}

func (nopMetrics) Inc(string) {}

// Options configures a Collector. Zero values select defaults.
type Options struct {
	Capacity          int     // buffered sample columns
	Allocated         int     // physical columns, >= Capacity
	SampleRate        float64 // samples per second
	RetentionSeconds  float64 // AddData keeps only this much history; 0 keeps up to Capacity
	DropAux           bool    // cut 35/70 channel batches to 32/64
	TriggerQueueLimit int     // 0 selects DefaultQueueLimit; negative means unbounded
	Logger            *log.Logger
	Metrics           Metrics
}

// TriggerRequest parameterizes ProcessTrigger. Offsets and holdoff are in
// seconds; Channel is AnyChannel or a zero-based channel index.
type TriggerRequest struct {
	ROIStart float64
	ROIEnd   float64
	Channel  int
	Holdoff  float64
}

// Window is the data extracted around one accepted trigger. Samples and
// Timestamps are copies and stay valid after further collector mutation.
type Window struct {
	Trigger    event.Trigger
	Lower      int64
	Upper      int64
	Samples    [][]float32
	Timestamps []int64
}

// Len returns the number of sample columns in the window.
func (w Window) Len() int {
	return len(w.Timestamps)
}

// Collector owns the sample store, the timestamp store and the trigger queue.
type Collector struct {
	opts       Options
	log        *log.Logger
	metrics    Metrics
	samples    *buffer.RingStore[float32]
	timestamps *buffer.RingStore[int64]
	channels   int
	current    int64
	rate       float64
	unordered  bool // timestamp row is not non-decreasing

	queue       []event.Trigger
	pendingHead bool // queue head already passed debounce and awaits data
	lastAccept  map[int]int64

	staleLog ratelimit.Counter
	dropLog  ratelimit.Counter
}

// New returns a Collector. Stores are allocated on the first AddData call,
// sized to that batch's channel count.
func New(opts Options) *Collector {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Allocated < opts.Capacity {
		opts.Allocated = 2 * opts.Capacity
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.TriggerQueueLimit == 0 {
		opts.TriggerQueueLimit = DefaultQueueLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	var metrics Metrics = nopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	return &Collector{
		opts:       opts,
		log:        logger,
		metrics:    metrics,
		rate:       opts.SampleRate,
		lastAccept: make(map[int]int64),
		staleLog:   ratelimit.NewCounter(10 * time.Second),
		dropLog:    ratelimit.NewCounter(10 * time.Second),
	}
}

// UpdateTimestamp sets the sample index assigned to the next AddData column.
func (c *Collector) UpdateTimestamp(ts int64) {
	c.current = ts
}

// Timestamp returns the current sample index.
func (c *Collector) Timestamp() int64 {
	return c.current
}

// SetSampleRate changes the rate used to convert seconds into samples.
func (c *Collector) SetSampleRate(rate float64) {
	if rate > 0 {
		c.rate = rate
	}
}

// SampleRate returns samples per second.
func (c *Collector) SampleRate() float64 {
	return c.rate
}

// SetDropAux toggles auxiliary channel removal for subsequent batches.
func (c *Collector) SetDropAux(drop bool) {
	c.opts.DropAux = drop
}

// Capacity returns the configured store capacity in sample columns.
func (c *Collector) Capacity() int {
	return c.opts.Capacity
}

// AddData appends a channels × columns batch stamped [Timestamp(), Timestamp()+k).
// A batch that ends before the oldest buffered timestamp is a stream restart:
// both stores and the debounce state are cleared before appending.
func (c *Collector) AddData(batch [][]float32) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: empty batch", buffer.ErrShape)
	}
	if c.opts.DropAux {
		switch len(batch) {
		case 35:
			batch = batch[:32]
			c.metrics.Inc(MetricAuxDropped)
		case 70:
			batch = batch[:64]
			c.metrics.Inc(MetricAuxDropped)
		}
	}
	k := len(batch[0])
	if k == 0 {
		return nil
	}
	if c.samples == nil {
		if err := c.allocate(len(batch)); err != nil {
			return err
		}
	} else if len(batch) != c.channels {
		c.log.Printf("Collector: channel count changed %d -> %d, discarding %d buffered samples", c.channels, len(batch), c.samples.Len())
		c.metrics.Inc(MetricChannelChange)
		if err := c.allocate(len(batch)); err != nil {
			return err
		}
		c.ResetDebounce()
	}

	ts := make([]int64, k)
	for i := range ts {
		ts[i] = c.current + int64(i)
	}
	if oldest, ok := c.Oldest(); ok && ts[k-1] < oldest {
		newest, _ := c.Newest()
		c.log.Printf("Collector: timestamp jump %d..%d -> %d..%d, dropping buffered data", oldest, newest, ts[0], ts[k-1])
		c.metrics.Inc(MetricDiscontinuity)
		c.samples.Reset()
		c.timestamps.Reset()
		c.ResetDebounce()
	}

	if newest, ok := c.Newest(); !ok {
		c.unordered = false
	} else if ts[0] < newest {
		c.unordered = true
	}
	if err := c.samples.Append(batch); err != nil {
		return fmt.Errorf("collector: append samples: %w", err)
	}
	if err := c.timestamps.AppendRow(ts); err != nil {
		// Both stores share capacity and length, so this only fires on a bug.
		return fmt.Errorf("collector: append timestamps: %w", err)
	}

	if keep := c.retention(); keep > 0 {
		return c.DropBefore(ts[k-1] - keep)
	}
	return nil
}

func (c *Collector) allocate(channels int) error {
	samples, err := buffer.NewRingStore[float32](channels, c.opts.Capacity, c.opts.Allocated)
	if err != nil {
		return fmt.Errorf("collector: allocate sample store: %w", err)
	}
	timestamps, err := buffer.NewRingStore[int64](1, c.opts.Capacity, c.opts.Allocated)
	if err != nil {
		return fmt.Errorf("collector: allocate timestamp store: %w", err)
	}
	c.samples = samples
	c.timestamps = timestamps
	c.channels = channels
	return nil
}

// retention returns the configured history in samples, or 0 when unbounded.
func (c *Collector) retention() int64 {
	if c.opts.RetentionSeconds <= 0 {
		return 0
	}
	return int64(math.Round(c.opts.RetentionSeconds * c.rate))
}

// horizon is how far past the newest buffered sample a trigger may lie before
// it is considered left over from an earlier session.
func (c *Collector) horizon() int64 {
	if keep := c.retention(); keep > 0 {
		return keep
	}
	return int64(c.opts.Capacity)
}

// DropBefore releases every buffered column whose timestamp precedes ts.
// Fewer than two buffered columns is a no-op.
func (c *Collector) DropBefore(ts int64) error {
	if c.timestamps == nil || c.timestamps.Len() < 2 {
		return nil
	}
	n := c.timestamps.SearchFirst(0, ts)
	return c.Trim(n)
}

// KeepLast keeps roughly the newest n samples.
func (c *Collector) KeepLast(n int64) error {
	newest, ok := c.Newest()
	if !ok {
		return nil
	}
	return c.DropBefore(newest - n)
}

// KeepLastSeconds is KeepLast expressed in seconds at the current rate.
func (c *Collector) KeepLastSeconds(seconds float64) error {
	return c.KeepLast(int64(math.Round(seconds * c.rate)))
}

// Trim drops the n oldest columns from both stores.
func (c *Collector) Trim(n int) error {
	if c.samples == nil || n == 0 {
		return nil
	}
	if err := c.timestamps.Drop(n); err != nil {
		return fmt.Errorf("collector: trim timestamps: %w", err)
	}
	if err := c.samples.Drop(n); err != nil {
		return fmt.Errorf("collector: trim samples: %w", err)
	}
	return nil
}

// Resolve stamps t with the current sample index. A trigger without an
// absolute timestamp is placed at BaseTimestamp+SampleOffset.
func (c *Collector) Resolve(t event.Trigger) event.Trigger {
	t.BaseTimestamp = c.current
	if !t.HasTimestamp {
		t.Timestamp = t.BaseTimestamp + t.SampleOffset
		t.HasTimestamp = true
	}
	return t
}

// AddTrigger resolves t and queues it. When the queue is full the oldest
// entry is dropped.
func (c *Collector) AddTrigger(t event.Trigger) event.Trigger {
	t = c.Resolve(t)
	if limit := c.opts.TriggerQueueLimit; limit > 0 && len(c.queue) >= limit {
		dropped := c.queue[0]
		c.pop()
		c.metrics.Inc(MetricQueueDropped)
		if total, ok := c.dropLog.Inc(); ok {
			c.log.Printf("Collector: trigger queue full (%d), dropped %s (total dropped %d)", limit, dropped, total)
		}
	}
	c.queue = append(c.queue, t)
	c.metrics.Inc(MetricTriggerQueued)
	return t
}

func (c *Collector) pop() {
	c.queue[0] = event.Trigger{}
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	c.pendingHead = false
}

// QueueLen returns the number of queued triggers.
func (c *Collector) QueueLen() int {
	return len(c.queue)
}

// ResetDebounce forgets the last accepted trigger of every channel.
func (c *Collector) ResetDebounce() {
	clear(c.lastAccept)
	c.pendingHead = false
}

// ProcessTrigger walks the queue head until it can return a complete window,
// has to wait for more data, or runs out of triggers. Triggers that can never
// produce a window (other channel, stale, inside holdoff, already evicted) are
// removed on the way. A head whose window is not yet fully buffered stays
// queued and is retried on the next call.
func (c *Collector) ProcessTrigger(req TriggerRequest) (Window, bool) {
	for {
		if len(c.queue) == 0 || !c.HasData() {
			return Window{}, false
		}
		t := c.queue[0]
		oldest, _ := c.Oldest()
		newest, _ := c.Newest()

		if req.Channel != AnyChannel && t.Channel != req.Channel {
			c.pop()
			c.metrics.Inc(MetricDiscardChannel)
			continue
		}
		if t.Timestamp > newest+c.horizon() {
			c.pop()
			c.metrics.Inc(MetricDiscardStale)
			if total, ok := c.staleLog.Inc(); ok {
				c.log.Printf("Collector: dropping stale %s, newest data ts %d (total %d)", t, newest, total)
			}
			continue
		}
		if !c.pendingHead {
			last, seen := c.lastAccept[t.Channel]
			if seen && last > t.Timestamp+debounceTolerance {
				c.log.Printf("Collector: timestamp jump during trigger processing (%d -> %d), resetting holdoff", last, t.Timestamp)
				c.metrics.Inc(MetricDebounceReset)
				c.ResetDebounce()
				continue
			}
			if seen && float64(t.Timestamp-last) < req.Holdoff*c.rate {
				c.pop()
				c.metrics.Inc(MetricDiscardHoldoff)
				continue
			}
			c.lastAccept[t.Channel] = t.Timestamp
			c.pendingHead = true
		}

		lower := max(t.Timestamp+int64(math.Round(req.ROIStart*c.rate)), 0)
		upper := t.Timestamp + int64(math.Round(req.ROIEnd*c.rate))
		if lower < oldest {
			c.pop()
			c.metrics.Inc(MetricDiscardEvicted)
			continue
		}
		if upper > newest {
			return Window{}, false
		}

		c.pop()
		w, err := c.extract(t, lower, upper)
		if err != nil {
			c.log.Printf("Collector: extract %s: %v", t, err)
			continue
		}
		c.metrics.Inc(MetricWindowExtracted)
		return w, true
	}
}

// extract copies every column whose timestamp lies in [lower, upper]. A
// sorted timestamp row is cut by binary search; overlapping blocks fall back
// to a full mask scan.
func (c *Collector) extract(t event.Trigger, lower, upper int64) (Window, error) {
	var (
		data [][]float32
		ts   [][]int64
		err  error
	)
	if c.unordered {
		view := c.timestamps.Row(0)
		mask := make([]bool, len(view))
		for i, v := range view {
			mask[i] = v >= lower && v <= upper
		}
		if data, err = c.samples.Select(mask); err != nil {
			return Window{}, err
		}
		if ts, err = c.timestamps.Select(mask); err != nil {
			return Window{}, err
		}
	} else {
		start := c.timestamps.SearchFirst(0, lower)
		stop := c.timestamps.SearchFirst(0, upper+1)
		if data, err = c.samples.Slice(start, stop); err != nil {
			return Window{}, err
		}
		if ts, err = c.timestamps.Slice(start, stop); err != nil {
			return Window{}, err
		}
	}
	return Window{
		Trigger:    t,
		Lower:      lower,
		Upper:      upper,
		Samples:    data,
		Timestamps: ts[0],
	}, nil
}

// HasData reports whether any sample column is buffered.
func (c *Collector) HasData() bool {
	return c.samples != nil && c.samples.Len() > 0
}

// Len returns the number of buffered sample columns.
func (c *Collector) Len() int {
	if c.samples == nil {
		return 0
	}
	return c.samples.Len()
}

// Channels returns the channel count of the allocated stores, 0 before data.
func (c *Collector) Channels() int {
	return c.channels
}

// Oldest returns the timestamp of the oldest buffered column.
func (c *Collector) Oldest() (int64, bool) {
	if !c.HasData() {
		return 0, false
	}
	ts, err := c.timestamps.At(0, 0)
	return ts, err == nil
}

// Newest returns the timestamp of the newest buffered column.
func (c *Collector) Newest() (int64, bool) {
	if !c.HasData() {
		return 0, false
	}
	ts, err := c.timestamps.At(0, -1)
	return ts, err == nil
}

// Samples exposes the sample store for read-only bulk access. Nil before the
// first batch.
func (c *Collector) Samples() *buffer.RingStore[float32] {
	return c.samples
}

// Timestamps exposes the timestamp store for read-only bulk access. Nil before
// the first batch.
func (c *Collector) Timestamps() *buffer.RingStore[int64] {
	return c.timestamps
}

// Tail copies the newest n columns of both stores (fewer when less is buffered).
func (c *Collector) Tail(n int) ([][]float32, []int64) {
	if !c.HasData() || n <= 0 {
		return nil, nil
	}
	n = min(n, c.samples.Len())
	samples, err := c.samples.Slice(-n, c.samples.Len())
	if err != nil {
		return nil, nil
	}
	ts, err := c.timestamps.Slice(-n, c.timestamps.Len())
	if err != nil {
		return nil, nil
	}
	return samples, ts[0]
}
