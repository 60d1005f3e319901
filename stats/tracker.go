// Package stats tracks acquisition counters (batches, samples, triggers,
// windows, spikes and the named discard/recovery counters reported by the
// pipeline) for display in the dashboard, the console and periodic log lines.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks pipeline statistics. It is safe for concurrent use.
type Tracker struct {
	// named counters live in sync.Map + atomic.Uint64 so hot-path increments don't fight over a mutex
	counters sync.Map // string -> *atomic.Uint64
	start    atomic.Int64
	batches  atomic.Uint64
	samples  atomic.Uint64
	windows  atomic.Uint64
	spikes   atomic.Uint64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Inc increases a named counter by one. It satisfies collector.Metrics.
func (t *Tracker) Inc(name string) {
	t.Add(name, 1)
}

// Add increases a named counter by n.
func (t *Tracker) Add(name string, n uint64) {
	if strings.TrimSpace(name) == "" || n == 0 {
		return
	}
	if value, ok := t.counters.Load(name); ok {
		value.(*atomic.Uint64).Add(n)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := t.counters.LoadOrStore(name, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(n)
		return
	}
	counter.Add(n)
}

// Get returns one named counter.
func (t *Tracker) Get(name string) uint64 {
	if value, ok := t.counters.Load(name); ok {
		return value.(*atomic.Uint64).Load()
	}
	return 0
}

// Counts returns a copy of all named counters.
func (t *Tracker) Counts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.counters.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// RecordBatch counts one ingested batch of the given column count.
func (t *Tracker) RecordBatch(columns int) {
	t.batches.Add(1)
	if columns > 0 {
		t.samples.Add(uint64(columns))
	}
}

// RecordWindow counts one analysed trigger window and its spikes.
func (t *Tracker) RecordWindow(spikes int) {
	t.windows.Add(1)
	if spikes > 0 {
		t.spikes.Add(uint64(spikes))
	}
}

// Batches returns the number of ingested batches.
func (t *Tracker) Batches() uint64 { return t.batches.Load() }

// Samples returns the number of ingested sample columns.
func (t *Tracker) Samples() uint64 { return t.samples.Load() }

// Windows returns the number of analysed trigger windows.
func (t *Tracker) Windows() uint64 { return t.windows.Load() }

// Spikes returns the number of detected spikes.
func (t *Tracker) Spikes() uint64 { return t.spikes.Load() }

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters.
func (t *Tracker) Reset() {
	t.counters.Range(func(key, _ any) bool {
		t.counters.Delete(key)
		return true
	})
	t.batches.Store(0)
	t.samples.Store(0)
	t.windows.Store(0)
	t.spikes.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	uptime := t.GetUptime().Truncate(time.Second)
	lines := make([]string, 0, 4)
	lines = append(lines, fmt.Sprintf("Ingest: %s batches, %s samples, uptime %s",
		humanize.Comma(int64(t.Batches())), humanize.Comma(int64(t.Samples())), uptime))
	lines = append(lines, fmt.Sprintf("Analysis: %s windows, %s spikes",
		humanize.Comma(int64(t.Windows())), humanize.Comma(int64(t.Spikes()))))
	counts := t.Counts()
	lines = append(lines, formatCounts("Triggers", "trigger.", counts))
	lines = append(lines, formatCounts("Pipeline", "", filterOut(counts, "trigger.")))
	return lines
}

func filterOut(counts map[string]uint64, prefix string) map[string]uint64 {
	out := make(map[string]uint64, len(counts))
	for k, v := range counts {
		if !strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// formatCounts renders the counters carrying prefix, sorted by name, with the
// prefix removed.
func formatCounts(label, prefix string, counts map[string]uint64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", strings.TrimPrefix(k, prefix), humanize.Comma(int64(counts[k])))
	}
	return builder.String()
}
