// Package dedup implements a shard-locked cache that suppresses repeated
// trigger markers, such as QoS-1 feed redeliveries, within a window measured
// on the sample clock.
package dedup

import (
	"sync"

	"spikewatch/event"
)

// shardCount must remain a power of two so we can use bit masking for fast shard selection.
const shardCount = 16

// TriggerDeduper flags triggers whose Hash32 was already seen within window
// samples. A zero or negative window disables suppression while still
// counting processed triggers.
type TriggerDeduper struct {
	window int64
	shards []cacheShard
}

// cacheShard keeps a portion of the cache guarded by its own lock.
type cacheShard struct {
	mu             sync.Mutex
	cache          map[uint32]int64 // hash -> sample clock when last seen
	processedCount uint64
	duplicateCount uint64
}

// NewTriggerDeduper creates a deduper with the given window in samples.
func NewTriggerDeduper(window int64) *TriggerDeduper {
	shards := make([]cacheShard, shardCount)
	for i := range shards {
		shards[i].cache = make(map[uint32]int64)
	}
	return &TriggerDeduper{window: window, shards: shards}
}

// IsDuplicate records t at sample clock now and reports whether an identical
// trigger was seen within the window.
func (d *TriggerDeduper) IsDuplicate(t event.Trigger, now int64) bool {
	hash := t.Hash32()
	shard := d.shardFor(hash)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.processedCount++
	last, exists := shard.cache[hash]
	shard.cache[hash] = now
	if !exists || d.window <= 0 {
		return false
	}
	age := now - last
	if age < 0 {
		age = -age // sample clock restarted
	}
	if age < d.window {
		shard.duplicateCount++
		return true
	}
	return false
}

// Cleanup removes entries older than the window relative to now. Returns the
// number removed.
func (d *TriggerDeduper) Cleanup(now int64) int {
	removed := 0
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		for hash, seen := range shard.cache {
			age := now - seen
			if age < 0 || age >= d.window {
				delete(shard.cache, hash)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetStats returns current deduplication statistics.
func (d *TriggerDeduper) GetStats() (processed uint64, duplicates uint64, cacheSize int) {
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		processed += shard.processedCount
		duplicates += shard.duplicateCount
		cacheSize += len(shard.cache)
		shard.mu.Unlock()
	}
	return processed, duplicates, cacheSize
}

func (d *TriggerDeduper) shardFor(hash uint32) *cacheShard {
	return &d.shards[hash&(shardCount-1)]
}
