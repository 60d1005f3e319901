package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestTrackerCountsConcurrently(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.Inc("trigger.queued")
			}
		}()
	}
	wg.Wait()
	if got := tr.Get("trigger.queued"); got != 8000 {
		t.Fatalf("expected 8000, got %d", got)
	}
	tr.Inc(" ")
	if _, ok := tr.Counts()[" "]; ok {
		t.Fatalf("blank counter names must be ignored")
	}
}

func TestSnapshotLines(t *testing.T) {
	tr := NewTracker()
	tr.RecordBatch(640)
	tr.RecordBatch(1500)
	tr.RecordWindow(3)
	tr.Inc("trigger.discard.stale")
	tr.Add("collector.discontinuity", 2)

	lines := tr.SnapshotLines()
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "2 batches") || !strings.Contains(lines[0], "2,140 samples") {
		t.Fatalf("unexpected ingest line %q", lines[0])
	}
	if !strings.Contains(lines[1], "1 windows") || !strings.Contains(lines[1], "3 spikes") {
		t.Fatalf("unexpected analysis line %q", lines[1])
	}
	if lines[2] != "Triggers: discard.stale=1" {
		t.Fatalf("unexpected trigger line %q", lines[2])
	}
	if lines[3] != "Pipeline: collector.discontinuity=2" {
		t.Fatalf("unexpected pipeline line %q", lines[3])
	}

	tr.Reset()
	if tr.Batches() != 0 || len(tr.Counts()) != 0 {
		t.Fatalf("expected reset tracker")
	}
	if got := tr.SnapshotLines()[2]; got != "Triggers: (none)" {
		t.Fatalf("unexpected empty line %q", got)
	}
}
