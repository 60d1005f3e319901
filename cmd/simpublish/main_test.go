package main

import (
	"testing"

	"spikewatch/event"
	"spikewatch/feed"
)

func TestEncodeEventRoundTrip(t *testing.T) {
	batch, err := event.NewDataBatch([][]float32{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatalf("NewDataBatch: %v", err)
	}
	trig, err := event.NewTriggerAt(2, 1234)
	if err != nil {
		t.Fatalf("NewTriggerAt: %v", err)
	}
	change, err := event.NewParameterChange("threshold", "-45")
	if err != nil {
		t.Fatalf("NewParameterChange: %v", err)
	}
	cases := []struct {
		ev    event.Event
		topic string
		kind  event.Kind
	}{
		{batch.WithTimestamp(100), "sw/data", event.KindData},
		{trig, "sw/event", event.KindTrigger},
		{event.TimestampUpdate{Timestamp: 5000}, "sw/event", event.KindTimestamp},
		{change, "sw/param", event.KindParameter},
	}
	for i, tc := range cases {
		topic, payload, err := encodeEvent("sw", int64(i+1), tc.ev)
		if err != nil {
			t.Fatalf("case %d: encode: %v", i, err)
		}
		if topic != tc.topic {
			t.Fatalf("case %d: expected topic %s, got %s", i, tc.topic, topic)
		}
		hdr, got, err := feed.Decode(payload)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if hdr.MessageNo != int64(i+1) {
			t.Fatalf("case %d: expected message_no %d, got %d", i, i+1, hdr.MessageNo)
		}
		if got == nil || got.Kind() != tc.kind {
			t.Fatalf("case %d: expected %s, got %v", i, tc.kind, got)
		}
	}
}
