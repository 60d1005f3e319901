package dsp

import "testing"

func TestAutoTriggerBlanking(t *testing.T) {
	p := quietProcessor(1000) // blanking 40 samples
	a := NewAutoTrigger(p, 1, -30)
	a.EventChannel = 2

	n := 100
	quiet := make([]float32, n)
	spiky := make([]float32, n)
	spiky[10] = -60
	spiky[30] = -60 // inside blanking
	spiky[70] = -60
	samples := [][]float32{quiet, spiky}
	ts := seq(n, 1000)

	tr, ok := a.Scan(samples, ts, 1000)
	if !ok || tr.Timestamp != 1010 || tr.SampleOffset != 10 || tr.Channel != 2 {
		t.Fatalf("expected trigger at 1010, got ok=%v %+v", ok, tr)
	}
	tr, ok = a.Scan(samples, ts, 1000)
	if !ok || tr.Timestamp != 1070 {
		t.Fatalf("expected blanked spike skipped and trigger at 1070, got ok=%v %+v", ok, tr)
	}
	if _, ok := a.Scan(samples, ts, 1000); ok {
		t.Fatalf("expected no trigger inside blanking window")
	}
	a.Reset()
	if tr, ok := a.Scan(samples, ts, 1000); !ok || tr.Timestamp != 1010 {
		t.Fatalf("expected reset to clear blanking, got ok=%v %+v", ok, tr)
	}
}

func TestAutoTriggerIgnoresBadChannel(t *testing.T) {
	a := NewAutoTrigger(quietProcessor(1000), 5, -30)
	if _, ok := a.Scan([][]float32{{-100}}, []int64{1}, 0); ok {
		t.Fatalf("expected no trigger for a channel outside the batch")
	}
}
