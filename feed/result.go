package feed

import (
	"spikewatch/collector"
	"spikewatch/dsp"
)

// Result summarises one analysed trigger window for publication.
type Result struct {
	Channel    int       `json:"trigger_channel"` // 1-based
	Timestamp  int64     `json:"trigger_timestamp"`
	Lower      int64     `json:"lower"`
	Upper      int64     `json:"upper"`
	SampleRate float64   `json:"sample_rate"`
	Spikes     [][]int64 `json:"spikes"` // per channel, spike timestamps
	Count      int       `json:"count"`
}

// NewResult builds a Result from an extracted window and its spike record.
func NewResult(w collector.Window, rec dsp.SpikeRecord, rate float64) Result {
	spikes := make([][]int64, len(rec.Timestamps))
	for ch, ts := range rec.Timestamps {
		spikes[ch] = append([]int64{}, ts...)
	}
	return Result{
		Channel:    w.Trigger.Channel + 1,
		Timestamp:  w.Trigger.Timestamp,
		Lower:      w.Lower,
		Upper:      w.Upper,
		SampleRate: rate,
		Spikes:     spikes,
		Count:      rec.Count(),
	}
}

// EncodeResult frames a result as a header-only "spikes" message.
func EncodeResult(messageNo int64, r Result) ([]byte, error) {
	return encode(Header{MessageNo: messageNo, Type: TypeSpikes}, r, nil)
}
