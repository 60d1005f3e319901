package feed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"

	"spikewatch/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed is returned for messages that cannot be decoded.
var ErrMalformed = errors.New("malformed feed message")

// Message types carried in Header.Type.
const (
	TypeData   = "data"
	TypeEvent  = "event"
	TypeParam  = "param"
	TypeSpikes = "spikes"
)

// Source event codes carried in EventContent.Type.
const (
	EventTimestamp       = 0
	EventBufferSize      = 1
	EventParameterChange = 2
	EventTTL             = 3
	EventSpike           = 4
	EventMessage         = 5
	EventBinaryMessage   = 6
)

// risingEdge is the TTL event id of a rising edge; falling edges are ignored.
const risingEdge = 1

// Header is the JSON line that starts every message. The binary body, when
// present, follows the newline and is DataSize bytes long.
type Header struct {
	MessageNo int64               `json:"message_no"`
	Type      string              `json:"type"`
	Content   jsoniter.RawMessage `json:"content,omitempty"`
	DataSize  int                 `json:"data_size"`
}

// DataContent describes a sample block. The body holds NChannels x NSamples
// little-endian float32 values, channel-major; only the first NRealSamples
// columns carry data.
type DataContent struct {
	NChannels    int     `json:"n_channels"`
	NSamples     int     `json:"n_samples"`
	NRealSamples int     `json:"n_real_samples"`
	SampleRate   float64 `json:"sample_rate,omitempty"`
	Timestamp    *int64  `json:"timestamp,omitempty"`
}

// EventContent describes a TTL or timestamp event. A timestamp event carries
// its value as an int64 little-endian body.
type EventContent struct {
	Type         int    `json:"type"`
	EventID      int    `json:"event_id"`
	EventChannel int    `json:"event_channel"`
	SampleNum    int64  `json:"sample_num"`
	Timestamp    *int64 `json:"timestamp,omitempty"`
}

// ParamContent carries one operator parameter change.
type ParamContent struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Decode parses one message. A nil event with a nil error means the message
// was valid but carries nothing for the pipeline (falling TTL edges, spike
// or text events).
func Decode(payload []byte) (Header, event.Event, error) {
	var hdr Header
	line, body, _ := bytes.Cut(payload, []byte{'\n'})
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if hdr.DataSize > 0 && len(body) < hdr.DataSize {
		return hdr, nil, fmt.Errorf("%w: body has %d bytes, header announces %d", ErrMalformed, len(body), hdr.DataSize)
	}
	switch hdr.Type {
	case TypeData:
		ev, err := decodeData(hdr, body)
		return hdr, ev, err
	case TypeEvent:
		ev, err := decodeEvent(hdr, body)
		return hdr, ev, err
	case TypeParam:
		var c ParamContent
		if err := json.Unmarshal(hdr.Content, &c); err != nil {
			return hdr, nil, fmt.Errorf("%w: param content: %v", ErrMalformed, err)
		}
		p, err := event.NewParameterChange(c.Name, c.Value)
		if err != nil {
			return hdr, nil, err
		}
		return hdr, p, nil
	default:
		return hdr, nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, hdr.Type)
	}
}

func decodeData(hdr Header, body []byte) (event.Event, error) {
	var c DataContent
	if err := json.Unmarshal(hdr.Content, &c); err != nil {
		return nil, fmt.Errorf("%w: data content: %v", ErrMalformed, err)
	}
	if c.NChannels < 1 || c.NSamples < 0 || c.NRealSamples < 0 || c.NRealSamples > c.NSamples {
		return nil, fmt.Errorf("%w: data shape %dx%d (real %d)", ErrMalformed, c.NChannels, c.NSamples, c.NRealSamples)
	}
	need := 4 * c.NChannels * c.NSamples
	if len(body) < need {
		return nil, fmt.Errorf("%w: data body %d bytes, need %d", ErrMalformed, len(body), need)
	}
	if c.NRealSamples == 0 {
		return nil, nil
	}
	samples := make([][]float32, c.NChannels)
	for ch := range samples {
		row := make([]float32, c.NRealSamples)
		base := 4 * ch * c.NSamples
		for i := range row {
			off := base + 4*i
			row[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off : off+4]))
		}
		samples[ch] = row
	}
	batch, err := event.NewDataBatch(samples)
	if err != nil {
		return nil, err
	}
	batch.SampleRate = c.SampleRate
	batch.MessageNo = hdr.MessageNo
	if c.Timestamp != nil {
		batch = batch.WithTimestamp(*c.Timestamp)
	}
	return batch, nil
}

func decodeEvent(hdr Header, body []byte) (event.Event, error) {
	var c EventContent
	if err := json.Unmarshal(hdr.Content, &c); err != nil {
		return nil, fmt.Errorf("%w: event content: %v", ErrMalformed, err)
	}
	switch c.Type {
	case EventTimestamp:
		if len(body) >= 8 {
			return event.TimestampUpdate{Timestamp: int64(binary.LittleEndian.Uint64(body[:8]))}, nil
		}
		if c.Timestamp != nil {
			return event.TimestampUpdate{Timestamp: *c.Timestamp}, nil
		}
		return nil, fmt.Errorf("%w: timestamp event without value", ErrMalformed)
	case EventTTL:
		if c.EventID != risingEdge {
			return nil, nil
		}
		if c.Timestamp != nil {
			t, err := event.NewTriggerAt(c.EventChannel, *c.Timestamp)
			if err != nil {
				return nil, err
			}
			t.SampleOffset = c.SampleNum
			return t, nil
		}
		t, err := event.NewTrigger(c.EventChannel, c.SampleNum)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, nil
	}
}

// encode assembles header line and body.
func encode(hdr Header, content any, body []byte) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	hdr.Content = raw
	hdr.DataSize = len(body)
	line, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(line)+1+len(body))
	out = append(out, line...)
	out = append(out, '\n')
	return append(out, body...), nil
}

// EncodeData frames a sample batch.
func EncodeData(messageNo int64, b event.DataBatch) ([]byte, error) {
	c := DataContent{
		NChannels:    b.Channels(),
		NSamples:     b.Width(),
		NRealSamples: b.Width(),
		SampleRate:   b.SampleRate,
	}
	if b.HasTimestamp {
		ts := b.Timestamp
		c.Timestamp = &ts
	}
	body := make([]byte, 4*c.NChannels*c.NSamples)
	for ch, row := range b.Samples {
		base := 4 * ch * c.NSamples
		for i, v := range row {
			binary.LittleEndian.PutUint32(body[base+4*i:], math.Float32bits(v))
		}
	}
	return encode(Header{MessageNo: messageNo, Type: TypeData}, c, body)
}

// EncodeTrigger frames a rising-edge TTL event.
func EncodeTrigger(messageNo int64, t event.Trigger) ([]byte, error) {
	c := EventContent{Type: EventTTL, EventID: risingEdge, EventChannel: t.Channel, SampleNum: t.SampleOffset}
	if t.HasTimestamp {
		ts := t.Timestamp
		c.Timestamp = &ts
	}
	return encode(Header{MessageNo: messageNo, Type: TypeEvent}, c, nil)
}

// EncodeTimestamp frames a timestamp event with a binary int64 body.
func EncodeTimestamp(messageNo int64, ts int64) ([]byte, error) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(ts))
	return encode(Header{MessageNo: messageNo, Type: TypeEvent}, EventContent{Type: EventTimestamp}, body)
}

// EncodeParam frames a parameter change.
func EncodeParam(messageNo int64, p event.ParameterChange) ([]byte, error) {
	return encode(Header{MessageNo: messageNo, Type: TypeParam}, ParamContent{Name: p.Name, Value: p.Value}, nil)
}

// Sequence detects gaps in message numbers.
type Sequence struct {
	last    int64
	started bool
}

// Observe records n and returns how many messages were skipped since the
// previous one. A number at or below the previous one is a sender restart
// and reports no gap.
func (s *Sequence) Observe(n int64) int64 {
	defer func() {
		s.last = n
		s.started = true
	}()
	if !s.started || n <= s.last {
		return 0
	}
	return n - s.last - 1
}
