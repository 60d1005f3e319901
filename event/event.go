// Package event defines the records that flow from acquisition sources into the
// processing engine: sample batches, trigger markers, out-of-band timestamp
// updates and operator parameter changes. Each kind is its own struct and is
// validated by its constructor.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// ErrInvalid is returned by the constructors when required fields are missing
// or malformed.
var ErrInvalid = errors.New("invalid event")

// Kind identifies the variant carried by an Event.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindTrigger
	KindTimestamp
	KindParameter
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindTrigger:
		return "trigger"
	case KindTimestamp:
		return "timestamp"
	case KindParameter:
		return "param"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is implemented by every variant.
type Event interface {
	Kind() Kind
}

// Sink accepts events from a source goroutine. Submit must not block; it
// reports false when the event was dropped.
type Sink interface {
	Submit(ev Event) bool
}

// DataBatch is a rectangular block of readings: Samples[channel][column].
type DataBatch struct {
	Samples      [][]float32
	Timestamp    int64 // first column's sample index, valid when HasTimestamp
	HasTimestamp bool
	SampleRate   float64 // 0 when the source did not report one
	MessageNo    int64
}

// NewDataBatch validates that samples is non-empty and rectangular.
func NewDataBatch(samples [][]float32) (DataBatch, error) {
	if len(samples) == 0 {
		return DataBatch{}, fmt.Errorf("%w: data batch has no channels", ErrInvalid)
	}
	width := len(samples[0])
	for ch, row := range samples {
		if len(row) != width {
			return DataBatch{}, fmt.Errorf("%w: channel %d has %d samples, channel 0 has %d", ErrInvalid, ch, len(row), width)
		}
	}
	return DataBatch{Samples: samples}, nil
}

// WithTimestamp returns a copy stamped with the first column's sample index.
func (b DataBatch) WithTimestamp(ts int64) DataBatch {
	b.Timestamp = ts
	b.HasTimestamp = true
	return b
}

func (DataBatch) Kind() Kind { return KindData }

// Channels returns the batch row count.
func (b DataBatch) Channels() int { return len(b.Samples) }

// Width returns the number of sample columns.
func (b DataBatch) Width() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Trigger marks a point of interest in the sample stream. Channel is the
// zero-based source channel of the marker. BaseTimestamp is stamped by the
// collector on arrival; when the source gave no absolute timestamp, Timestamp
// is derived as BaseTimestamp + SampleOffset.
type Trigger struct {
	Channel       int
	EventID       int
	Timestamp     int64
	HasTimestamp  bool
	SampleOffset  int64
	BaseTimestamp int64
}

// NewTrigger builds a trigger whose absolute position is not yet known.
func NewTrigger(channel int, sampleOffset int64) (Trigger, error) {
	if channel < 0 {
		return Trigger{}, fmt.Errorf("%w: trigger channel %d", ErrInvalid, channel)
	}
	return Trigger{Channel: channel, EventID: 1, SampleOffset: sampleOffset}, nil
}

// NewTriggerAt builds a trigger with an absolute sample timestamp.
func NewTriggerAt(channel int, ts int64) (Trigger, error) {
	t, err := NewTrigger(channel, 0)
	if err != nil {
		return Trigger{}, err
	}
	t.Timestamp = ts
	t.HasTimestamp = true
	return t, nil
}

func (Trigger) Kind() Kind { return KindTrigger }

// Hash32 returns a 32-bit hash over a fixed byte layout for duplicate
// suppression. Triggers without an absolute timestamp hash their offset
// instead, so redelivered source messages still collide.
func (t Trigger) Hash32() uint32 {
	var buf [17]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.Channel))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(t.EventID))
	if t.HasTimestamp {
		buf[8] = 1
		binary.LittleEndian.PutUint64(buf[9:17], uint64(t.Timestamp))
	} else {
		binary.LittleEndian.PutUint64(buf[9:17], uint64(t.SampleOffset))
	}
	return uint32(xxh3.Hash(buf[:]))
}

func (t Trigger) String() string {
	if t.HasTimestamp {
		return fmt.Sprintf("trigger ch=%d ts=%d", t.Channel+1, t.Timestamp)
	}
	return fmt.Sprintf("trigger ch=%d offset=%d", t.Channel+1, t.SampleOffset)
}

// TimestampUpdate reports the current sample index out of band from data.
type TimestampUpdate struct {
	Timestamp int64
}

func (TimestampUpdate) Kind() Kind { return KindTimestamp }

// Parameter names accepted by NewParameterChange.
const (
	ParamThreshold        = "threshold"
	ParamRisingEdge       = "rising_edge"
	ParamROIBefore        = "roi_before"
	ParamROIAfter         = "roi_after"
	ParamHoldoff          = "holdoff"
	ParamSpikeHoldoff     = "spike_holdoff"
	ParamDisabledChannels = "disabled_channels"
	ParamTriggerChannel   = "trigger_channel"
	ParamDownsample       = "downsample"
	ParamSamplingRate     = "sampling_rate"
	ParamClear            = "clear"
)

// ParameterNames lists every accepted parameter in display order.
var ParameterNames = []string{
	ParamThreshold,
	ParamRisingEdge,
	ParamROIBefore,
	ParamROIAfter,
	ParamHoldoff,
	ParamSpikeHoldoff,
	ParamDisabledChannels,
	ParamTriggerChannel,
	ParamDownsample,
	ParamSamplingRate,
	ParamClear,
}

// ParameterChange asks the engine to change one named setting. Value is kept
// as text and parsed by the engine, which knows each parameter's type.
type ParameterChange struct {
	Name  string
	Value string
}

// NewParameterChange normalizes name and rejects unknown parameters.
func NewParameterChange(name, value string) (ParameterChange, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !IsParameter(name) {
		return ParameterChange{}, fmt.Errorf("%w: unknown parameter %q", ErrInvalid, name)
	}
	return ParameterChange{Name: name, Value: strings.TrimSpace(value)}, nil
}

// IsParameter reports whether name is a known parameter.
func IsParameter(name string) bool {
	for _, p := range ParameterNames {
		if p == name {
			return true
		}
	}
	return false
}

func (ParameterChange) Kind() Kind { return KindParameter }
