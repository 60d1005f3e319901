package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"spikewatch/collector"
	"spikewatch/dsp"
	"spikewatch/event"
	"spikewatch/strutil"
)

// ErrParam is returned for parameter values that cannot be applied.
var ErrParam = errors.New("invalid parameter value")

// MinROIWidth is the narrowest region of interest, in seconds. Narrower
// settings are widened by moving ROIAfter.
const MinROIWidth = 0.02

// Params are the operator-adjustable analysis settings.
type Params struct {
	Threshold      dsp.Thresholds
	RisingEdge     bool
	ROIBefore      float64 // seconds relative to the trigger, usually negative
	ROIAfter       float64
	Holdoff        float64 // seconds between accepted triggers of one channel
	SpikeHoldoff   int     // samples; 0 uses the processor default
	Disabled       []int   // zero-based
	TriggerChannel int     // zero-based or collector.AnyChannel
	Downsample     int
	SampleRate     float64
}

type effect uint8

const (
	effectNone effect = 0
	effectROI  effect = 1 << iota
	effectRate
	effectClear
)

// widenROI enforces MinROIWidth.
func (p *Params) widenROI() {
	if p.ROIAfter-p.ROIBefore < MinROIWidth {
		p.ROIAfter = p.ROIBefore + MinROIWidth
	}
}

// apply updates one field and reports which derived state must be rebuilt.
func (p *Params) apply(change event.ParameterChange) (effect, error) {
	v := change.Value
	switch change.Name {
	case event.ParamThreshold:
		th, err := parseThresholds(v)
		if err != nil {
			return effectNone, err
		}
		p.Threshold = th
	case event.ParamRisingEdge:
		b, err := parseBool(v)
		if err != nil {
			return effectNone, err
		}
		p.RisingEdge = b
	case event.ParamROIBefore, event.ParamROIAfter:
		f, err := parseFloat(v)
		if err != nil {
			return effectNone, err
		}
		if change.Name == event.ParamROIBefore {
			p.ROIBefore = f
		} else {
			p.ROIAfter = f
		}
		p.widenROI()
		return effectROI, nil
	case event.ParamHoldoff:
		f, err := parseFloat(v)
		if err != nil {
			return effectNone, err
		}
		if f < 0 {
			return effectNone, fmt.Errorf("%w: holdoff must be >= 0", ErrParam)
		}
		p.Holdoff = f
	case event.ParamSpikeHoldoff:
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return effectNone, fmt.Errorf("%w: spike_holdoff needs a sample count >= 0, got %q", ErrParam, v)
		}
		p.SpikeHoldoff = n
	case event.ParamDisabledChannels:
		chs, err := strutil.ParseChannelList(v)
		if err != nil {
			return effectNone, fmt.Errorf("%w: %v", ErrParam, err)
		}
		p.Disabled = strutil.ZeroBased(chs)
	case event.ParamTriggerChannel:
		ch, err := parseTriggerChannel(v)
		if err != nil {
			return effectNone, err
		}
		p.TriggerChannel = ch
	case event.ParamDownsample:
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return effectNone, fmt.Errorf("%w: downsample needs an integer >= 1, got %q", ErrParam, v)
		}
		p.Downsample = n
	case event.ParamSamplingRate:
		f, err := parseFloat(v)
		if err != nil {
			return effectNone, err
		}
		if f <= 0 {
			return effectNone, fmt.Errorf("%w: sampling_rate must be > 0", ErrParam)
		}
		p.SampleRate = f
		return effectRate, nil
	case event.ParamClear:
		return effectClear, nil
	default:
		return effectNone, fmt.Errorf("%w: unknown parameter %q", ErrParam, change.Name)
	}
	return effectNone, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrParam, v)
	}
	return f, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "rising":
		return true, nil
	case "0", "false", "no", "off", "falling":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrParam, v)
}

// parseThresholds accepts one value for every channel or a comma separated
// per-channel list.
func parseThresholds(v string) (dsp.Thresholds, error) {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: threshold is empty", ErrParam)
	}
	out := make(dsp.Thresholds, 0, len(fields))
	for _, f := range fields {
		x, err := parseFloat(f)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(x))
	}
	return out, nil
}

// parseTriggerChannel maps the 1-based operator channel to a zero-based
// index; "any" and 0 disable filtering.
func parseTriggerChannel(v string) (int, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "any" || v == "all" || v == "0" {
		return collector.AnyChannel, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: trigger_channel needs a channel >= 1 or \"any\", got %q", ErrParam, v)
	}
	return n - 1, nil
}

// Setting is one displayed parameter.
type Setting struct {
	Name  string
	Value string
}

// Settings renders every parameter in display order for the console.
func (p Params) Settings() []Setting {
	out := make([]Setting, 0, len(event.ParameterNames))
	for _, name := range event.ParameterNames {
		var value string
		switch name {
		case event.ParamThreshold:
			parts := make([]string, len(p.Threshold))
			for i, th := range p.Threshold {
				parts[i] = strconv.FormatFloat(float64(th), 'g', -1, 32)
			}
			value = strings.Join(parts, ",")
		case event.ParamRisingEdge:
			value = strconv.FormatBool(p.RisingEdge)
		case event.ParamROIBefore:
			value = strconv.FormatFloat(p.ROIBefore, 'g', -1, 64)
		case event.ParamROIAfter:
			value = strconv.FormatFloat(p.ROIAfter, 'g', -1, 64)
		case event.ParamHoldoff:
			value = strconv.FormatFloat(p.Holdoff, 'g', -1, 64)
		case event.ParamSpikeHoldoff:
			value = strconv.Itoa(p.SpikeHoldoff)
			if p.SpikeHoldoff == 0 {
				value = "auto"
			}
		case event.ParamDisabledChannels:
			oneBased := make([]int, len(p.Disabled))
			for i, ch := range p.Disabled {
				oneBased[i] = ch + 1
			}
			value = strutil.FormatChannelList(oneBased)
		case event.ParamTriggerChannel:
			value = "any"
			if p.TriggerChannel != collector.AnyChannel {
				value = strconv.Itoa(p.TriggerChannel + 1)
			}
		case event.ParamDownsample:
			value = strconv.Itoa(p.Downsample)
		case event.ParamSamplingRate:
			value = strconv.FormatFloat(p.SampleRate, 'f', -1, 64)
		default:
			continue
		}
		out = append(out, Setting{Name: name, Value: value})
	}
	return out
}

func (p Params) clone() Params {
	p.Threshold = append(dsp.Thresholds(nil), p.Threshold...)
	p.Disabled = append([]int(nil), p.Disabled...)
	return p
}
