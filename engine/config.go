package engine

import (
	"time"

	"spikewatch/collector"
	"spikewatch/config"
	"spikewatch/dsp"
)

// OptionsFromConfig translates the loaded configuration. Publisher, Stats
// and Logger are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	a := cfg.Acquisition
	thresholds := make(dsp.Thresholds, len(cfg.Spikes.Threshold))
	for i, v := range cfg.Spikes.Threshold {
		thresholds[i] = float32(v)
	}
	channel := collector.AnyChannel
	if cfg.Trigger.Channel > 0 {
		channel = cfg.Trigger.Channel - 1
	}
	opts := Options{
		Collector: collector.Options{
			Capacity:          a.Capacity,
			Allocated:         a.Allocated,
			RetentionSeconds:  a.RetentionSeconds,
			DropAux:           a.DropAux,
			TriggerQueueLimit: a.TriggerQueueLimit,
		},
		Params: Params{
			Threshold:      thresholds,
			RisingEdge:     cfg.Spikes.RisingEdge,
			ROIBefore:      cfg.Trigger.ROIBefore,
			ROIAfter:       cfg.Trigger.ROIAfter,
			Holdoff:        cfg.Trigger.HoldoffSeconds,
			SpikeHoldoff:   cfg.Spikes.HoldoffSamples,
			Disabled:       cfg.DisabledChannels(),
			TriggerChannel: channel,
			Downsample:     cfg.Display.DownsampleFactor,
			SampleRate:     a.SamplingRate,
		},
		ViewSeconds:  cfg.Display.WindowSeconds,
		BinSeconds:   cfg.Display.HistogramBinSeconds,
		DedupeWindow: cfg.Trigger.DedupeWindowSamples,
		Refresh:      time.Duration(cfg.Display.RefreshMS) * time.Millisecond,
	}
	if s := cfg.Simulation; s.Enabled && s.AutoTrigger {
		opts.AutoTrigger = &AutoTriggerOptions{
			Channel:      s.AutoTriggerChannel - 1,
			EventChannel: max(channel, 0),
			Threshold:    float32(s.AutoTriggerThreshold),
		}
	}
	return opts
}
