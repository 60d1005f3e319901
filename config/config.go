// Package config loads the acquisition, trigger, spike detection, feed and
// operator console settings from YAML. A path may name one file or a
// directory whose *.yaml files are merged in lexical order.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"spikewatch/strutil"
)

// Config represents the complete configuration.
type Config struct {
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Spikes      SpikeConfig       `yaml:"spikes"`
	Display     DisplayConfig     `yaml:"display"`
	Feed        FeedConfig        `yaml:"feed"`
	Simulation  SimulationConfig  `yaml:"simulation"`
	Telnet      TelnetConfig      `yaml:"telnet"`
	Logging     LoggingConfig     `yaml:"logging"`
	UI          UIConfig          `yaml:"ui"`

	// LoadedFrom is the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// AcquisitionConfig sizes the sample buffers.
type AcquisitionConfig struct {
	Capacity          int     `yaml:"capacity"`
	Allocated         int     `yaml:"allocated"` // 0 = 2 x capacity
	SamplingRate      float64 `yaml:"sampling_rate"`
	RetentionSeconds  float64 `yaml:"retention_seconds"`
	DropAux           bool    `yaml:"drop_aux"`
	TriggerQueueLimit int     `yaml:"trigger_queue_limit"`
}

// TriggerConfig selects triggers and the region of interest around them.
type TriggerConfig struct {
	Channel             int     `yaml:"channel"` // 1-based; 0 accepts every channel
	ROIBefore           float64 `yaml:"roi_before"`
	ROIAfter            float64 `yaml:"roi_after"`
	HoldoffSeconds      float64 `yaml:"holdoff_seconds"`
	DedupeWindowSamples int64   `yaml:"dedupe_window_samples"`
}

// SpikeConfig configures threshold spike detection.
type SpikeConfig struct {
	Threshold        Thresholds `yaml:"threshold"` // microvolts
	RisingEdge       bool       `yaml:"rising_edge"`
	HoldoffSamples   int        `yaml:"holdoff_samples"` // 0 = 0.75 ms at the sampling rate
	DisabledChannels string     `yaml:"disabled_channels"`
}

// DisplayConfig controls the compressed live view and the histogram.
type DisplayConfig struct {
	DownsampleFactor    int     `yaml:"downsample_factor"`
	WindowSeconds       float64 `yaml:"window_seconds"`
	RefreshMS           int     `yaml:"refresh_ms"`
	HistogramBinSeconds float64 `yaml:"histogram_bin_seconds"`
}

// FeedConfig contains MQTT acquisition feed settings.
type FeedConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	TopicPrefix    string `yaml:"topic_prefix"`
	ClientID       string `yaml:"client_id"`
	PublishResults bool   `yaml:"publish_results"`
	QoS            int    `yaml:"qos"`
}

// SimulationConfig drives the built-in synthetic source.
type SimulationConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	Channels                int     `yaml:"channels"`
	BlockSamples            int     `yaml:"block_samples"`
	Noise                   float64 `yaml:"noise"`
	SpikeAmplitude          float64 `yaml:"spike_amplitude"`
	StimulusIntervalSeconds float64 `yaml:"stimulus_interval_seconds"`
	AutoTrigger             bool    `yaml:"autotrigger"`
	AutoTriggerChannel      int     `yaml:"autotrigger_channel"` // 1-based
	AutoTriggerThreshold    float64 `yaml:"autotrigger_threshold"`
	Seed                    uint64  `yaml:"seed"`
}

// TelnetConfig contains operator console settings.
type TelnetConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	Transport      string `yaml:"transport"` // native | ziutek
	WelcomeMessage string `yaml:"welcome_message"`
}

// LoggingConfig controls the daily log file sink.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// UIConfig selects the local console surface.
type UIConfig struct {
	Mode      string `yaml:"mode"` // headless | tview
	RefreshMS int    `yaml:"refresh_ms"`
}

// Thresholds accepts either a single value or a per-channel list.
type Thresholds []float64

// UnmarshalYAML decodes a scalar into a one-element list.
func (t *Thresholds) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("threshold: %w", err)
		}
		*t = Thresholds{v}
		return nil
	case yaml.SequenceNode:
		var vs []float64
		if err := node.Decode(&vs); err != nil {
			return fmt.Errorf("threshold: %w", err)
		}
		*t = vs
		return nil
	default:
		return fmt.Errorf("threshold: expected a number or a list, got %s", node.Tag)
	}
}

func (t Thresholds) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Acquisition: AcquisitionConfig{
			Capacity:          100000,
			SamplingRate:      30000,
			RetentionSeconds:  2,
			TriggerQueueLimit: 4096,
		},
		Trigger: TriggerConfig{
			ROIBefore:      -0.02,
			ROIAfter:       0.05,
			HoldoffSeconds: 0.001,
		},
		Spikes: SpikeConfig{
			Threshold: Thresholds{-30},
		},
		Display: DisplayConfig{
			DownsampleFactor:    30,
			WindowSeconds:       1,
			RefreshMS:           100,
			HistogramBinSeconds: 0.001,
		},
		Feed: FeedConfig{
			Broker:      "localhost",
			Port:        1883,
			TopicPrefix: "spikewatch",
			ClientID:    "spikewatch",
			QoS:         1,
		},
		Simulation: SimulationConfig{
			Channels:                8,
			BlockSamples:            640,
			Noise:                   8,
			SpikeAmplitude:          80,
			StimulusIntervalSeconds: 0.25,
			AutoTriggerChannel:      1,
			AutoTriggerThreshold:    -50,
			Seed:                    1,
		},
		Telnet: TelnetConfig{
			Port:           7400,
			MaxConnections: 8,
			Transport:      "native",
			WelcomeMessage: "spikewatch console. Type HELP for commands.",
		},
		Logging: LoggingConfig{
			Dir:           "data/logs",
			RetentionDays: 7,
		},
		UI: UIConfig{
			Mode:      "headless",
			RefreshMS: 500,
		},
	}
}

// Load reads path (a YAML file or a directory of YAML files) over the
// defaults and validates the result. Missing paths return an error that
// satisfies errors.Is(err, os.ErrNotExist).
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var data []byte
	if info.IsDir() {
		data, err = mergeDir(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.LoadedFrom = path
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// mergeDir deep-merges every *.yaml/*.yml file of dir, later files winning,
// and re-encodes the result so it can be decoded into Config in one pass.
func mergeDir(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("config: no yaml files in %s: %w", dir, os.ErrNotExist)
	}
	sort.Strings(names)

	merged := map[string]any{}
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", name, err)
		}
		mergeMaps(merged, doc)
	}
	return yaml.Marshal(merged)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

func (c *Config) normalize() {
	if c.Acquisition.Allocated == 0 {
		c.Acquisition.Allocated = 2 * c.Acquisition.Capacity
	}
	c.Telnet.Transport = strutil.NormalizeLower(c.Telnet.Transport)
	if c.Telnet.Transport == "" {
		c.Telnet.Transport = "native"
	}
	c.UI.Mode = strutil.NormalizeLower(c.UI.Mode)
	if c.UI.Mode == "" {
		c.UI.Mode = "headless"
	}
	c.Feed.TopicPrefix = strings.Trim(strings.TrimSpace(c.Feed.TopicPrefix), "/")
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	a := c.Acquisition
	if a.Capacity < 1 {
		errs = append(errs, fmt.Errorf("acquisition.capacity must be >= 1 (got %d)", a.Capacity))
	}
	if a.Allocated < a.Capacity {
		errs = append(errs, fmt.Errorf("acquisition.allocated %d is smaller than capacity %d", a.Allocated, a.Capacity))
	}
	if a.SamplingRate <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.sampling_rate must be > 0 (got %v)", a.SamplingRate))
	}
	if a.RetentionSeconds < 0 {
		errs = append(errs, fmt.Errorf("acquisition.retention_seconds must be >= 0"))
	} else if keep := math.Round(a.RetentionSeconds * a.SamplingRate); keep > float64(a.Capacity) {
		errs = append(errs, fmt.Errorf("acquisition.retention_seconds keeps %.0f samples, more than capacity %d", keep, a.Capacity))
	}
	if c.Trigger.Channel < 0 {
		errs = append(errs, fmt.Errorf("trigger.channel must be >= 0 (0 = any)"))
	}
	if c.Trigger.ROIBefore >= c.Trigger.ROIAfter {
		errs = append(errs, fmt.Errorf("trigger.roi_before (%v) must precede roi_after (%v)", c.Trigger.ROIBefore, c.Trigger.ROIAfter))
	}
	if c.Trigger.HoldoffSeconds < 0 {
		errs = append(errs, fmt.Errorf("trigger.holdoff_seconds must be >= 0"))
	}
	if len(c.Spikes.Threshold) == 0 {
		errs = append(errs, fmt.Errorf("spikes.threshold must not be empty"))
	}
	if c.Spikes.HoldoffSamples < 0 {
		errs = append(errs, fmt.Errorf("spikes.holdoff_samples must be >= 0"))
	}
	if _, err := strutil.ParseChannelList(c.Spikes.DisabledChannels); err != nil {
		errs = append(errs, fmt.Errorf("spikes.disabled_channels: %w", err))
	}
	if c.Display.DownsampleFactor < 1 {
		errs = append(errs, fmt.Errorf("display.downsample_factor must be >= 1"))
	}
	if c.Display.HistogramBinSeconds <= 0 {
		errs = append(errs, fmt.Errorf("display.histogram_bin_seconds must be > 0"))
	}
	if c.Feed.Enabled && strings.TrimSpace(c.Feed.Broker) == "" {
		errs = append(errs, fmt.Errorf("feed.broker is required when the feed is enabled"))
	}
	if c.Feed.QoS < 0 || c.Feed.QoS > 2 {
		errs = append(errs, fmt.Errorf("feed.qos must be 0, 1 or 2 (got %d)", c.Feed.QoS))
	}
	if c.Simulation.Enabled {
		if c.Simulation.Channels < 1 || c.Simulation.BlockSamples < 1 {
			errs = append(errs, fmt.Errorf("simulation.channels and block_samples must be >= 1"))
		}
		if c.Simulation.AutoTrigger && (c.Simulation.AutoTriggerChannel < 1 || c.Simulation.AutoTriggerChannel > c.Simulation.Channels) {
			errs = append(errs, fmt.Errorf("simulation.autotrigger_channel %d outside 1..%d", c.Simulation.AutoTriggerChannel, c.Simulation.Channels))
		}
	}
	switch c.Telnet.Transport {
	case "native", "ziutek":
	default:
		errs = append(errs, fmt.Errorf("telnet.transport %q is not supported (native, ziutek)", c.Telnet.Transport))
	}
	switch c.UI.Mode {
	case "headless", "tview":
	default:
		errs = append(errs, fmt.Errorf("ui.mode %q is not supported (headless, tview)", c.UI.Mode))
	}
	return errors.Join(errs...)
}

// DisabledChannels returns the zero-based disabled channel indexes.
func (c *Config) DisabledChannels() []int {
	chs, err := strutil.ParseChannelList(c.Spikes.DisabledChannels)
	if err != nil {
		return nil
	}
	return strutil.ZeroBased(chs)
}

// Print displays the configuration.
func (c *Config) Print() {
	a := c.Acquisition
	fmt.Printf("Acquisition: capacity=%d allocated=%d rate=%.0f Hz retention=%.2fs drop_aux=%v\n",
		a.Capacity, a.Allocated, a.SamplingRate, a.RetentionSeconds, a.DropAux)
	channel := "any"
	if c.Trigger.Channel > 0 {
		channel = strconv.Itoa(c.Trigger.Channel)
	}
	fmt.Printf("Trigger: channel=%s roi=[%.3f, %.3f]s holdoff=%.4fs\n",
		channel, c.Trigger.ROIBefore, c.Trigger.ROIAfter, c.Trigger.HoldoffSeconds)
	edge := "falling"
	if c.Spikes.RisingEdge {
		edge = "rising"
	}
	fmt.Printf("Spikes: threshold=%s uV (%s edge)", c.Spikes.Threshold, edge)
	if c.Spikes.DisabledChannels != "" {
		fmt.Printf(" disabled=%s", c.Spikes.DisabledChannels)
	}
	fmt.Println()
	if c.Feed.Enabled {
		fmt.Printf("Feed: %s:%d (topics %s/#, qos %d)\n", c.Feed.Broker, c.Feed.Port, c.Feed.TopicPrefix, c.Feed.QoS)
	}
	if c.Simulation.Enabled {
		fmt.Printf("Simulation: %d channels, %d samples/block, autotrigger=%v\n",
			c.Simulation.Channels, c.Simulation.BlockSamples, c.Simulation.AutoTrigger)
	}
	if c.Telnet.Enabled {
		fmt.Printf("Telnet: port %d (%s, max %d connections)\n", c.Telnet.Port, c.Telnet.Transport, c.Telnet.MaxConnections)
	}
}
