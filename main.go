// Program spikewatch runs the acquisition engine: it buffers multichannel
// samples from the MQTT feed or the built-in simulator, cuts trigger-locked
// windows, detects threshold crossings, accumulates the PETH and serves the
// operator console over telnet.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"spikewatch/commands"
	"spikewatch/config"
	"spikewatch/engine"
	"spikewatch/event"
	"spikewatch/feed"
	"spikewatch/peth"
	"spikewatch/sim"
	"spikewatch/stats"
	"spikewatch/telnet"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "SPIKEWATCH_CONFIG_PATH"
	statsInterval     = 30 * time.Second
)

// Version will be set at build time
var Version = "dev"

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries SPIKEWATCH_CONFIG_PATH first, then data/config; only a
// missing path falls through to the next candidate.
// Upstream: main startup.
// Downstream: config.Load.
func loadConfig() (*config.Config, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

// engineSink lets the feed client be built before the engine it feeds; the
// engine in turn publishes results through the client.
type engineSink struct {
	eng *engine.Engine
}

func (s *engineSink) Submit(ev event.Event) bool {
	if s.eng == nil {
		return false
	}
	return s.eng.Submit(ev)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Logging: file sink disabled: %v", logErr)
	}
	log.Printf("Loaded configuration from %s", cfg.LoadedFrom)

	var dash *dashboard
	switch mode := strings.ToLower(strings.TrimSpace(cfg.UI.Mode)); mode {
	case "", "headless":
		log.Printf("UI disabled (mode=headless)")
	case "tview":
		if !isStdoutTTY() {
			log.Printf("UI disabled (tview requires an interactive console)")
		} else {
			dash = newDashboard(true)
		}
	default:
		log.Printf("UI mode %q not recognized; defaulting to headless", mode)
	}
	if dash != nil {
		dash.WaitReady()
		defer dash.Stop()
		fanout.SetConsoleSink(dash.SystemWriter(), true)
		dash.SetStats([]string{"Initializing..."})
	} else {
		cfg.Print()
	}

	log.Printf("spikewatch v%s starting...", Version)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := stats.NewTracker()
	opts := engine.OptionsFromConfig(cfg)
	opts.Stats = tracker
	opts.Logger = log.Default()

	sink := &engineSink{}
	var feedClient *feed.Client
	if cfg.Feed.Enabled {
		feedClient = feed.NewClient(feed.Options{
			Broker:      cfg.Feed.Broker,
			Port:        cfg.Feed.Port,
			TopicPrefix: cfg.Feed.TopicPrefix,
			ClientID:    cfg.Feed.ClientID,
			QoS:         byte(cfg.Feed.QoS),
			Logger:      log.Default(),
		}, sink)
		if cfg.Feed.PublishResults {
			opts.Publisher = feedClient
		}
	}

	eng := engine.New(opts)
	sink.eng = eng

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			log.Printf("Engine: %v", err)
		}
	}()

	if feedClient != nil {
		if err := feedClient.Connect(); err != nil {
			log.Printf("Feed: %v (paho keeps retrying)", err)
		}
	}

	if cfg.Simulation.Enabled {
		s := cfg.Simulation
		source, err := sim.New(sim.Options{
			Channels:         s.Channels,
			BlockSamples:     s.BlockSamples,
			SampleRate:       cfg.Acquisition.SamplingRate,
			Noise:            s.Noise,
			SpikeAmplitude:   s.SpikeAmplitude,
			StimulusInterval: s.StimulusIntervalSeconds,
			Artifact:         s.AutoTrigger,
			ArtifactChannel:  s.AutoTriggerChannel - 1,
			TriggerChannel:   max(cfg.Trigger.Channel-1, 0),
			Seed:             s.Seed,
		})
		if err != nil {
			log.Fatalf("Simulation: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			source.Run(ctx, eng, log.Default())
		}()
	}

	var telnetServer *telnet.Server
	if cfg.Telnet.Enabled {
		telnetServer = telnet.NewServer(telnet.ServerOptions{
			Port:           cfg.Telnet.Port,
			MaxConnections: cfg.Telnet.MaxConnections,
			Transport:      cfg.Telnet.Transport,
			WelcomeMessage: cfg.Telnet.WelcomeMessage,
			Logger:         log.Default(),
		}, commands.NewProcessor(eng, log.Default()))
		if err := telnetServer.Start(); err != nil {
			log.Fatalf("Telnet: failed to start: %v", err)
		}
	}

	go displayStats(ctx, cfg, eng, feedClient, telnetServer, dash, fanout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")

	if telnetServer != nil {
		telnetServer.Stop()
	}
	if feedClient != nil {
		feedClient.Stop()
	}
	cancel()
	wg.Wait()
	log.Println("spikewatch stopped")
}

// Purpose: Periodically render engine, feed and console status.
// Key aspects: Refreshes the dashboard at the UI rate and mirrors the block to
// the log file every statsInterval; headless mode logs it every statsInterval.
// Upstream: main status goroutine.
// Downstream: engine.Snapshot, stats.Tracker, dashboard setters.
func displayStats(ctx context.Context, cfg *config.Config, eng *engine.Engine, feedClient *feed.Client, telnetServer *telnet.Server, dash *dashboard, fanout *logFanout) {
	interval := statsInterval
	if dash != nil && cfg.UI.RefreshMS > 0 {
		interval = time.Duration(cfg.UI.RefreshMS) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastWindow int64 = -1
	var lastFileLine time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := eng.Snapshot()
			lines := statusLines(snap, eng.Stats(), feedClient, telnetServer)
			if dash == nil {
				for _, line := range lines {
					log.Print(line)
				}
				log.Print("")
				continue
			}
			dash.SetStats(lines)
			dash.SetPETH(pethLines(snap.PETH, snap.Params.Disabled))
			if w := snap.LastWindow; w != nil && w.Lower != lastWindow {
				lastWindow = w.Lower
				dash.AppendWindow(w.String())
			}
			if now.Sub(lastFileLine) >= statsInterval {
				lastFileLine = now
				for _, line := range lines {
					fanout.WriteFileOnlyLine(line, now)
				}
			}
		}
	}
}

func statusLines(snap *engine.Snapshot, tracker *stats.Tracker, feedClient *feed.Client, telnetServer *telnet.Server) []string {
	lines := tracker.SnapshotLines()
	b := snap.Buffer
	lines = append(lines, fmt.Sprintf("Buffer: %d ch, %s / %s samples (%.0f%%), %s, queue %d",
		b.Channels, humanize.Comma(int64(b.Len)), humanize.Comma(int64(b.Capacity)), 100*b.Fill(), humanize.Bytes(b.Bytes()), b.Queue))
	if feedClient != nil {
		fs := feedClient.Stats()
		state := "disconnected"
		if feedClient.IsConnected() {
			state = "connected"
		}
		lines = append(lines, fmt.Sprintf("Feed: %s, %s received, %d gaps, %d decode errors, %d dropped, %s published (%d failed)",
			state, humanize.Comma(int64(fs.Received)), fs.Gaps, fs.DecodeErrors, fs.Dropped, humanize.Comma(fs.Published), fs.PublishFail))
	}
	if telnetServer != nil {
		lines = append(lines, fmt.Sprintf("Telnet: %d clients", telnetServer.ClientCount()))
	}
	return lines
}

func pethLines(h peth.Snapshot, disabled []int) []string {
	if h.Windows == 0 || h.Groups() == 0 {
		return []string{"No windows analysed yet."}
	}
	lines := []string{fmt.Sprintf("%s windows, %s spikes, roi [%+.0f, %+.0f] ms",
		humanize.Comma(int64(h.Windows)), humanize.Comma(int64(h.Spikes)), 1000*h.ROIStart, 1000*h.ROIEnd)}
	for g := 0; g < h.Groups(); g++ {
		counts := h.Group(g, disabled)
		idx, peak := peth.Peak(counts)
		lines = append(lines, fmt.Sprintf("G%-2d |%s| peak %d at %+.1f ms", g+1, commands.Sparkline(counts), peak, 1000*h.BinStart(idx)))
	}
	return lines
}
