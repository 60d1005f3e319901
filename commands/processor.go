// Package commands implements the operator console command set shared by
// telnet sessions. Commands read engine snapshots and submit parameter
// changes; they never touch the analysis state directly.
package commands

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	lev "github.com/agnivade/levenshtein"
	"github.com/dustin/go-humanize"

	"spikewatch/engine"
	"spikewatch/event"
	"spikewatch/peth"
	"spikewatch/stats"
	"spikewatch/strutil"
)

// Backend is the engine surface the console needs.
type Backend interface {
	Snapshot() *engine.Snapshot
	Set(ctx context.Context, change event.ParameterChange) error
	Stats() *stats.Tracker
}

// setTimeout bounds how long SET waits for the engine.
const setTimeout = 2 * time.Second

// maxSuggestDistance is the largest edit distance offered as "did you mean".
const maxSuggestDistance = 2

var commandWords = []string{"HELP", "SHOW", "SET", "CLEAR", "BYE"}

var showWords = []string{"STATS", "BUFFER", "PARAMS", "PETH", "VIEW"}

// Processor parses console commands and renders replies.
type Processor struct {
	backend Backend
	logger  *log.Logger
}

// NewProcessor returns a processor bound to backend.
func NewProcessor(backend Backend, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{backend: backend, logger: logger}
}

// ProcessCommand parses a single console command and returns the response
// text. A response of "BYE" signals the caller to close the session.
func (p *Processor) ProcessCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ""
	}
	// SHOW/STATS and SHOW STATS are the same command.
	fields := strings.Fields(strings.ReplaceAll(cmd, "/", " "))
	command := strutil.NormalizeUpper(fields[0])
	args := fields[1:]

	switch command {
	case "HELP", "H", "?":
		return p.handleHelp()
	case "SHOW", "SH":
		return p.handleShow(args)
	case "SET":
		return p.handleSet(args)
	case "CLEAR":
		if len(args) == 1 && strings.EqualFold(args[0], "PETH") {
			return p.handleSet([]string{event.ParamClear})
		}
		return "Usage: CLEAR PETH\n"
	case "BYE", "QUIT", "EXIT":
		return "BYE"
	default:
		return fmt.Sprintf("Unknown command: %s%s\nType HELP for available commands.\n",
			command, suggestion(command, commandWords))
	}
}

func (p *Processor) handleHelp() string {
	return fmt.Sprintf(`Available commands:
HELP                 - Show this help
SHOW STATS           - Ingest and trigger counters
SHOW BUFFER          - Sample buffer occupancy
SHOW PARAMS          - Current analysis parameters
SHOW PETH [group]    - Peri-event histogram, all groups or one (1-based)
SHOW VIEW [channel]  - Signal range in the live view window
SET <param> <value>  - Change a parameter
CLEAR PETH           - Reset the histogram
BYE                  - Disconnect

Parameters: %s

Examples:
	SET threshold -45
	SET roi_after 0.08
	SET disabled_channels 1-4, 17
	SET trigger_channel any
`, strings.Join(event.ParameterNames, ", "))
}

func (p *Processor) handleShow(args []string) string {
	if len(args) == 0 {
		return "Usage: SHOW STATS|BUFFER|PARAMS|PETH [group]|VIEW [channel]\n"
	}
	sub := strutil.NormalizeUpper(args[0])
	switch sub {
	case "STATS":
		return strings.Join(p.backend.Stats().SnapshotLines(), "\n") + "\n"
	case "BUFFER":
		return p.showBuffer()
	case "PARAMS", "PARAM":
		return p.showParams()
	case "PETH":
		return p.showPETH(args[1:])
	case "VIEW":
		return p.showView(args[1:])
	default:
		return fmt.Sprintf("Unknown SHOW subcommand: %s%s\n", sub, suggestion(sub, showWords))
	}
}

func (p *Processor) showBuffer() string {
	snap := p.backend.Snapshot()
	b := snap.Buffer
	if b.Channels == 0 {
		return "No data received yet.\n"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "Buffer: %d channels, %s / %s samples (%.0f%%), %s allocated\n",
		b.Channels, humanize.Comma(int64(b.Len)), humanize.Comma(int64(b.Capacity)), 100*b.Fill(), humanize.Bytes(b.Bytes()))
	fmt.Fprintf(&out, "Timestamps: %d .. %d, next %d, %d compactions\n", b.Oldest, b.Newest, b.Clock, b.Compactions)
	fmt.Fprintf(&out, "Trigger queue: %d\n", b.Queue)
	if snap.LastWindow != nil {
		fmt.Fprintf(&out, "Last window: %s\n", snap.LastWindow)
	}
	return out.String()
}

func (p *Processor) showParams() string {
	var out strings.Builder
	for _, s := range p.backend.Snapshot().Params.Settings() {
		fmt.Fprintf(&out, "%-18s %s\n", s.Name, s.Value)
	}
	return out.String()
}

func (p *Processor) showPETH(args []string) string {
	snap := p.backend.Snapshot()
	h := snap.PETH
	if h.Windows == 0 || h.Groups() == 0 {
		return "Histogram is empty.\n"
	}
	first, last := 0, h.Groups()-1
	if len(args) > 0 {
		g, err := strconv.Atoi(args[0])
		if err != nil || g < 1 || g > h.Groups() {
			return fmt.Sprintf("Invalid group. Use 1-%d.\n", h.Groups())
		}
		first, last = g-1, g-1
	}
	var out strings.Builder
	fmt.Fprintf(&out, "PETH: %s windows, %s spikes, roi [%+.0f, %+.0f] ms, %.1f ms bins\n",
		humanize.Comma(int64(h.Windows)), humanize.Comma(int64(h.Spikes)), 1000*h.ROIStart, 1000*h.ROIEnd, 1000*h.BinSeconds)
	for g := first; g <= last; g++ {
		counts := h.Group(g, snap.Params.Disabled)
		idx, peak := peth.Peak(counts)
		lo := g*peth.ChannelsPerGroup + 1
		hi := min((g+1)*peth.ChannelsPerGroup, len(h.Counts))
		fmt.Fprintf(&out, "Group %d (ch %d-%d): peak %d at %+.1f ms\n", g+1, lo, hi, peak, 1000*h.BinStart(idx))
		fmt.Fprintf(&out, "  |%s|\n", Sparkline(counts))
	}
	return out.String()
}

func (p *Processor) showView(args []string) string {
	snap := p.backend.Snapshot()
	v := snap.View
	if len(v.Samples) == 0 {
		return "No data received yet.\n"
	}
	first, last := 0, len(v.Samples)-1
	if len(args) > 0 {
		ch, err := strconv.Atoi(args[0])
		if err != nil || ch < 1 || ch > len(v.Samples) {
			return fmt.Sprintf("Invalid channel. Use 1-%d.\n", len(v.Samples))
		}
		first, last = ch-1, ch-1
	}
	var out strings.Builder
	fmt.Fprintf(&out, "View: %.2fs, downsample %d\n", v.Seconds(), v.Factor)
	for ch := first; ch <= last; ch++ {
		lo, hi, _ := v.Range(ch)
		th := snap.Params.Threshold.For(ch)
		mark := ""
		if (!snap.Params.RisingEdge && lo <= th) || (snap.Params.RisingEdge && hi >= th) {
			mark = " *"
		}
		fmt.Fprintf(&out, "ch %2d: %8.1f .. %8.1f%s\n", ch+1, lo, hi, mark)
	}
	return out.String()
}

func (p *Processor) handleSet(args []string) string {
	if len(args) == 0 {
		return "Usage: SET <param> <value>\n"
	}
	name := strutil.NormalizeLower(args[0])
	value := strings.Join(args[1:], " ")
	change, err := event.NewParameterChange(name, value)
	if err != nil {
		return fmt.Sprintf("Unknown parameter: %s%s\n", name, suggestion(name, event.ParameterNames))
	}
	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()
	if err := p.backend.Set(ctx, change); err != nil {
		return fmt.Sprintf("SET %s failed: %v\n", name, err)
	}
	if name == event.ParamClear {
		return "Histogram cleared.\n"
	}
	for _, s := range p.backend.Snapshot().Params.Settings() {
		if s.Name == name {
			return fmt.Sprintf("%s = %s\n", s.Name, s.Value)
		}
	}
	return "OK\n"
}

// suggestion returns " (did you mean X?)" for the closest candidate within
// maxSuggestDistance, or "".
func suggestion(word string, candidates []string) string {
	best, bestDist := "", maxSuggestDistance+1
	for _, c := range candidates {
		if d := lev.ComputeDistance(strings.ToLower(word), strings.ToLower(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %s?)", best)
}

var sparkLevels = []rune(" .:-=+*#%@")

// Sparkline renders counts as one character per bin scaled to the maximum.
func Sparkline(counts []uint64) string {
	var peak uint64
	for _, c := range counts {
		peak = max(peak, c)
	}
	out := make([]rune, len(counts))
	for i, c := range counts {
		if peak == 0 {
			out[i] = sparkLevels[0]
			continue
		}
		level := int(c * uint64(len(sparkLevels)-1) / peak)
		out[i] = sparkLevels[level]
	}
	return string(out)
}
