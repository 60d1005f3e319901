package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// dashboard renders the console layout when a compatible terminal is
// available: a stats block, the per-group PETH sparklines, a scrolling list
// of analysed windows and the system log.
type dashboard struct {
	app         *tview.Application
	statsView   *tview.TextView
	pethView    *tview.TextView
	windowView  *tview.TextView
	systemView  *tview.TextView
	windowLines []string
	systemLines []string
	paneMu      sync.Mutex
	events      chan paneEvent
	closed      atomic.Bool
	done        chan struct{}
	ready       chan struct{}
}

const paneMaxLines = 6

type paneType int

const (
	paneWindow paneType = iota
	paneSystem
)

type paneEvent struct {
	pane paneType
	line string
}

func newDashboard(enable bool) *dashboard {
	if !enable {
		return nil
	}

	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().
			SetDynamicColors(true).
			SetWrap(false)
		if title != "" {
			tv.SetTitle(title).SetTitleAlign(tview.AlignLeft)
		}
		return tv
	}

	stats := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	stats.SetTextColor(tcell.ColorYellow)
	pethPane := makePane("PETH")
	pethPane.SetTextColor(tcell.ColorGreen)
	windowPane := makePane("Windows")
	systemPane := makePane("System")
	systemPane.SetTextColor(tcell.ColorYellow)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, 7, 0, false).
		AddItem(tview.NewBox(), 1, 0, false).
		AddItem(pethPane, 0, 1, false).
		AddItem(tview.NewBox(), 1, 0, false).
		AddItem(windowPane, paneMaxLines+1, 0, false).
		AddItem(tview.NewBox(), 1, 0, false).
		AddItem(systemPane, paneMaxLines+1, 0, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})
	d := &dashboard{
		app:        app,
		statsView:  stats,
		pethView:   pethPane,
		windowView: windowPane,
		systemView: systemPane,
		events:     make(chan paneEvent, 256),
		done:       make(chan struct{}),
		ready:      ready,
	}

	go d.runEventLoop()

	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()

	return d
}

func (d *dashboard) Stop() {
	if d == nil || d.app == nil {
		return
	}
	if d.closed.Swap(true) {
		return
	}
	close(d.done)
	d.app.Stop()
}

func (d *dashboard) WaitReady() {
	if d == nil || d.ready == nil {
		return
	}
	<-d.ready
}

func (d *dashboard) SetStats(lines []string) {
	d.setText(d.statsView, lines)
}

func (d *dashboard) SetPETH(lines []string) {
	d.setText(d.pethView, lines)
}

func (d *dashboard) setText(view *tview.TextView, lines []string) {
	if d == nil || d.closed.Load() {
		return
	}
	text := strings.Join(lines, "\n")
	d.app.QueueUpdateDraw(func() {
		view.SetText(text)
	})
}

func (d *dashboard) AppendWindow(line string) {
	d.enqueue(paneWindow, line)
}

func (d *dashboard) AppendSystem(line string) {
	d.enqueue(paneSystem, line)
}

func (d *dashboard) enqueue(p paneType, line string) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.events <- paneEvent{pane: p, line: line}:
	default:
		// UI is behind; drop.
	}
}

// SystemWriter returns the writer the log fanout uses while the dashboard
// owns the terminal.
func (d *dashboard) SystemWriter() *paneWriter {
	if d == nil {
		return nil
	}
	return &paneWriter{d: d}
}

type paneWriter struct {
	d *dashboard
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.d == nil {
		return len(p), nil
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.d.AppendSystem(line)
	}
	return len(p), nil
}

func (d *dashboard) runEventLoop() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.events:
			d.appendLine(ev.pane, ev.line)
		}
	}
}

func (d *dashboard) appendLine(p paneType, line string) {
	d.paneMu.Lock()
	buf, view := &d.systemLines, d.systemView
	if p == paneWindow {
		buf, view = &d.windowLines, d.windowView
		line = time.Now().Format("15:04:05 ") + line
	}
	*buf = append(*buf, line)
	if len(*buf) > paneMaxLines {
		*buf = (*buf)[len(*buf)-paneMaxLines:]
	}
	text := strings.Join(*buf, "\n")
	d.paneMu.Unlock()

	if d.app == nil {
		return
	}
	d.app.QueueUpdateDraw(func() {
		view.SetText(text)
		view.ScrollToEnd()
	})
}
