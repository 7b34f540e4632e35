// Package statistics implements the single-consumer tally of scanned
// bytes, per-extension breakdowns, and soft-error counts, rendering an
// optional 1Hz terminal status line through internal/progress.
package statistics

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/flyingcircusio/nixgcscan/internal/progress"
)

// MsgKind identifies the kind of statistics message sent by the walk
// coordinator.
type MsgKind int

const (
	MsgSoftError MsgKind = iota
	MsgScan
)

// Msg is one unit of statistics information.
type Msg struct {
	Kind  MsgKind
	Bytes uint64
	Ext   string
}

// Collector tallies Msg values from a single channel. It is the single
// consumer required by §5 ("stats receiver ... strictly single-consumer").
type Collector struct {
	detailed bool
	progress bool
	out      io.Writer

	mu         sync.Mutex
	files      uint64
	totalBytes uint64
	byExt      map[string]uint64
	softErrors uint64
	start      time.Time
}

// New constructs a Collector. detailed enables per-extension sub-totals;
// progress enables the 1Hz progress line (only actually emitted when out
// is a terminal).
func New(out io.Writer, detailed, progress bool) *Collector {
	return &Collector{
		detailed: detailed,
		progress: progress,
		out:      out,
		byExt:    make(map[string]uint64),
		start:    time.Now(),
	}
}

// Run drains rx until closed, updating the tally and (if enabled)
// periodically rendering the live status line through a progress.Bar.
func (c *Collector) Run(rx <-chan Msg) {
	isTerm := c.progress && isTerminal(c.out)

	var bar *progress.Bar
	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if isTerm {
		bar = progress.New(true, -1)
		ticker = time.NewTicker(1 * time.Second)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case msg, ok := <-rx:
			if !ok {
				c.finish(bar)
				return
			}
			c.apply(msg)
		case <-tickCh:
			c.describe(bar)
		}
	}
}

// progressStatus renders the live file-count/byte-total pair shown on the
// spinner's description and on the final summary line.
type progressStatus struct {
	files uint64
	bytes uint64
}

func (s progressStatus) String() string {
	return fmt.Sprintf("%d files (%s)", s.files, humanize.IBytes(s.bytes))
}

func (c *Collector) describe(bar *progress.Bar) {
	c.mu.Lock()
	s := progressStatus{c.files, c.totalBytes}
	c.mu.Unlock()
	bar.Describe(s)
	bar.Set(s.bytes)
}

func (c *Collector) apply(msg Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Kind {
	case MsgSoftError:
		c.softErrors++
	case MsgScan:
		c.files++
		c.totalBytes += msg.Bytes
		if c.detailed {
			c.byExt[msg.Ext] += msg.Bytes
		}
	}
}

// SoftErrors returns the current soft-error count (used for exit status).
func (c *Collector) SoftErrors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.softErrors
}

// finalStatus renders the closing summary line, with or without a bar.
type finalStatus struct {
	progressStatus
	elapsed    time.Duration
	softErrors uint64
}

func (s finalStatus) String() string {
	return fmt.Sprintf("scanned %d files, %s in %s, %d soft errors",
		s.files, humanize.IBytes(s.bytes), s.elapsed, s.softErrors)
}

// finish renders the closing summary, through bar if the run had a live
// status line, as a plain line otherwise, then the per-extension breakdown.
func (c *Collector) finish(bar *progress.Bar) {
	c.mu.Lock()
	s := finalStatus{
		progressStatus: progressStatus{c.files, c.totalBytes},
		elapsed:        time.Since(c.start).Truncate(time.Millisecond),
		softErrors:     c.softErrors,
	}
	c.mu.Unlock()

	if bar != nil {
		bar.Finish(s)
	} else {
		fmt.Fprintln(c.out, s.String())
	}

	c.printExtBreakdown()
}

func (c *Collector) printExtBreakdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.detailed || len(c.byExt) == 0 {
		return
	}

	type kv struct {
		ext   string
		bytes uint64
	}
	var sorted []kv
	for ext, bytes := range c.byExt {
		sorted = append(sorted, kv{ext, bytes})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].bytes > sorted[j].bytes })

	const topN = 10
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	for _, e := range sorted {
		ext := e.ext
		if ext == "" {
			ext = "(none)"
		}
		fmt.Fprintf(c.out, "  %-12s %s\n", ext, humanize.IBytes(e.bytes))
	}
}

// Ext returns the lowercase extension (without dot) used for per-extension
// statistics, matching the file's basename.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

func isTerminal(w io.Writer) bool {
	type fder interface{ Fd() uintptr }
	f, ok := w.(fder)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
