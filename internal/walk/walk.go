// Package walk wires the cache, scanner and walker together into the
// per-entry pipeline that drives one scan run: cache lookup, scan-on-miss,
// device-boundary enforcement, cache insertion, statistics reporting and
// GC-root candidate dispatch.
package walk

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/flyingcircusio/nixgcscan/internal/cache"
	"github.com/flyingcircusio/nixgcscan/internal/direntry"
	"github.com/flyingcircusio/nixgcscan/internal/nerrors"
	"github.com/flyingcircusio/nixgcscan/internal/scanner"
	"github.com/flyingcircusio/nixgcscan/internal/statistics"
	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
	"github.com/flyingcircusio/nixgcscan/internal/walker"
)

// ProcessingContext holds everything a single scan run needs to process
// one directory entry at a time: the shared cache and scanner, the
// channels statistics and GC-root candidates flow out on, the starting
// device (so the walk never crosses filesystem boundaries), and the
// abort flag a hard error trips.
type ProcessingContext struct {
	startdev uint64
	cache    *cache.Cache
	scanner  *scanner.Scanner
	statsTx  chan<- statistics.Msg
	gcTx     chan<- *storepaths.StorePaths

	abort atomic.Bool
}

// New constructs a ProcessingContext for one run rooted at a directory
// whose device number is startdev.
func New(startdev uint64, c *cache.Cache, s *scanner.Scanner, statsTx chan<- statistics.Msg, gcTx chan<- *storepaths.StorePaths) *ProcessingContext {
	return &ProcessingContext{
		startdev: startdev,
		cache:    c,
		scanner:  s,
		statsTx:  statsTx,
		gcTx:     gcTx,
	}
}

// Aborted reports whether a hard error has already stopped this run.
func (p *ProcessingContext) Aborted() bool { return p.abort.Load() }

// ScanEntry is the walker.Walk callback: it classifies entry, scans it on
// a cache miss, enforces the device boundary uniformly (directories,
// cache hits and freshly scanned files alike), and forwards results
// downstream. It never panics and always returns one of walker.Continue,
// walker.Skip or walker.Quit.
func (p *ProcessingContext) ScanEntry(entry *direntry.Entry) walker.Outcome {
	if p.abort.Load() {
		return walker.Quit
	}

	if err := entry.HardError(); err != nil {
		p.fail(nerrors.NewTraverse(entry.Path(), err, false))
		return walker.Quit
	}
	if err := entry.PartialError(); err != nil {
		p.warn(nerrors.NewTraverse(entry.Path(), err, true))
		return walker.Continue
	}

	sp, kind := p.cache.Lookup(entry)

	if kind == cache.Miss {
		var err error
		sp, err = p.scanner.FindPaths(entry)
		if err != nil {
			return p.handleScanError(err)
		}
	}

	// The device boundary applies to every kind (Dir, Hit, Miss alike),
	// before any cache insert or downstream send.
	meta, err := sp.Metadata()
	if err != nil {
		p.warn(err)
		return walker.Continue
	}
	if meta.Dev != p.startdev {
		return walker.Skip
	}

	if err := p.cache.Insert(sp); err != nil {
		return p.handleScanError(err)
	}

	p.statsTx <- statistics.Msg{
		Kind:  statistics.MsgScan,
		Bytes: sp.BytesScanned,
		Ext:   statistics.Ext(entry.Path()),
	}

	if !sp.IsEmpty() {
		p.gcTx <- sp
	}

	return walker.Continue
}

// handleScanError classifies a scan/insert failure and decides whether the
// run must abort.
func (p *ProcessingContext) handleScanError(err error) walker.Outcome {
	hard := true
	if nerr, ok := err.(*nerrors.Error); ok {
		hard = nerr.Hard()
	}

	if hard {
		p.fail(err)
		return walker.Quit
	}
	p.warn(err)
	return walker.Continue
}

// fail reports and trips a hard (aborting) error.
func (p *ProcessingContext) fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	p.abort.Store(true)
}

// warn reports a soft (non-aborting) error and counts it.
func (p *ProcessingContext) warn(err error) {
	fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	p.statsTx <- statistics.Msg{Kind: statistics.MsgSoftError}
}
