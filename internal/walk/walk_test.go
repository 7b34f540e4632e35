package walk

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/flyingcircusio/nixgcscan/internal/cache"
	"github.com/flyingcircusio/nixgcscan/internal/direntry"
	"github.com/flyingcircusio/nixgcscan/internal/scanner"
	"github.com/flyingcircusio/nixgcscan/internal/statistics"
	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
	"github.com/flyingcircusio/nixgcscan/internal/walker"
)

func newTestContext(t *testing.T, startdev uint64) (*ProcessingContext, chan statistics.Msg, chan *storepaths.StorePaths) {
	t.Helper()
	statsCh := make(chan statistics.Msg, 100)
	gcCh := make(chan *storepaths.StorePaths, 100)
	c := cache.New(0)
	s := scanner.New(scanner.Config{})
	return New(startdev, c, s, statsCh, gcCh), statsCh, gcCh
}

func statDev(t *testing.T, path string) uint64 {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatalf("expected *syscall.Stat_t")
	}
	return uint64(st.Dev) //nolint:unconvert // platform-dependent type
}

func TestScanEntryRegularFileSendsStatsAndGC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("/nix/store/q3wx1gab2ysnk5nyvyyg56ana2v4r2ar-glibc-2.24 padding padding"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dev := statDev(t, dir)
	ctx, statsCh, gcCh := newTestContext(t, dev)

	entry := direntry.New(path, direntry.TypeRegular, true, 0, false)
	outcome := ctx.ScanEntry(entry)
	if outcome != walker.Continue {
		t.Fatalf("outcome = %v, want Continue", outcome)
	}

	select {
	case msg := <-statsCh:
		if msg.Kind != statistics.MsgScan {
			t.Fatalf("expected MsgScan, got %v", msg.Kind)
		}
	default:
		t.Fatalf("expected a stats message")
	}

	select {
	case sp := <-gcCh:
		if len(sp.IterRefs()) != 1 {
			t.Fatalf("expected one gc-root candidate ref, got %v", sp.IterRefs())
		}
	default:
		t.Fatalf("expected a gc-root candidate")
	}

	if ctx.Aborted() {
		t.Fatalf("did not expect abort")
	}
}

func TestScanEntryDeviceMismatchSkips(t *testing.T) {
	dir := t.TempDir()
	ctx, _, _ := newTestContext(t, statDev(t, dir)+1) // force a mismatch

	entry := direntry.New(dir, direntry.TypeDirectory, true, 0, false)
	outcome := ctx.ScanEntry(entry)
	if outcome != walker.Skip {
		t.Fatalf("outcome = %v, want Skip on device mismatch", outcome)
	}
}

func TestScanEntryDeviceMismatchSkipsRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("/nix/store/q3wx1gab2ysnk5nyvyyg56ana2v4r2ar-glibc-2.24 padding padding"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, statsCh, gcCh := newTestContext(t, statDev(t, dir)+1) // force a mismatch

	entry := direntry.New(path, direntry.TypeRegular, true, 0, false)
	outcome := ctx.ScanEntry(entry)
	if outcome != walker.Skip {
		t.Fatalf("outcome = %v, want Skip on device mismatch", outcome)
	}

	select {
	case msg := <-statsCh:
		t.Fatalf("expected no stats message on device mismatch, got %v", msg)
	default:
	}
	select {
	case sp := <-gcCh:
		t.Fatalf("expected no gc-root candidate on device mismatch, got %v", sp)
	default:
	}
}

func TestScanEntryHardErrorAborts(t *testing.T) {
	ctx, _, _ := newTestContext(t, 0)
	entry := direntry.NewHard("/some/path", os.ErrPermission)

	outcome := ctx.ScanEntry(entry)
	if outcome != walker.Quit {
		t.Fatalf("outcome = %v, want Quit on hard error", outcome)
	}
	if !ctx.Aborted() {
		t.Fatalf("expected ctx to be aborted after a hard error")
	}
}

func TestScanEntryPartialErrorIsSoftAndContinues(t *testing.T) {
	ctx, statsCh, _ := newTestContext(t, 0)
	entry := direntry.NewPartial("/some/path", os.ErrNotExist)

	outcome := ctx.ScanEntry(entry)
	if outcome != walker.Continue {
		t.Fatalf("outcome = %v, want Continue on partial error", outcome)
	}
	if ctx.Aborted() {
		t.Fatalf("partial error must not abort the run")
	}

	select {
	case msg := <-statsCh:
		if msg.Kind != statistics.MsgSoftError {
			t.Fatalf("expected MsgSoftError, got %v", msg.Kind)
		}
	default:
		t.Fatalf("expected a soft-error stats message")
	}
}

func TestScanEntryAbortedContextQuitsImmediately(t *testing.T) {
	ctx, _, _ := newTestContext(t, 0)
	ctx.abort.Store(true)

	entry := direntry.New("/x", direntry.TypeRegular, true, 0, false)
	if outcome := ctx.ScanEntry(entry); outcome != walker.Quit {
		t.Fatalf("outcome = %v, want Quit once aborted", outcome)
	}
}
