package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flyingcircusio/nixgcscan/internal/cache"
	"github.com/flyingcircusio/nixgcscan/internal/output"
	"github.com/flyingcircusio/nixgcscan/internal/registry"
	"github.com/flyingcircusio/nixgcscan/internal/scanner"
	"github.com/flyingcircusio/nixgcscan/internal/statistics"
	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
	"github.com/flyingcircusio/nixgcscan/internal/walk"
	"github.com/flyingcircusio/nixgcscan/internal/walker"
)

// scanOptions holds CLI flags for the scan command.
type scanOptions struct {
	register     bool
	cacheFile    string
	cacheLimit   int
	oneLine      bool
	color        string
	verbose      bool
	debug        bool
	quickcheck   int64
	include      []string
	exclude      []string
	excludeFrom  string
	unzip        []string
	workers      int
	prefix       string
	progressBar  bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{
		cacheLimit: 0,
		color:      "auto",
		workers:    runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "scan <startdir>",
		Short: "Scan startdir for Nix store references",
		Long: `Walks startdir looking for references to /nix/store paths in regular
files, symlinks, and (with --unzip) ZIP archive members.

In list-only mode (the default) found references are printed and nothing
on disk is changed. With --register, a GC-root symlink tree is created
under --prefix mirroring startdir's layout, and stale links from a
previous run are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runScan(args[0], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.register, "register", "r", false, "Create/update GC-root symlinks (default: list only)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to scan cache file (enables caching)")
	cmd.Flags().IntVar(&opts.cacheLimit, "cache-limit", 0, "Maximum cache entries (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.oneLine, "one-line", false, "Print each entry's references on a single line")
	cmd.Flags().StringVar(&opts.color, "color", opts.color, "Color mode: auto, always, never")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show per-extension statistics")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Has no effect; no debug log output is produced")
	cmd.Flags().Int64Var(&opts.quickcheck, "quickcheck", 0, "Prefix-only scan cutoff in bytes (0 disables)")
	cmd.Flags().StringSliceVar(&opts.include, "include", nil, "Only scan files matching this glob (repeatable)")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "Skip files/directories matching this glob (repeatable)")
	cmd.Flags().StringVar(&opts.excludeFrom, "exclude-from", "", "Read additional --exclude globs from this file")
	cmd.Flags().StringSliceVar(&opts.unzip, "unzip", nil, "Inflate and scan ZIP members matching this glob (repeatable)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel walk workers")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "GC-root prefix (default /nix/var/nix/gcroots/per-user/<user>)")
	cmd.Flags().BoolVar(&opts.progressBar, "progress", true, "Show a scan progress indicator on stderr")

	return cmd
}

// runScan wires the cache, scanner, walker and registry together for one
// scan run and returns an *exitCodeError carrying the process's exit
// status (0 is reported by returning nil).
func runScan(startdir string, opts *scanOptions) error {
	startdir, err := filepath.Abs(startdir)
	if err != nil {
		return fmt.Errorf("resolve startdir: %w", err)
	}

	exclude, err := expandExcludeFrom(opts.exclude, opts.excludeFrom)
	if err != nil {
		return fmt.Errorf("--exclude-from: %w", err)
	}

	var startSt syscall.Stat_t
	if err := syscall.Stat(startdir, &startSt); err != nil {
		return fmt.Errorf("stat startdir: %w", err)
	}

	sc := scanner.New(scanner.Config{Quickcheck: opts.quickcheck, Unzip: opts.unzip})

	c := cache.New(opts.cacheLimit)
	if opts.cacheFile != "" {
		if err := c.Open(opts.cacheFile); err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
	}
	defer func() { _ = c.Close() }()

	colorEnabled := opts.color == "always" || (opts.color == "auto" && isTerminal(os.Stdout))
	printer := output.New(os.Stdout, opts.oneLine, colorEnabled)

	var sink registry.Sink
	if opts.register {
		username, err := registry.CurrentUsername()
		if err != nil {
			return fmt.Errorf("resolve current user: %w", err)
		}

		prefix := opts.prefix
		if prefix == "" {
			prefix = filepath.Join("/nix/var/nix/gcroots/per-user", username)
		}
		gc, err := registry.New(prefix, startdir, username, printer)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		sink = gc
	} else {
		sink = registry.NewNull(printer)
	}

	statsTx := make(chan statistics.Msg, 256)
	gcTx := make(chan *storepaths.StorePaths, 256)

	collector := statistics.New(os.Stderr, opts.verbose, opts.progressBar)

	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); collector.Run(statsTx) }()
	go func() { defer bg.Done(); sink.RegisterLoop(gcTx) }()

	homeIgnore := ""
	if home, err := os.UserHomeDir(); err == nil {
		homeIgnore = filepath.Join(home, ".userscan-ignore")
	}
	w := walker.New(opts.workers, opts.include, exclude, homeIgnore)

	ctx := walk.New(uint64(startSt.Dev), c, sc, statsTx, gcTx)
	w.Walk(startdir, ctx.ScanEntry)

	close(statsTx)
	close(gcTx)
	bg.Wait()

	if ctx.Aborted() {
		return &exitCodeError{code: 2}
	}

	if err := c.Commit(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return &exitCodeError{code: 2}
	}

	if err := sink.Commit(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return &exitCodeError{code: 2}
	}

	if collector.SoftErrors() > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}
