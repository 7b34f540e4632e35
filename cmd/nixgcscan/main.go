package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "nixgcscan",
		Short:   "Scan a directory tree for Nix store references and register GC roots",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newScanCmd())

	if err := root.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps an error returned from a subcommand's RunE to the
// process exit status: the code carried by an *exitCodeError (1 when
// the scan hit soft errors, 2 for a hard failure), and 2 for any other
// error.
func exitCodeFor(err error) int {
	if ec, ok := err.(*exitCodeError); ok {
		return ec.code
	}
	return 2
}

// exitCodeError lets runScan communicate a specific exit status through
// cobra's error-returning RunE without cobra printing a redundant usage
// message for a scan that merely hit soft errors.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return "" }
