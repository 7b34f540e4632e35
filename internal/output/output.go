// Package output renders StorePaths to the terminal: either a one-line
// compact form or a multi-line "path:\n  ref\n  ref" form, with optional
// ANSI coloring of the store hash.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
)

// Printer formats StorePaths for display.
type Printer struct {
	out     io.Writer
	oneLine bool
	hash    *color.Color
}

// New constructs a Printer. oneLine selects the compact "path: ref ref"
// form over the default multi-line listing. colorEnabled toggles ANSI
// coloring of the hash component of each reference.
func New(out io.Writer, oneLine, colorEnabled bool) *Printer {
	hash := color.New(color.FgCyan)
	hash.EnableColor()
	if !colorEnabled {
		hash.DisableColor()
	}
	return &Printer{out: out, oneLine: oneLine, hash: hash}
}

// Print renders sp. Entries with no references are always printed bare.
func (p *Printer) Print(sp *storepaths.StorePaths) {
	if sp.IsEmpty() {
		fmt.Fprintln(p.out, sp.Path())
		return
	}

	if p.oneLine {
		fmt.Fprintln(p.out, sp.Path()+": "+p.joinRefs(sp.IterRefs()))
		return
	}

	fmt.Fprintln(p.out, sp.Path()+":")
	for _, ref := range sp.IterRefs() {
		fmt.Fprintln(p.out, "  "+p.colorize(ref))
	}
}

func (p *Printer) joinRefs(refs []string) string {
	colored := make([]string, len(refs))
	for i, r := range refs {
		colored[i] = p.colorize(r)
	}
	return strings.Join(colored, " ")
}

// colorize highlights the 32-character hash prefix of a reference.
func (p *Printer) colorize(ref string) string {
	if len(ref) < 32 {
		return ref
	}
	return p.hash.Sprint(ref[:32]) + ref[32:]
}
