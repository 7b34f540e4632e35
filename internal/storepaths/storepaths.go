// Package storepaths defines the StorePaths record: a directory entry
// paired with the store-path references found inside it.
package storepaths

import (
	"sort"
	"strings"

	"github.com/flyingcircusio/nixgcscan/internal/direntry"
)

// StorePaths is produced by either the cache (on hit) or the scanner (on
// miss). Refs are always sorted lexicographically and duplicate-free.
type StorePaths struct {
	Entry        *direntry.Entry
	Refs         []string // "<32-char hash>-<name>", no leading "/nix/store/"
	Cached       bool
	BytesScanned uint64
}

// New sorts and deduplicates refs and wraps them with the given entry.
func New(entry *direntry.Entry, refs []string, cached bool, bytesScanned uint64) *StorePaths {
	return &StorePaths{
		Entry:        entry,
		Refs:         sortDedup(refs),
		Cached:       cached,
		BytesScanned: bytesScanned,
	}
}

func sortDedup(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	sorted := make([]string, len(refs))
	copy(sorted, refs)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, r := range sorted[1:] {
		if r != out[len(out)-1] {
			out = append(out, r)
		}
	}
	return out
}

// Path returns the entry's path.
func (sp *StorePaths) Path() string { return sp.Entry.Path() }

// Inode returns the entry's inode, or an error if the iterator never
// supplied one and metadata() also fails.
func (sp *StorePaths) Inode() (uint64, error) {
	if ino, ok := sp.Entry.Inode(); ok {
		return ino, nil
	}
	m, err := sp.Entry.Metadata()
	if err != nil {
		return 0, err
	}
	return m.Ino, nil
}

// Metadata fetches (and memoizes) the entry's metadata snapshot.
func (sp *StorePaths) Metadata() (*direntry.Metadata, error) {
	return sp.Entry.Metadata()
}

// IsEmpty reports whether no references were found.
func (sp *StorePaths) IsEmpty() bool { return len(sp.Refs) == 0 }

// IterRefs returns the ordered, deduplicated references.
func (sp *StorePaths) IterRefs() []string { return sp.Refs }

// String renders "path" alone, or "path: ref1 ref2 ..." if refs is non-empty.
func (sp *StorePaths) String() string {
	if sp.IsEmpty() {
		return sp.Path()
	}
	return sp.Path() + ": " + strings.Join(sp.Refs, " ")
}
