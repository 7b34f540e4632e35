// Package scanner locates store-path references inside a single directory
// entry: regular files (mmapped, with an optional quickcheck cutoff and ZIP
// inflation), and symlink targets.
package scanner

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/exp/mmap"

	"github.com/flyingcircusio/nixgcscan/internal/direntry"
	"github.com/flyingcircusio/nixgcscan/internal/nerrors"
	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
)

// minStorerefLen is the shortest possible reference: 11-byte prefix +
// 32-byte hash + "-" + 1-byte name.
const minStorerefLen = 45

// zipWarnMembers and zipWarnBytes are the heuristic thresholds past which
// a ZIP archive scan emits a size warning before proceeding.
const (
	zipWarnMembers = 1000
	zipWarnBytes   = 2 << 20
)

// storeRefRegexp matches the tail of a store path. ASCII-only by
// construction: regexp's default semantics over []byte input never apply
// Unicode case folding or rune-aware matching to this character class.
var storeRefRegexp = regexp.MustCompile(`/nix/store/([0-9a-z]{32}-[0-9a-zA-Z+._?=-]+)`)

// Config configures a Scanner.
type Config struct {
	Quickcheck int64    // bytes; 0 disables the cutoff
	Unzip      []string // glob patterns; empty disables ZIP inflation
}

// Scanner finds store-path references in directory entries.
type Scanner struct {
	cfg Config
}

// New constructs a Scanner.
func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg}
}

// FindPaths dispatches by file type and returns a sorted, deduplicated
// StorePaths for entry.
func (s *Scanner) FindPaths(entry *direntry.Entry) (*storepaths.StorePaths, error) {
	if err := entry.HardError(); err != nil {
		return nil, err
	}

	ft, hasType := entry.FileType()
	if !hasType {
		return nil, nerrors.NewTraverse(entry.Path(), fmt.Errorf("no file type reported"), true)
	}

	var (
		refs    []string
		scanned uint64
		err     error
	)

	switch ft {
	case direntry.TypeRegular:
		refs, scanned, err = s.scanRegular(entry)
	case direntry.TypeSymlink:
		refs, scanned, err = s.scanSymlink(entry)
	default:
		return nil, nerrors.New(nerrors.KindUnknownFiletype, entry.Path(), nil)
	}
	if err != nil {
		return nil, err
	}

	return storepaths.New(entry, refs, false, scanned), nil
}

// scanRegular implements §4.D.1/§4.D.2: small-file shortcut, ZIP dispatch,
// quickcheck cutoff, and full mmap regex scan.
func (s *Scanner) scanRegular(entry *direntry.Entry) ([]string, uint64, error) {
	meta, err := entry.Metadata()
	if err != nil {
		return nil, 0, err
	}

	if meta.Size < minStorerefLen {
		return nil, uint64(meta.Size), nil
	}

	if s.matchesUnzip(entry.Path()) {
		return s.scanZip(entry.Path(), meta.Size)
	}

	mr, err := mmap.Open(entry.Path())
	if err != nil {
		if os.IsPermission(err) {
			return nil, 0, nerrors.New(nerrors.KindPermissionDenied, entry.Path(), err)
		}
		return nil, 0, nerrors.New(nerrors.KindNoMetadata, entry.Path(), err)
	}
	defer mr.Close()

	// Only the quickcheck-sized prefix is paged in for the cutoff check;
	// the remainder of the mapping is never touched unless the file
	// passes it, preserving the cutoff's I/O-avoidance purpose.
	if s.cfg.Quickcheck > 0 && meta.Size > s.cfg.Quickcheck {
		prefix := make([]byte, s.cfg.Quickcheck)
		if _, err := mr.ReadAt(prefix, 0); err != nil && err != io.EOF {
			return nil, 0, nerrors.New(nerrors.KindNoMetadata, entry.Path(), err)
		}
		if !bytes.Contains(prefix, []byte("/nix/store/")) {
			return nil, uint64(s.cfg.Quickcheck), nil
		}
	}

	data := make([]byte, mr.Len())
	if _, err := mr.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, 0, nerrors.New(nerrors.KindNoMetadata, entry.Path(), err)
	}

	refs := findRefs(data)
	return refs, uint64(meta.Size), nil
}

// scanZip implements §4.D.2: inflate every member into a reusable buffer
// and regex-scan it. A corrupt/invalid ZIP is a KindZip soft error, never
// a silent fallback to a plain-file scan.
func (s *Scanner) scanZip(path string, size int64) ([]string, uint64, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, 0, nerrors.New(nerrors.KindZip, path, err)
	}
	defer r.Close()

	if len(r.File) > zipWarnMembers || size > zipWarnBytes {
		fmt.Fprintf(os.Stderr, "warning: large archive %s (%d members, %d bytes)\n", path, len(r.File), size)
	}

	var refs []string
	buf := make([]byte, 0, 64*1024)
	for _, member := range r.File {
		rc, err := member.Open()
		if err != nil {
			return nil, 0, nerrors.New(nerrors.KindZip, path, fmt.Errorf("open member %s: %w", member.Name, err))
		}

		buf = buf[:0]
		mbuf := bytes.NewBuffer(buf)
		if _, err := mbuf.ReadFrom(rc); err != nil {
			_ = rc.Close()
			return nil, 0, nerrors.New(nerrors.KindZip, path, fmt.Errorf("read member %s: %w", member.Name, err))
		}
		_ = rc.Close()

		refs = append(refs, findRefs(mbuf.Bytes())...)
	}

	return refs, uint64(size), nil
}

// scanSymlink implements §4.D.3: read the link target and regex-match it
// directly, never following the link.
func (s *Scanner) scanSymlink(entry *direntry.Entry) ([]string, uint64, error) {
	target, err := os.Readlink(entry.Path())
	if err != nil {
		return nil, 0, nerrors.New(nerrors.KindNoMetadata, entry.Path(), err)
	}

	refs := findRefs([]byte(target))
	return refs, uint64(len(target)), nil
}

// findRefs returns the captured hash-plus-name tail of every store
// reference found in data.
func findRefs(data []byte) []string {
	matches := storeRefRegexp.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return nil
	}
	refs := make([]string, len(matches))
	for i, m := range matches {
		refs[i] = string(m[1])
	}
	return refs
}

// matchesUnzip reports whether path matches any configured unzip glob.
func (s *Scanner) matchesUnzip(path string) bool {
	for _, pattern := range s.cfg.Unzip {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}
