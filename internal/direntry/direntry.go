// Package direntry defines the directory-entry handle passed between the
// walker, cache, scanner and walk coordinator.
//
// It plays the role of the "DirEntry" external contract from the design:
// an opaque handle providing a path, an optional file type, an optional
// inode number, an optional partial-error annotation, and a metadata()
// operation. Metadata is fetched lazily and cached on first use.
package direntry

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/flyingcircusio/nixgcscan/internal/nerrors"
)

// FileType is the coarse file type reported by the walker, if known.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeSymlink
	TypeDirectory
	TypeOther
)

// Metadata is the snapshot returned by Entry.Metadata().
type Metadata struct {
	Size      int64
	Dev       uint64
	Ino       uint64
	CtimeSec  int64
	CtimeNsec int64
	Mode      os.FileMode
}

// Entry is a single directory entry flowing through the pipeline.
type Entry struct {
	path       string
	fileType   FileType
	hasType    bool
	ino        uint64
	hasIno     bool
	partialErr error // iterator reported a problem but still yielded a usable entry
	hardErr    error // iterator could not descend / stat at all

	mu      sync.Mutex
	meta    *Metadata
	metaErr error
	fetched bool
}

// New constructs an Entry. hasType/hasIno record whether the walker was
// able to supply those optional fields for this entry.
func New(path string, ft FileType, hasType bool, ino uint64, hasIno bool) *Entry {
	return &Entry{path: path, fileType: ft, hasType: hasType, ino: ino, hasIno: hasIno}
}

// NewPartial constructs an Entry carrying a partial (soft) traversal error.
func NewPartial(path string, err error) *Entry {
	return &Entry{path: path, partialErr: err}
}

// NewHard constructs an Entry carrying a hard (non-partial) traversal error.
func NewHard(path string, err error) *Entry {
	return &Entry{path: path, hardErr: err}
}

func (e *Entry) Path() string { return e.path }

// FileType returns the file type and whether the walker supplied one.
func (e *Entry) FileType() (FileType, bool) { return e.fileType, e.hasType }

// Inode returns the inode number and whether the walker supplied one.
func (e *Entry) Inode() (uint64, bool) { return e.ino, e.hasIno }

// PartialError returns the partial traversal annotation, if any.
func (e *Entry) PartialError() error { return e.partialErr }

// HardError returns the non-partial traversal error, if any.
func (e *Entry) HardError() error { return e.hardErr }

// Metadata lazily lstats the entry and memoizes the result. Returns
// nerrors.KindNoMetadata on failure.
func (e *Entry) Metadata() (*Metadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fetched {
		return e.meta, e.metaErr
	}
	e.fetched = true

	info, err := os.Lstat(e.path)
	if err != nil {
		e.metaErr = nerrors.New(nerrors.KindNoMetadata, e.path, err)
		return nil, e.metaErr
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		e.metaErr = nerrors.New(nerrors.KindNoMetadata, e.path, err)
		return nil, e.metaErr
	}

	e.meta = &Metadata{
		Size:      info.Size(),
		Dev:       uint64(stat.Dev), //nolint:unconvert // platform-dependent type
		Ino:       stat.Ino,
		CtimeSec:  stat.Ctim.Sec,
		CtimeNsec: stat.Ctim.Nsec,
		Mode:      info.Mode(),
	}
	if !e.hasIno {
		e.ino = e.meta.Ino
		e.hasIno = true
	}
	return e.meta, nil
}

// CachedMetadata returns a previously fetched snapshot without touching the
// filesystem, or nil if Metadata has not been called yet.
func (e *Entry) CachedMetadata() *Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta
}

// CtimeNsecByte truncates a Metadata's nanosecond component to the
// low-order byte stored on disk (§6 wire format).
func CtimeNsecByte(m *Metadata) uint8 { return uint8(m.CtimeNsec) }

// ModTimeFromCtime converts a Metadata's ctime into a time.Time.
func ModTimeFromCtime(m *Metadata) time.Time { return time.Unix(m.CtimeSec, m.CtimeNsec) }
