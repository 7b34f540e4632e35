// Package registry implements the GC-root registry: deduplicated creation
// of symlinks named by store hash under a deterministic prefix tree that
// mirrors the scanned filesystem structure, plus stale-link cleanup and
// privilege bracketing around the filesystem-mutating commit phase.
package registry

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flyingcircusio/nixgcscan/internal/nerrors"
	"github.com/flyingcircusio/nixgcscan/internal/output"
	"github.com/flyingcircusio/nixgcscan/internal/privilege"
	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
)

// storeRoot is the directory cleanup must never descend into, even if a
// scan root nested under it somehow produced a topdir overlapping it.
const storeRoot = "/nix/store"

// Sink is satisfied by both GCRoots and NullGCRoots.
type Sink interface {
	RegisterLoop(rx <-chan *storepaths.StorePaths)
	Commit() error
}

// GCRoots is the real registry: it buffers StorePaths received during the
// walk and, on Commit, drops privileges, removes stale links below its
// mirrored subtree, creates/updates the links the walk found, and regains
// privileges.
type GCRoots struct {
	prefix string
	topdir string
	cwd    string
	uid    int
	gid    int
	out    *output.Printer

	mu         sync.Mutex
	todo       []*storepaths.StorePaths
	seen       map[string]struct{}
	registered int
}

// New constructs a GCRoots rooted at prefix, scoped to cleanup under the
// subtree mirroring root (which must be absolute). username resolves the
// uid/gid the commit phase's filesystem mutations run as.
func New(prefix, root, username string, out *output.Printer) (*GCRoots, error) {
	if !filepath.IsAbs(root) {
		return nil, nerrors.New(nerrors.KindRelative, root, fmt.Errorf("scan root must be absolute"))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nerrors.New(nerrors.KindCWD, "", err)
	}

	uid, gid, err := privilege.Resolve(username)
	if err != nil {
		return nil, nerrors.New(nerrors.KindWhoAmI, username, err)
	}

	topdir := filepath.Join(prefix, strings.TrimPrefix(root, "/"))

	return &GCRoots{
		prefix: prefix,
		topdir: topdir,
		cwd:    cwd,
		uid:    uid,
		gid:    gid,
		out:    out,
		seen:   make(map[string]struct{}),
	}, nil
}

// RegisterLoop drains rx, printing and buffering each StorePaths. It makes
// no filesystem changes and returns when rx is closed. Intended to run on
// its own goroutine, concurrently with the walk.
func (g *GCRoots) RegisterLoop(rx <-chan *storepaths.StorePaths) {
	for sp := range rx {
		g.out.Print(sp)

		g.mu.Lock()
		g.todo = append(g.todo, sp)
		g.mu.Unlock()
	}
}

// Commit drops privileges, sweeps stale links under topdir, registers
// every buffered entry, and regains privileges — guaranteed on every exit
// path, including commit errors.
func (g *GCRoots) Commit() error {
	bracket, err := privilege.Drop(g.uid, g.gid)
	if err != nil {
		return nerrors.New(nerrors.KindCreate, g.topdir, err)
	}
	defer func() { _ = bracket.Restore() }()

	if err := g.cleanup(); err != nil {
		return err
	}

	g.mu.Lock()
	todo := g.todo
	g.todo = nil
	g.mu.Unlock()

	for _, sp := range todo {
		if err := g.register(sp); err != nil {
			return err
		}
	}
	return nil
}

// cleanup removes every symlink under topdir not present in seen, and
// prunes directories left empty by that removal. It never descends into
// /nix/store itself.
func (g *GCRoots) cleanup() error {
	if strings.HasPrefix(g.topdir, storeRoot) {
		return nil
	}

	if _, err := os.Lstat(g.topdir); err != nil {
		return nil
	}

	var dirs []string
	err := filepath.Walk(g.topdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort cleanup, never aborts the commit
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		if _, ok := g.seen[path]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return nerrors.New(nerrors.KindRemove, path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // swallow failure: non-empty directory
	}
	return nil
}

// register ensures every reference in sp has a corresponding, correctly
// targeted symlink. Idempotent within a run via seen.
func (g *GCRoots) register(sp *storepaths.StorePaths) error {
	linkdir := g.linkDir(sp.Path())

	for _, ref := range sp.IterRefs() {
		hash := ref
		if idx := strings.IndexByte(ref, '-'); idx > 0 {
			hash = ref[:idx]
		}
		linkname := filepath.Join(linkdir, hash)
		linktarget := filepath.Join(storeRoot, ref)

		if _, ok := g.seen[linkname]; ok {
			continue
		}

		if existing, err := os.Readlink(linkname); err == nil {
			if existing == linktarget {
				g.seen[linkname] = struct{}{}
				continue
			}
			if err := os.Remove(linkname); err != nil {
				return nerrors.New(nerrors.KindRemove, linkname, err)
			}
		} else if !os.IsNotExist(err) {
			return nerrors.New(nerrors.KindReadLink, linkname, err)
		}

		if err := os.MkdirAll(linkdir, 0o755); err != nil {
			return nerrors.New(nerrors.KindCreate, linkdir, err)
		}
		if err := os.Symlink(linktarget, linkname); err != nil {
			return nerrors.New(nerrors.KindCreate, linkname, err)
		}

		g.seen[linkname] = struct{}{}
		g.registered++
	}
	return nil
}

// linkDir maps a scanned file's absolute parent directory onto its
// mirrored location under prefix.
func (g *GCRoots) linkDir(entryPath string) string {
	abs := entryPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.cwd, abs)
	}
	parent := filepath.Dir(abs)
	return filepath.Join(g.prefix, strings.TrimPrefix(parent, "/"))
}

// Registered returns the number of links newly created this run; links
// found already pointing at the right target are not counted.
func (g *GCRoots) Registered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registered
}

// NullGCRoots is a printing-only sink used in list-only (non-registering)
// mode: it drains the channel and prints each StorePaths, making no
// filesystem changes whatsoever.
type NullGCRoots struct {
	out *output.Printer
}

// NewNull constructs a NullGCRoots printing through out.
func NewNull(out *output.Printer) *NullGCRoots { return &NullGCRoots{out: out} }

func (n *NullGCRoots) RegisterLoop(rx <-chan *storepaths.StorePaths) {
	for sp := range rx {
		n.out.Print(sp)
	}
}

func (n *NullGCRoots) Commit() error { return nil }

// CurrentUsername resolves the effective user's username, used as the
// default registry prefix owner when none is given explicitly.
func CurrentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", nerrors.New(nerrors.KindWhoAmI, "", err)
	}
	return u.Username, nil
}
