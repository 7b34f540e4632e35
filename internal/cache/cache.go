// Package cache provides the thread-safe, inode-keyed scan cache with
// ctime-based change detection and mark-and-sweep eviction on commit.
package cache

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/flyingcircusio/nixgcscan/internal/cachemap"
	"github.com/flyingcircusio/nixgcscan/internal/direntry"
	"github.com/flyingcircusio/nixgcscan/internal/nerrors"
	"github.com/flyingcircusio/nixgcscan/internal/storepaths"
)

// LookupKind classifies the outcome of Lookup.
type LookupKind int

const (
	Miss LookupKind = iota
	Hit
	Dir
)

// Cache is a thread-safe, inode-keyed mapping from inode number to the
// store-path references last seen there, backed by an optional on-disk
// file guarded by an exclusive advisory lock.
type Cache struct {
	mu       sync.RWMutex
	m        cachemap.CacheMap
	file     *os.File
	filename string
	dirty    atomic.Bool
	hits     atomic.Uint64
	misses   atomic.Uint64
	limit    int // 0 = unlimited
}

// New constructs an empty, file-less cache. limit <= 0 means unlimited.
func New(limit int) *Cache {
	return &Cache{m: cachemap.CacheMap{}, limit: limit}
}

// Open acquires the cache file's exclusive lock and populates the map from
// it if non-empty. dirty is false if the file carried a loadable map, true
// if the file was empty (so the first run after creation always produces a
// well-formed file on commit).
func (c *Cache) Open(path string) error {
	f, err := cachemap.OpenLocked(path)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nerrors.New(nerrors.KindLoadCache, path, err)
	}

	m, warning, err := cachemap.Load(f, path)
	if err != nil {
		_ = f.Close()
		return err
	}
	if warning != nil {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", path, warning)
	}

	c.mu.Lock()
	c.m = m
	c.mu.Unlock()

	c.file = f
	c.filename = path
	c.dirty.Store(info.Size() == 0)

	return nil
}

// Lookup classifies an entry: Dir for directories (map untouched), Hit if
// an unexpired cache line exists, Miss otherwise (never an error).
func (c *Cache) Lookup(entry *direntry.Entry) (*storepaths.StorePaths, LookupKind) {
	if ft, ok := entry.FileType(); ok && ft == direntry.TypeDirectory {
		return storepaths.New(entry, nil, true, 0), Dir
	}

	// Metadata fills in the inode when the walker did not supply one.
	meta, err := entry.Metadata()
	if err != nil {
		c.misses.Add(1)
		return nil, Miss
	}

	ino, ok := entry.Inode()
	if !ok {
		c.misses.Add(1)
		return nil, Miss
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line, ok := c.m[ino]
	if !ok {
		c.misses.Add(1)
		return nil, Miss
	}

	if line.Ctime != meta.CtimeSec || line.CtimeNsec != direntry.CtimeNsecByte(meta) {
		c.misses.Add(1)
		return nil, Miss
	}

	line.Used = true
	c.hits.Add(1)
	return storepaths.New(entry, line.Refs, true, 0), Hit
}

// Insert records sp's metadata into the cache under its inode. No-op if sp
// is already Cached. Returns a hard nerrors.KindCacheFull error if the
// configured capacity would be exceeded.
func (c *Cache) Insert(sp *storepaths.StorePaths) error {
	if sp.Cached {
		return nil
	}

	meta, err := sp.Metadata()
	if err != nil {
		return err
	}
	ino, err := sp.Inode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.m[ino]; !exists && c.limit > 0 && len(c.m) >= c.limit {
		return nerrors.New(nerrors.KindCacheFull, sp.Path(), fmt.Errorf("limit=%d", c.limit))
	}

	c.m[ino] = &cachemap.CacheLine{
		Ctime:     meta.CtimeSec,
		CtimeNsec: direntry.CtimeNsecByte(meta),
		Refs:      sp.Refs,
		Used:      true,
	}
	c.dirty.Store(true)
	return nil
}

// Commit retains only cache lines touched (hit or inserted) during this
// run and persists the result. No-op if no file is attached or the cache
// is already clean.
func (c *Cache) Commit() error {
	if c.file == nil {
		return nil
	}
	if !c.dirty.CompareAndSwap(true, false) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for ino, line := range c.m {
		if !line.Used {
			delete(c.m, ino)
		}
	}

	return cachemap.Save(c.m, c.file)
}

// Close releases the cache file's lock, if any.
func (c *Cache) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// Len returns the number of entries currently held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// HitRatio returns hits/(hits+misses), or 0.0 if there were no lookups.
func (c *Cache) HitRatio() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	if hits+misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}

// LogStatistics writes a one-line cache summary to w.
func (c *Cache) LogStatistics(w io.Writer) {
	fmt.Fprintf(w, "cache %s: %d entries, %d hits, %d misses (%.1f%% hit ratio)\n",
		c.filename, c.Len(), c.hits.Load(), c.misses.Load(), c.HitRatio()*100)
}
