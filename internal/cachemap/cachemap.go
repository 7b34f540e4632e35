// Package cachemap implements the on-disk codec for the scan cache: an
// inode-keyed map, MessagePack-encoded and LZO1X-compressed, guarded by a
// whole-file exclusive advisory lock.
package cachemap

import (
	"bytes"
	"fmt"
	"io"
	"os"

	lzo "github.com/rasky/go-lzo"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/flyingcircusio/nixgcscan/internal/nerrors"
)

// decompressExpansionFactor is the worst-case inflation bound used to size
// the decompression buffer (§4.B: "worst-case output bound = 10x compressed size").
const decompressExpansionFactor = 10

// CacheLine is one persisted cache entry. Used is runtime-only and is
// never serialized.
type CacheLine struct {
	Ctime     int64    `msgpack:"ctime"`
	CtimeNsec uint8    `msgpack:"ctime_nsec"`
	Refs      []string `msgpack:"refs"`
	Used      bool     `msgpack:"-"`
}

// CacheMap maps inode numbers to cache lines. Keys are unique.
type CacheMap map[uint64]*CacheLine

// OpenLocked opens path read-write, creating it if absent and never
// truncating, and acquires an exclusive non-blocking advisory lock.
// Returns a nerrors.KindLock error if another process holds the lock.
func OpenLocked(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nerrors.New(nerrors.KindLoadCache, path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, nerrors.New(nerrors.KindLock, path, err)
	}

	return f, nil
}

// Load reads and decodes the cache file. Any decompression or decoding
// error is downgraded to a returned (non-fatal) warning flag: the caller
// logs it and proceeds with an empty map. Only unrecoverable I/O errors on
// the read itself are returned as hard errors.
func Load(f *os.File, name string) (m CacheMap, warning error, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, nerrors.New(nerrors.KindLoadCache, name, err)
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, nerrors.New(nerrors.KindLoadCache, name, err)
	}

	if len(raw) == 0 {
		return CacheMap{}, nil, nil
	}

	inflated, derr := lzo.Decompress1X(bytes.NewReader(raw), len(raw), len(raw)*decompressExpansionFactor)
	if derr != nil {
		return CacheMap{}, fmt.Errorf("decompress cache %s: %w", name, derr), nil
	}

	var decoded CacheMap
	if derr := msgpack.Unmarshal(inflated, &decoded); derr != nil {
		return CacheMap{}, fmt.Errorf("decode cache %s: %w", name, derr), nil
	}

	if decoded == nil {
		decoded = CacheMap{}
	}
	return decoded, nil, nil
}

// Save truncates f to zero, MessagePack-encodes m (excluding Used), LZO1X
// compresses the result, and writes it in a single write.
func Save(m CacheMap, f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nerrors.New(nerrors.KindSaveCache, f.Name(), err)
	}
	if err := f.Truncate(0); err != nil {
		return nerrors.New(nerrors.KindSaveCache, f.Name(), err)
	}

	encoded, err := msgpack.Marshal(m)
	if err != nil {
		return nerrors.New(nerrors.KindSaveCache, f.Name(), err)
	}

	compressed := lzo.Compress1X(encoded)

	if _, err := f.Write(compressed); err != nil {
		return nerrors.New(nerrors.KindSaveCache, f.Name(), err)
	}
	return nil
}
