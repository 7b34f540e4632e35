package cachemap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenLockedCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	f, err := OpenLocked(path)
	if err != nil {
		t.Fatalf("OpenLocked: %v", err)
	}
	defer f.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestOpenLockedSecondOffenderFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	f1, err := OpenLocked(path)
	if err != nil {
		t.Fatalf("first OpenLocked: %v", err)
	}
	defer f1.Close()

	if _, err := OpenLocked(path); err == nil {
		t.Fatalf("expected second OpenLocked to fail while first holds the lock")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	f, err := OpenLocked(path)
	if err != nil {
		t.Fatalf("OpenLocked: %v", err)
	}
	defer f.Close()

	m := CacheMap{
		42: &CacheLine{Ctime: 1700000000, CtimeNsec: 200, Refs: []string{"a", "b"}, Used: true},
	}

	if err := Save(m, f); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, warning, err := Load(f, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if warning != nil {
		t.Fatalf("unexpected warning: %v", warning)
	}

	line, ok := loaded[42]
	if !ok {
		t.Fatalf("expected inode 42 in loaded map")
	}
	if line.Ctime != 1700000000 || line.CtimeNsec != 200 {
		t.Fatalf("ctime mismatch: got %+v", line)
	}
	if len(line.Refs) != 2 || line.Refs[0] != "a" || line.Refs[1] != "b" {
		t.Fatalf("refs mismatch: got %v", line.Refs)
	}
	if line.Used {
		t.Fatalf("Used must never round-trip through the wire format")
	}
}

func TestLoadEmptyFileIsEmptyMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	f, err := OpenLocked(path)
	if err != nil {
		t.Fatalf("OpenLocked: %v", err)
	}
	defer f.Close()

	m, warning, err := Load(f, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if warning != nil {
		t.Fatalf("unexpected warning: %v", warning)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty map, got %v", m)
	}
}

func TestLoadCorruptFileIsWarningNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	if err := os.WriteFile(path, []byte("not a valid lzo blob, but long enough to try"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := OpenLocked(path)
	if err != nil {
		t.Fatalf("OpenLocked: %v", err)
	}
	defer f.Close()

	m, warning, err := Load(f, path)
	if err != nil {
		t.Fatalf("Load must never return a hard error on corrupt data, got %v", err)
	}
	if warning == nil {
		t.Fatalf("expected a warning for corrupt cache data")
	}
	if len(m) != 0 {
		t.Fatalf("expected empty map on corrupt data, got %v", m)
	}
}
