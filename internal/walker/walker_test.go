package walker

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/flyingcircusio/nixgcscan/internal/direntry"
)

func mkfile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func collectPaths(t *testing.T, w *Walker, root string) []string {
	t.Helper()
	var mu sync.Mutex
	var paths []string
	w.Walk(root, func(e *direntry.Entry) Outcome {
		mu.Lock()
		paths = append(paths, e.Path())
		mu.Unlock()
		return Continue
	})
	sort.Strings(paths)
	return paths
}

func TestWalkVisitsAllFilesAndDirs(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "a.txt"), "a")
	mkfile(t, filepath.Join(root, "sub", "b.txt"), "b")

	w := New(4, nil, nil, "")
	got := collectPaths(t, w, root)

	want := []string{
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "sub"),
		filepath.Join(root, "sub", "b.txt"),
	}
	sort.Strings(want)

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestWalkSkipDoesNotDescend(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "skipme", "hidden.txt"), "x")
	mkfile(t, filepath.Join(root, "visible.txt"), "y")

	w := New(4, nil, nil, "")

	var mu sync.Mutex
	var paths []string
	w.Walk(root, func(e *direntry.Entry) Outcome {
		mu.Lock()
		paths = append(paths, e.Path())
		mu.Unlock()
		if e.Path() == filepath.Join(root, "skipme") {
			return Skip
		}
		return Continue
	})

	for _, p := range paths {
		if p == filepath.Join(root, "skipme", "hidden.txt") {
			t.Fatalf("expected walker not to descend into a Skip-returned directory, visited %v", paths)
		}
	}
}

func TestWalkQuitStopsDispatch(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		mkfile(t, filepath.Join(root, "d"+string(rune('a'+i)), "f.txt"), "x")
	}

	w := New(1, nil, nil, "")

	var mu sync.Mutex
	count := 0
	w.Walk(root, func(e *direntry.Entry) Outcome {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n >= 3 {
			return Quit
		}
		return Continue
	})

	if count > 25 {
		t.Fatalf("expected dispatch to stop promptly after Quit, got %d callbacks", count)
	}
}

func TestWalkHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, ".gitignore"), "ignored.txt\n")
	mkfile(t, filepath.Join(root, "ignored.txt"), "x")
	mkfile(t, filepath.Join(root, "kept.txt"), "y")

	w := New(4, nil, nil, "")
	got := collectPaths(t, w, root)

	for _, p := range got {
		if filepath.Base(p) == "ignored.txt" {
			t.Fatalf("expected .gitignore to exclude ignored.txt, got %v", got)
		}
	}
	found := false
	for _, p := range got {
		if filepath.Base(p) == "kept.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected kept.txt to be visited, got %v", got)
	}
}

func TestWalkNestedGitignoreInheritsParentPatterns(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, ".gitignore"), "*.log\n")
	mkfile(t, filepath.Join(root, "sub", ".gitignore"), "local-ignore.txt\n")
	mkfile(t, filepath.Join(root, "sub", "a.log"), "x")
	mkfile(t, filepath.Join(root, "sub", "local-ignore.txt"), "x")
	mkfile(t, filepath.Join(root, "sub", "kept.txt"), "x")

	w := New(4, nil, nil, "")
	got := collectPaths(t, w, root)

	for _, p := range got {
		base := filepath.Base(p)
		if base == "a.log" || base == "local-ignore.txt" {
			t.Fatalf("expected parent .gitignore pattern to still apply in subdirectory, got %v in %v", base, got)
		}
	}
}

func TestExcludeGlobMatchesBasename(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "keep.txt"), "x")
	mkfile(t, filepath.Join(root, "drop.tmp"), "x")

	w := New(4, nil, []string{"*.tmp"}, "")
	got := collectPaths(t, w, root)

	for _, p := range got {
		if filepath.Ext(p) == ".tmp" {
			t.Fatalf("expected *.tmp to be excluded, got %v", got)
		}
	}
}

func TestIncludeGlobRestrictsToMatchingFiles(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "keep.txt"), "x")
	mkfile(t, filepath.Join(root, "other.dat"), "x")

	w := New(4, []string{"*.txt"}, nil, "")
	got := collectPaths(t, w, root)

	for _, p := range got {
		if filepath.Ext(p) == ".dat" {
			t.Fatalf("expected non-matching file to be excluded by --include, got %v", got)
		}
	}
}
