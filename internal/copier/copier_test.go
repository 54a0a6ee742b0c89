package copier

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/retry"
)

func writeMem(t *testing.T, mem *fsys.FS, p, content string) {
	t.Helper()
	if err := util.WriteFile(mem.Raw(), p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", p, err)
	}
}

func readMem(t *testing.T, mem *fsys.FS, p string) string {
	t.Helper()
	data, err := util.ReadFile(mem.Raw(), p)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", p, err)
	}
	return string(data)
}

func TestCopyFile(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/t/source_file.txt", "This is some content.")

	c := New(mem)
	n, err := c.CopyFile("/t/source_file.txt", "/t/replica_file.txt")
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if n != int64(len("This is some content.")) {
		t.Errorf("copied %d bytes, want %d", n, len("This is some content."))
	}
	if got := readMem(t, mem, "/t/replica_file.txt"); got != "This is some content." {
		t.Errorf("replica content = %q", got)
	}
}

func TestCopyFileTruncatesDestination(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/t/src", "short")
	writeMem(t, mem, "/t/dst", "a much longer previous content")

	if _, err := New(mem).CopyFile("/t/src", "/t/dst"); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if got := readMem(t, mem, "/t/dst"); got != "short" {
		t.Errorf("dst = %q, want %q", got, "short")
	}
}

func TestCopyFileMissingSource(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	if err := mem.MkdirAll("/t", 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := New(mem).CopyFile("/t/non_existing.txt", "/t/non_existing_replica.txt")
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	if !fsys.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if fsys.Exists(mem, "/t/non_existing_replica.txt") {
		t.Error("replica file must not be created for a missing source")
	}
}

func TestCopyFileMissingParent(t *testing.T) {
	t.Run("memfs", func(t *testing.T) {
		mem := fsys.NewInMemoryFS()
		writeMem(t, mem, "/t/src", "x")

		_, err := New(mem).CopyFile("/t/src", "/t/missing/dst")
		if !fsys.IsNotExist(err) {
			t.Fatalf("CopyFile error = %v, want not-exist", err)
		}
		if fsys.Exists(mem, "/t/missing") {
			t.Error("CopyFile must not create the destination parent")
		}
	})

	t.Run("os", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "src")
		if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := New(fsys.NewOSFS()).CopyFile(src, filepath.Join(dir, "missing", "dst"))
		if !fsys.IsNotExist(err) {
			t.Fatalf("CopyFile error = %v, want not-exist", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
			t.Errorf("destination parent was created, stat err = %v", err)
		}
	})
}

func TestCopyFileParentIsFile(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/t/src", "x")
	writeMem(t, mem, "/t/blocker", "not a dir")

	if _, err := New(mem).CopyFile("/t/src", "/t/blocker/dst"); err == nil {
		t.Fatal("expected error when the destination parent is a file")
	}
}

func TestCopyFileReplacesReadOnlyDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	replica := filepath.Join(dir, "replica")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(src, "locked.txt")
	if err := os.WriteFile(file, []byte("v1"), 0o444); err != nil {
		t.Fatal(err)
	}

	c := New(fsys.NewOSFS())
	for _, r := range c.CopyTree(src, replica, src) {
		if r.Err != nil {
			t.Fatalf("copy %s failed: %v", r.Source, r.Err)
		}
	}

	if err := os.Chmod(file, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte("v2"), 0o444); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(replica, "locked.txt")
	if _, err := c.CopyFile(file, dst); err != nil {
		t.Fatalf("CopyFile over read-only replica: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("dst = %q, want v2", data)
	}
}

func TestCopyTree(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/src/a.txt", "hello")
	writeMem(t, mem, "/src/b/c.txt", "nested")
	if err := mem.MkdirAll("/src/empty", 0o755); err != nil {
		t.Fatal(err)
	}

	results := New(mem).CopyTree("/src", "/replica", "/src")
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("copy %s -> %s failed: %v", r.Source, r.Dest, r.Err)
		}
	}

	if got := readMem(t, mem, "/replica/a.txt"); got != "hello" {
		t.Errorf("a.txt = %q", got)
	}
	if got := readMem(t, mem, "/replica/b/c.txt"); got != "nested" {
		t.Errorf("b/c.txt = %q", got)
	}
	if fsys.KindOf(mem, "/replica/empty") != fsys.KindDir {
		t.Error("expected empty directory to be created")
	}
}

func TestCopyTreeRelativeToParent(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/data/src/file.txt", "content")

	results := New(mem).CopyTree("/data/src", "/replica", "/data")
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("copy %s failed: %v", r.Source, r.Err)
		}
	}
	if got := readMem(t, mem, "/replica/src/file.txt"); got != "content" {
		t.Errorf("file.txt = %q", got)
	}
}

func TestCopyTreeEmptySource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source")
	if err := os.Mkdir(src, 0o755); err != nil {
		t.Fatal(err)
	}
	replica := filepath.Join(dir, "replica_folder")

	New(fsys.NewOSFS()).CopyTree(src, replica, dir)

	if _, err := os.Stat(filepath.Join(replica, "source")); err != nil {
		t.Errorf("expected replica folder to exist after copying: %v", err)
	}
}

func TestCopyTreePreservesTimestamps(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(src, "sub", "old.txt")
	if err := os.WriteFile(file, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	past := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(file, past, past); err != nil {
		t.Fatal(err)
	}

	replica := filepath.Join(dir, "replica")
	for _, r := range New(fsys.NewOSFS()).CopyTree(src, replica, src) {
		if r.Err != nil {
			t.Fatalf("copy %s failed: %v", r.Source, r.Err)
		}
	}

	info, err := os.Stat(filepath.Join(replica, "sub", "old.txt"))
	if err != nil {
		t.Fatalf("stat copy: %v", err)
	}
	if !info.ModTime().Equal(past) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), past)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

// flakyFS fails the first failures OpenFile calls.
type flakyFS struct {
	*fsys.FS
	failures int
}

func (f *flakyFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("device busy")
	}
	return f.FS.OpenFile(name, flag, perm)
}

func TestCopyFileRetriesTransientFailures(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/t/src", "payload")
	flaky := &flakyFS{FS: mem, failures: 2}

	cfg := retry.Attempts(3)
	cfg.InitialWait = time.Millisecond
	if _, err := New(flaky, WithRetry(cfg)).CopyFile("/t/src", "/t/dst"); err != nil {
		t.Fatalf("CopyFile with retries: %v", err)
	}
	if got := readMem(t, mem, "/t/dst"); got != "payload" {
		t.Errorf("dst = %q", got)
	}
}

func TestCopyFileWithoutRetryFails(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	writeMem(t, mem, "/t/src", "payload")
	flaky := &flakyFS{FS: mem, failures: 1}

	_, err := New(flaky).CopyFile("/t/src", "/t/dst")
	if err == nil {
		t.Fatal("expected failure without retries")
	}
	if retry.IsRetryable(err) {
		t.Error("returned error should be unwrapped from the retry marker")
	}
}
