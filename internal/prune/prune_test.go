package prune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/util"

	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/tree"
)

func TestDirectories(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	for _, d := range []string{"/r/subfolder1", "/r/subfolder2/deep"} {
		if err := mem.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := util.WriteFile(mem.Raw(), "/r/subfolder2/deep/x.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(mem.Raw(), "/r/loose.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	removals := New(mem).Directories("/r", tree.NewPathSet("/r/subfolder1"))

	if len(removals) != 1 || removals[0].Path != "/r/subfolder2" || removals[0].Err != nil {
		t.Fatalf("removals = %+v, want one successful removal of /r/subfolder2", removals)
	}
	if removals[0].Kind != fsys.KindDir {
		t.Errorf("kind = %v, want directory", removals[0].Kind)
	}
	remaining := tree.ListDirectories(mem, "/r")
	if !remaining.Has("/r/subfolder1") {
		t.Error("expected /r/subfolder1 to be preserved")
	}
	if remaining.Has("/r/subfolder2") || remaining.Has("/r/subfolder2/deep") {
		t.Error("expected /r/subfolder2 and its contents to be removed")
	}
	if !fsys.Exists(mem, "/r/loose.txt") {
		t.Error("directory pruning must not touch files")
	}
}

func TestFiles(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	for _, f := range []string{"/r/file1.txt", "/r/file2.txt", "/r/sub/file3.txt"} {
		if err := util.WriteFile(mem.Raw(), f, []byte("Sample content."), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	removals := New(mem).Files("/r", tree.NewPathSet("/r/file1.txt"))

	if len(removals) != 1 || removals[0].Path != "/r/file2.txt" || removals[0].Err != nil {
		t.Fatalf("removals = %+v, want one successful removal of /r/file2.txt", removals)
	}
	remaining := tree.ListFiles(mem, "/r")
	if !remaining.Has("/r/file1.txt") {
		t.Error("expected file1.txt to be preserved")
	}
	if remaining.Has("/r/file2.txt") {
		t.Error("expected file2.txt to be removed")
	}
	if !remaining.Has("/r/sub/file3.txt") {
		t.Error("file pruning only looks at immediate children")
	}
}

func TestPruneMissingDirectory(t *testing.T) {
	mem := fsys.NewInMemoryFS()
	p := New(mem)

	if got := p.Files("/missing", tree.NewPathSet()); len(got) != 0 {
		t.Errorf("Files(missing) = %+v, want none", got)
	}
	if got := p.Directories("/missing", tree.NewPathSet()); len(got) != 0 {
		t.Errorf("Directories(missing) = %+v, want none", got)
	}
}

func TestFilesReportsFailures(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	if err := os.Mkdir(locked, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(locked, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chmod(locked, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	removals := New(fsys.NewOSFS()).Files(locked, tree.NewPathSet())
	if len(removals) != 2 {
		t.Fatalf("expected both deletions to be attempted, got %+v", removals)
	}
	for _, r := range removals {
		if r.Err == nil {
			t.Errorf("expected removal of %s to fail", r.Path)
		}
	}
}
