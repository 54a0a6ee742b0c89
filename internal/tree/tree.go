// Package tree enumerates directory trees and maps paths between a source
// root and its replica.
package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fruitsalade/dirmirror/internal/fsys"
)

// PathSet is an unordered set of absolute paths.
type PathSet map[string]struct{}

// NewPathSet builds a set from paths.
func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	for _, p := range paths {
		s.Add(p)
	}
	return s
}

// Add inserts p in its cleaned form.
func (s PathSet) Add(p string) {
	s[filepath.Clean(p)] = struct{}{}
}

// Has reports whether p is in the set.
func (s PathSet) Has(p string) bool {
	_, ok := s[filepath.Clean(p)]
	return ok
}

// Sorted returns the members in lexical order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ListDirectories returns every directory strictly below root. The root
// itself is excluded. Entries that vanish or cannot be read while walking
// are skipped.
func ListDirectories(f fsys.Filesystem, root string) PathSet {
	dirs := make(PathSet)
	walk(f, root, func(path string, info os.FileInfo) {
		if info.IsDir() {
			dirs.Add(path)
		}
	})
	return dirs
}

// ListFiles returns every non-directory entry below root.
func ListFiles(f fsys.Filesystem, root string) PathSet {
	files := make(PathSet)
	walk(f, root, func(path string, info os.FileInfo) {
		if !info.IsDir() {
			files.Add(path)
		}
	})
	return files
}

func walk(f fsys.Filesystem, root string, visit func(path string, info os.FileInfo)) {
	root = filepath.Clean(root)
	// Errors are swallowed: a racing deletion shows up where the path is used next.
	_ = f.Walk(root, func(path string, info os.FileInfo, err error) error {
		if info == nil {
			return nil
		}
		if filepath.Clean(path) == root {
			return nil
		}
		visit(path, info)
		return nil
	})
}

// Children lists the immediate entries of dir, split into files and
// directories, each sorted. A listing error is returned as is; callers
// must not treat an unreadable dir as an empty one.
func Children(f fsys.Filesystem, dir string) (files, dirs []string, err error) {
	entries, err := f.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs, nil
}

// Rebase maps p, which must lie under fromRoot, to the same relative
// position under toRoot.
func Rebase(p, fromRoot, toRoot string) (string, error) {
	rel, err := filepath.Rel(fromRoot, p)
	if err != nil {
		return "", fmt.Errorf("rebase %s: %w", p, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("rebase %s: not under %s", p, fromRoot)
	}
	return BuildPath(toRoot, rel), nil
}

// RebaseAll maps every path in paths from fromRoot to toRoot. Paths that
// are not under fromRoot are dropped.
func RebaseAll(paths []string, fromRoot, toRoot string) PathSet {
	out := make(PathSet, len(paths))
	for _, p := range paths {
		if mapped, err := Rebase(p, fromRoot, toRoot); err == nil {
			out.Add(mapped)
		}
	}
	return out
}

// BuildPath joins a folder and a relative name.
func BuildPath(folder, name string) string {
	return filepath.Join(folder, name)
}

// Within reports whether p equals root or lies below it.
func Within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
