// Package fsys adapts go-billy filesystems to the operations the mirror
// engine needs. Paths are absolute and interpreted by the backend.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Filesystem is the view of a directory tree shared by the enumerator,
// comparator, copier and pruner.
type Filesystem interface {
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.FileInfo, error)
	Open(name string) (billy.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (billy.File, error)
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(name string) error
	Walk(root string, walkFn filepath.WalkFunc) error

	// Preserve copies mode and timestamps from info onto name when the
	// backend supports it. Backends without metadata support return nil.
	Preserve(name string, info os.FileInfo) error
}

var _ Filesystem = (*FS)(nil)

// FS implements Filesystem on top of a go-billy filesystem.
type FS struct {
	fs       billy.Filesystem
	readDir  func(name string) ([]os.FileInfo, error)
	preserve func(name string, info os.FileInfo) error
}

// NewOSFS returns a filesystem backed by the host OS, rooted at "/".
func NewOSFS() *FS {
	return &FS{
		fs:       osfs.New(string(filepath.Separator)),
		readDir:  readDirOS,
		preserve: preserveOS,
	}
}

// NewInMemoryFS returns an empty in-memory filesystem.
func NewInMemoryFS() *FS {
	return NewFS(memfs.New())
}

// NewFS wraps an arbitrary go-billy filesystem.
func NewFS(bfs billy.Filesystem) *FS {
	b := &FS{fs: bfs}
	b.readDir = bfs.ReadDir
	b.preserve = b.preserveChange
	return b
}

// Raw returns the underlying go-billy filesystem.
//
//nolint:ireturn // exposes the adapter target for tests and tooling.
func (b *FS) Raw() billy.Filesystem {
	return b.fs
}

// Stat implements Filesystem.Stat.
func (b *FS) Stat(name string) (os.FileInfo, error) {
	info, err := b.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("fsys: stat %q: %w", name, err)
	}
	return info, nil
}

// ReadDir implements Filesystem.ReadDir. On the OS backend an entry that
// disappears while the directory is being read is left out instead of
// failing the whole listing.
func (b *FS) ReadDir(name string) ([]os.FileInfo, error) {
	list, err := b.readDir(name)
	if err != nil {
		return nil, fmt.Errorf("fsys: readdir %q: %w", name, err)
	}
	return list, nil
}

// Open implements Filesystem.Open.
//
//nolint:ireturn // billy.File is the handle type of every backend.
func (b *FS) Open(name string) (billy.File, error) {
	f, err := b.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("fsys: open %q: %w", name, err)
	}
	return f, nil
}

// OpenFile implements Filesystem.OpenFile.
//
//nolint:ireturn // billy.File is the handle type of every backend.
func (b *FS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := b.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, fmt.Errorf("fsys: openfile %q: %w", name, err)
	}
	return f, nil
}

// MkdirAll implements Filesystem.MkdirAll.
func (b *FS) MkdirAll(name string, perm os.FileMode) error {
	if err := b.fs.MkdirAll(name, perm); err != nil {
		return fmt.Errorf("fsys: mkdirall %q: %w", name, err)
	}
	return nil
}

// Remove implements Filesystem.Remove.
func (b *FS) Remove(name string) error {
	if err := b.fs.Remove(name); err != nil {
		return fmt.Errorf("fsys: remove %q: %w", name, err)
	}
	return nil
}

// RemoveAll implements Filesystem.RemoveAll.
func (b *FS) RemoveAll(name string) error {
	if err := util.RemoveAll(b.fs, name); err != nil {
		return fmt.Errorf("fsys: removeall %q: %w", name, err)
	}
	return nil
}

// Walk implements Filesystem.Walk.
func (b *FS) Walk(root string, walkFn filepath.WalkFunc) error {
	if err := util.Walk(b.fs, root, walkFn); err != nil {
		return fmt.Errorf("fsys: walk %q: %w", root, err)
	}
	return nil
}

// Preserve implements Filesystem.Preserve.
func (b *FS) Preserve(name string, info os.FileInfo) error {
	if info == nil {
		return nil
	}
	if err := b.preserve(name, info); err != nil {
		return fmt.Errorf("fsys: preserve %q: %w", name, err)
	}
	return nil
}

func (b *FS) preserveChange(name string, info os.FileInfo) error {
	ch, ok := b.fs.(billy.Change)
	if !ok {
		return nil
	}
	if err := ch.Chmod(name, info.Mode().Perm()); err != nil {
		return err
	}
	return ch.Chtimes(name, info.ModTime(), info.ModTime())
}

func readDirOS(name string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func preserveOS(name string, info os.FileInfo) error {
	if err := os.Chmod(name, info.Mode().Perm()); err != nil {
		return err
	}
	// Access time is not portable across platforms; mtime stands in for both.
	return os.Chtimes(name, info.ModTime(), info.ModTime())
}

// Kind is the type of an entry resolved at observation time.
type Kind int

const (
	KindAbsent Kind = iota
	KindFile
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	default:
		return "absent"
	}
}

// KindOf stats name and reports what it currently is. Stat failures other
// than "not exist" are reported as KindAbsent as well; the caller will hit
// the underlying error on the next real operation.
func KindOf(f Filesystem, name string) Kind {
	info, err := f.Stat(name)
	if err != nil {
		return KindAbsent
	}
	if info.IsDir() {
		return KindDir
	}
	return KindFile
}

// Exists reports whether name is present, following links.
func Exists(f Filesystem, name string) bool {
	_, err := f.Stat(name)
	return err == nil
}

// IsNotExist reports whether err was caused by a missing path.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
