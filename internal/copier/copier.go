// Package copier materializes source files and directory trees in the
// replica.
package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"

	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/retry"
	"github.com/fruitsalade/dirmirror/internal/tree"
)

// ChunkSize is the buffer size used when streaming file content.
const ChunkSize = 8 * 1024

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

// Result describes one entry handled by CopyTree.
type Result struct {
	Source string
	Dest   string
	Kind   fsys.Kind
	Bytes  int64
	Err    error
}

// Copier copies files between locations of one filesystem.
type Copier struct {
	fs    fsys.Filesystem
	retry retry.Config
}

// Option configures a Copier.
type Option func(*Copier)

// WithRetry sets the retry policy applied to each file copy.
func WithRetry(cfg retry.Config) Option {
	return func(c *Copier) {
		c.retry = cfg
	}
}

// New creates a Copier operating on f.
func New(f fsys.Filesystem, opts ...Option) *Copier {
	c := &Copier{
		fs:    f,
		retry: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CopyFile streams src into dst, replacing any previous content. Parent
// directories of dst must already exist. A failed copy may leave a partial
// dst behind; the next pass compares and rewrites it.
func (c *Copier) CopyFile(src, dst string) (int64, error) {
	n, err := retry.DoWithResult(context.Background(), c.retry, func() (int64, error) {
		n, err := c.copyOnce(src, dst)
		if err != nil && !fsys.IsNotExist(err) {
			return n, retry.Retryable(err)
		}
		return n, err
	})
	var retryable retry.RetryableError
	if errors.As(err, &retryable) {
		err = retryable.Err
	}
	return n, err
}

func (c *Copier) copyOnce(src, dst string) (int64, error) {
	in, err := c.fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	// Backends create missing parents on O_CREATE; CopyFile must not.
	if parent := filepath.Dir(dst); fsys.KindOf(c.fs, parent) != fsys.KindDir {
		return 0, fmt.Errorf("open destination %s: %w", dst,
			&fs.PathError{Op: "open", Path: parent, Err: fs.ErrNotExist})
	}

	out, err := c.openDestination(dst)
	if err != nil {
		return 0, fmt.Errorf("open destination %s: %w", dst, err)
	}

	buf := make([]byte, ChunkSize)
	n, err := io.CopyBuffer(out, in, buf)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close destination %s: %w", dst, err)
	}
	return n, nil
}

// openDestination truncates dst for writing. A read-only dst left by an
// earlier metadata-preserving copy is replaced instead.
func (c *Copier) openDestination(dst string) (billy.File, error) {
	const flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	out, err := c.fs.OpenFile(dst, flags, filePerm)
	if err == nil || !errors.Is(err, fs.ErrPermission) || fsys.KindOf(c.fs, dst) != fsys.KindFile {
		return out, err
	}
	if rmErr := c.fs.Remove(dst); rmErr != nil {
		return nil, err
	}
	return c.fs.OpenFile(dst, flags, filePerm)
}

// CopyTree mirrors srcDir below dstDir. Each entry lands at
// dstDir/rel(entry, relativeTo), so passing srcDir as relativeTo copies the
// contents of srcDir into dstDir while an ancestor of srcDir keeps the
// intermediate path components. Files keep their mode and timestamps where
// the filesystem supports it. Failures are reported per entry and never stop
// the walk.
func (c *Copier) CopyTree(srcDir, dstDir, relativeTo string) []Result {
	var results []Result

	root, err := tree.Rebase(srcDir, relativeTo, dstDir)
	if err != nil {
		return append(results, Result{Source: srcDir, Dest: dstDir, Kind: fsys.KindDir, Err: err})
	}
	if err := c.fs.MkdirAll(root, dirPerm); err != nil {
		return append(results, Result{Source: srcDir, Dest: root, Kind: fsys.KindDir, Err: err})
	}
	results = append(results, Result{Source: srcDir, Dest: root, Kind: fsys.KindDir})

	// Sorted order creates parents before their children.
	for _, dir := range tree.ListDirectories(c.fs, srcDir).Sorted() {
		r := Result{Source: dir, Kind: fsys.KindDir}
		r.Dest, r.Err = tree.Rebase(dir, relativeTo, dstDir)
		if r.Err == nil {
			r.Err = c.fs.MkdirAll(r.Dest, dirPerm)
		}
		results = append(results, r)
	}

	for _, file := range tree.ListFiles(c.fs, srcDir).Sorted() {
		r := Result{Source: file, Kind: fsys.KindFile}
		r.Dest, r.Err = tree.Rebase(file, relativeTo, dstDir)
		if r.Err == nil {
			r.Bytes, r.Err = c.copyPreserving(file, r.Dest)
		}
		results = append(results, r)
	}

	return results
}

func (c *Copier) copyPreserving(src, dst string) (int64, error) {
	info, statErr := c.fs.Stat(src)
	if err := c.fs.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return 0, err
	}
	n, err := c.CopyFile(src, dst)
	if err != nil {
		return n, err
	}
	if statErr == nil {
		if err := c.fs.Preserve(dst, info); err != nil {
			return n, err
		}
	}
	return n, nil
}
