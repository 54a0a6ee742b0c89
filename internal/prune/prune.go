// Package prune deletes replica entries that have no source counterpart.
//
// Both operations look at the immediate children of one directory only;
// the engine reaches deeper levels by calling them once per directory it
// descends into.
package prune

import (
	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/tree"
)

// Removal records one attempted deletion.
type Removal struct {
	Path string
	Kind fsys.Kind
	Err  error
}

// Pruner removes redundant entries from a replica directory.
type Pruner struct {
	fs fsys.Filesystem
}

// New creates a Pruner operating on f.
func New(f fsys.Filesystem) *Pruner {
	return &Pruner{fs: f}
}

// Directories deletes every child directory of dir that is not in keep,
// together with everything below it. An unreadable dir removes nothing.
func (p *Pruner) Directories(dir string, keep tree.PathSet) []Removal {
	_, dirs, err := tree.Children(p.fs, dir)
	if err != nil {
		return nil
	}
	var removals []Removal
	for _, d := range dirs {
		if keep.Has(d) {
			continue
		}
		removals = append(removals, Removal{Path: d, Kind: fsys.KindDir, Err: ignoreMissing(p.fs.RemoveAll(d))})
	}
	return removals
}

// Files deletes every child of dir that is not a directory and not in keep.
func (p *Pruner) Files(dir string, keep tree.PathSet) []Removal {
	files, _, err := tree.Children(p.fs, dir)
	if err != nil {
		return nil
	}
	var removals []Removal
	for _, f := range files {
		if keep.Has(f) {
			continue
		}
		removals = append(removals, Removal{Path: f, Kind: fsys.KindFile, Err: ignoreMissing(p.fs.Remove(f))})
	}
	return removals
}

// An entry that disappeared on its own is as good as removed.
func ignoreMissing(err error) error {
	if err != nil && fsys.IsNotExist(err) {
		return nil
	}
	return err
}
