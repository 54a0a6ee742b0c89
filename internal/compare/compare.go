// Package compare decides byte-exact equality of two files.
package compare

import (
	"bytes"
	"errors"
	"io"

	"github.com/fruitsalade/dirmirror/internal/fsys"
)

// ChunkSize is the read size used when streaming both files.
const ChunkSize = 8 * 1024

// Equal reports whether a and b are both regular files with identical
// content. A missing path, a directory or any read error makes them
// unequal. Timestamps and permissions are never consulted.
func Equal(f fsys.Filesystem, a, b string) bool {
	infoA, err := f.Stat(a)
	if err != nil || infoA.IsDir() {
		return false
	}
	infoB, err := f.Stat(b)
	if err != nil || infoB.IsDir() {
		return false
	}
	if infoA.Size() != infoB.Size() {
		return false
	}

	fa, err := f.Open(a)
	if err != nil {
		return false
	}
	defer fa.Close()
	fb, err := f.Open(b)
	if err != nil {
		return false
	}
	defer fb.Close()

	return sameContent(fa, fb)
}

func sameContent(ra, rb io.Reader) bool {
	bufA := make([]byte, ChunkSize)
	bufB := make([]byte, ChunkSize)
	for {
		na, errA := io.ReadFull(ra, bufA)
		nb, errB := io.ReadFull(rb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false
		}
		endA, okA := endOfData(errA)
		endB, okB := endOfData(errB)
		if !okA || !okB {
			return false
		}
		if endA || endB {
			return endA == endB
		}
	}
}

// endOfData classifies a ReadFull error: end reports the stream is
// exhausted, ok is false for real read failures.
func endOfData(err error) (end, ok bool) {
	switch {
	case err == nil:
		return false, true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true, true
	default:
		return false, false
	}
}
