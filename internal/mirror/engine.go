// Package mirror implements one reconciliation pass: after Reconcile
// returns, the replica directory matches the source directory as it was
// observed during the pass.
//
// Each directory pair is handled as a frame in one of four states:
//
//   - source is no longer a directory: the branch is skipped (vanished source)
//   - replica is absent: the whole source subtree is copied (fresh copy)
//   - replica is a file: the branch is skipped until a later pass (type conflict)
//   - otherwise: redundant replica entries are pruned, changed files are
//     copied and every source subdirectory becomes a new frame
//
// Frames are kept on an explicit stack, so tree depth is bounded by memory
// rather than by the goroutine stack.
package mirror

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dirmirror/internal/compare"
	"github.com/fruitsalade/dirmirror/internal/copier"
	"github.com/fruitsalade/dirmirror/internal/events"
	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/metrics"
	"github.com/fruitsalade/dirmirror/internal/prune"
	"github.com/fruitsalade/dirmirror/internal/retry"
	"github.com/fruitsalade/dirmirror/internal/tree"
)

// Stats summarizes what a pass changed.
type Stats struct {
	Compared    int
	FilesCopied int
	BytesCopied int64
	DirsCreated int
	Removed     int
	Conflicts   int
	Errors      int
	Duration    time.Duration
}

// Changed reports whether the pass modified the replica.
func (s Stats) Changed() bool {
	return s.FilesCopied > 0 || s.DirsCreated > 0 || s.Removed > 0
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Compared += o.Compared
	s.FilesCopied += o.FilesCopied
	s.BytesCopied += o.BytesCopied
	s.DirsCreated += o.DirsCreated
	s.Removed += o.Removed
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
	s.Duration += o.Duration
}

// Engine reconciles a replica directory against a source directory.
type Engine struct {
	fs     fsys.Filesystem
	copier *copier.Copier
	pruner *prune.Pruner
	retry  retry.Config
	logger *zap.Logger
	events *events.Broadcaster
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBroadcaster publishes copy, remove and conflict events to b.
func WithBroadcaster(b *events.Broadcaster) Option {
	return func(e *Engine) {
		e.events = b
	}
}

// WithCopyAttempts sets how many times a single file copy is attempted.
func WithCopyAttempts(n int) Option {
	return func(e *Engine) {
		e.retry = retry.Attempts(n)
	}
}

// New creates an Engine operating on f.
func New(f fsys.Filesystem, opts ...Option) *Engine {
	e := &Engine{
		fs:     f,
		retry:  retry.DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.copier = copier.New(f, copier.WithRetry(e.retry))
	e.pruner = prune.New(f)
	return e
}

type frame struct {
	source  string
	replica string
}

// Reconcile makes replicaDir an exact copy of sourceDir. It never fails as
// a whole: per-entry problems are logged, counted in the returned Stats and
// left for the next pass to retry.
func (e *Engine) Reconcile(sourceDir, replicaDir string) Stats {
	start := time.Now()
	var stats Stats

	stack := []frame{{source: filepath.Clean(sourceDir), replica: filepath.Clean(replicaDir)}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, e.reconcileFrame(fr, &stats)...)
	}

	stats.Duration = time.Since(start)
	return stats
}

// reconcileFrame handles one directory pair and returns the frames for its
// subdirectories, last one first so they are popped in sorted order.
func (e *Engine) reconcileFrame(fr frame, stats *Stats) []frame {
	if fsys.KindOf(e.fs, fr.source) != fsys.KindDir {
		e.conflict(stats, fr, metrics.ReasonSourceMissing, "source directory vanished, skipping branch")
		return nil
	}

	switch fsys.KindOf(e.fs, fr.replica) {
	case fsys.KindAbsent:
		e.freshCopy(fr, stats)
		return nil
	case fsys.KindFile:
		e.conflict(stats, fr, metrics.ReasonTypeConflict, "replica path is a file where a directory is expected, skipping branch")
		return nil
	}

	files, dirs, err := tree.Children(e.fs, fr.source)
	if err != nil {
		// An unreadable listing is not an empty one; nothing is pruned
		// or copied for this branch until a later pass can read it.
		stats.Errors++
		e.logger.Error("failed to list source directory, skipping branch",
			zap.String("source", fr.source),
			zap.String("replica", fr.replica),
			zap.Error(err),
		)
		e.events.Publish(events.Event{Type: events.EventError, Path: fr.source, Kind: fsys.KindDir.String(), Error: err.Error()})
		return nil
	}
	keepDirs := tree.RebaseAll(dirs, fr.source, fr.replica)
	keepFiles := tree.RebaseAll(files, fr.source, fr.replica)

	// Pruning first clears type flips (file <-> directory) before anything
	// is copied into their place.
	for _, r := range e.pruner.Directories(fr.replica, keepDirs) {
		e.recordRemoval(stats, r)
	}
	for _, r := range e.pruner.Files(fr.replica, keepFiles) {
		e.recordRemoval(stats, r)
	}

	for _, src := range files {
		dst := tree.BuildPath(fr.replica, filepath.Base(src))
		stats.Compared++
		if compare.Equal(e.fs, src, dst) {
			continue
		}
		n, err := e.copier.CopyFile(src, dst)
		e.recordCopy(stats, src, dst, n, err)
	}

	next := make([]frame, 0, len(dirs))
	for i := len(dirs) - 1; i >= 0; i-- {
		next = append(next, frame{
			source:  dirs[i],
			replica: tree.BuildPath(fr.replica, filepath.Base(dirs[i])),
		})
	}
	return next
}

func (e *Engine) freshCopy(fr frame, stats *Stats) {
	e.logger.Debug("replica directory missing, copying tree",
		zap.String("source", fr.source),
		zap.String("replica", fr.replica),
	)
	for _, r := range e.copier.CopyTree(fr.source, fr.replica, fr.source) {
		if r.Kind == fsys.KindFile {
			e.recordCopy(stats, r.Source, r.Dest, r.Bytes, r.Err)
			continue
		}
		if r.Err != nil {
			stats.Errors++
			e.logger.Error("failed to create directory",
				zap.String("path", r.Dest),
				zap.Error(r.Err),
			)
			e.events.Publish(events.Event{Type: events.EventError, Path: r.Dest, Kind: r.Kind.String(), Error: r.Err.Error()})
			continue
		}
		stats.DirsCreated++
		e.logger.Info("directory created", zap.String("path", r.Dest))
		e.events.Publish(events.Event{Type: events.EventCopy, Path: r.Dest, Kind: r.Kind.String()})
	}
}

func (e *Engine) recordCopy(stats *Stats, src, dst string, n int64, err error) {
	metrics.RecordCopy(n, err == nil)
	if err != nil {
		stats.Errors++
		e.logger.Error("failed to copy file",
			zap.String("source", src),
			zap.String("replica", dst),
			zap.Error(err),
		)
		e.events.Publish(events.Event{Type: events.EventError, Path: dst, Kind: fsys.KindFile.String(), Error: err.Error()})
		return
	}
	stats.FilesCopied++
	stats.BytesCopied += n
	e.logger.Info("file copied",
		zap.String("source", src),
		zap.String("replica", dst),
		zap.Int64("bytes", n),
	)
	e.events.Publish(events.Event{Type: events.EventCopy, Path: dst, Kind: fsys.KindFile.String(), Size: n})
}

func (e *Engine) recordRemoval(stats *Stats, r prune.Removal) {
	metrics.RecordRemoval(r.Kind.String(), r.Err == nil)
	if r.Err != nil {
		stats.Errors++
		e.logger.Error("failed to remove redundant entry",
			zap.String("path", r.Path),
			zap.Stringer("kind", r.Kind),
			zap.Error(r.Err),
		)
		e.events.Publish(events.Event{Type: events.EventError, Path: r.Path, Kind: r.Kind.String(), Error: r.Err.Error()})
		return
	}
	stats.Removed++
	e.logger.Info("redundant entry removed",
		zap.String("path", r.Path),
		zap.Stringer("kind", r.Kind),
	)
	e.events.Publish(events.Event{Type: events.EventRemove, Path: r.Path, Kind: r.Kind.String()})
}

func (e *Engine) conflict(stats *Stats, fr frame, reason, msg string) {
	stats.Conflicts++
	metrics.RecordConflict(reason)
	e.logger.Error(msg,
		zap.String("source", fr.source),
		zap.String("replica", fr.replica),
		zap.String("reason", reason),
	)
	e.events.Publish(events.Event{
		Type:  events.EventConflict,
		Path:  fr.replica,
		Error: fmt.Sprintf("%s: %s", reason, fr.source),
	})
}
