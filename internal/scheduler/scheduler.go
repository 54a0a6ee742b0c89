// Package scheduler drives reconciliation passes on a fixed interval until
// its context is cancelled, then runs one final pass.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dirmirror/internal/events"
	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/metrics"
	"github.com/fruitsalade/dirmirror/internal/mirror"
)

// Reconciler performs one reconciliation pass.
type Reconciler interface {
	Reconcile(sourceDir, replicaDir string) mirror.Stats
}

// Summary describes a finished Run.
type Summary struct {
	// Rounds counts passes made inside the polling loop; the final pass
	// after cancellation is not included.
	Rounds    int
	FinalPass bool
	// TornDown is set when the source was absent on entry and the
	// replica was deleted instead of starting the loop.
	TornDown bool
	Totals   mirror.Stats
}

// Scheduler runs a Reconciler periodically.
type Scheduler struct {
	fs     fsys.Filesystem
	engine Reconciler
	logger *zap.Logger
	events *events.Broadcaster
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBroadcaster publishes round and teardown events to b.
func WithBroadcaster(b *events.Broadcaster) Option {
	return func(s *Scheduler) {
		s.events = b
	}
}

// New creates a Scheduler that checks roots on f and runs engine.
func New(f fsys.Filesystem, engine Reconciler, opts ...Option) *Scheduler {
	s := &Scheduler{
		fs:     f,
		engine: engine,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run mirrors sourceRoot into replicaRoot every interval until ctx is
// cancelled. Cancellation is observed before each round and before each
// wait; once seen, one final pass runs to completion and Run returns.
//
// If sourceRoot does not exist on entry no loop is started: an existing
// replica is deleted and Run returns immediately.
func (s *Scheduler) Run(ctx context.Context, sourceRoot, replicaRoot string, interval time.Duration) Summary {
	var summary Summary

	if !fsys.Exists(s.fs, sourceRoot) {
		summary.TornDown = s.teardown(sourceRoot, replicaRoot)
		return summary
	}

	s.logger.Info("sync started",
		zap.String("source", sourceRoot),
		zap.String("replica", replicaRoot),
		zap.Duration("interval", interval),
	)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for ctx.Err() == nil {
		if fsys.Exists(s.fs, sourceRoot) {
			summary.Rounds++
			stats := s.round(sourceRoot, replicaRoot, summary.Rounds)
			summary.Totals.Add(stats)
		} else {
			s.logger.Warn("source directory missing, waiting", zap.String("source", sourceRoot))
		}

		if ctx.Err() != nil {
			break
		}

		resetTimer(timer, interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	s.logger.Info("shutdown requested, running final pass", zap.Int("rounds", summary.Rounds))
	// The final pass is not bound to ctx: it always runs to completion.
	stats := s.round(sourceRoot, replicaRoot, summary.Rounds+1)
	summary.Totals.Add(stats)
	summary.FinalPass = true

	s.logger.Info("sync stopped",
		zap.Int("rounds", summary.Rounds),
		zap.Int("files_copied", summary.Totals.FilesCopied),
		zap.Int("removed", summary.Totals.Removed),
		zap.Int("errors", summary.Totals.Errors),
	)
	return summary
}

func (s *Scheduler) round(sourceRoot, replicaRoot string, n int) mirror.Stats {
	start := time.Now()
	stats := s.engine.Reconcile(sourceRoot, replicaRoot)
	elapsed := time.Since(start)

	metrics.RecordRound(elapsed)
	s.logger.Info("round complete",
		zap.Int("round", n),
		zap.Int("compared", stats.Compared),
		zap.Int("files_copied", stats.FilesCopied),
		zap.Int64("bytes_copied", stats.BytesCopied),
		zap.Int("dirs_created", stats.DirsCreated),
		zap.Int("removed", stats.Removed),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("errors", stats.Errors),
		zap.Duration("elapsed", elapsed),
	)
	s.events.Publish(events.Event{Type: events.EventRound, Path: replicaRoot, Round: n})
	return stats
}

// teardown deletes the replica because there is nothing left to mirror.
func (s *Scheduler) teardown(sourceRoot, replicaRoot string) bool {
	if !fsys.Exists(s.fs, replicaRoot) {
		s.logger.Info("source directory does not exist, nothing to do",
			zap.String("source", sourceRoot),
		)
		return false
	}

	s.logger.Info("source directory does not exist, deleting replica",
		zap.String("source", sourceRoot),
		zap.String("replica", replicaRoot),
	)
	if err := s.fs.RemoveAll(replicaRoot); err != nil {
		metrics.RecordTeardown(false)
		s.logger.Error("failed to delete replica", zap.String("replica", replicaRoot), zap.Error(err))
		s.events.Publish(events.Event{Type: events.EventError, Path: replicaRoot, Error: err.Error()})
		return false
	}
	metrics.RecordTeardown(true)
	s.events.Publish(events.Event{Type: events.EventTeardown, Path: replicaRoot})
	return true
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
