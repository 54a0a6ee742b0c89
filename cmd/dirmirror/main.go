// dirmirror keeps a replica directory identical to a source directory.
//
// Sub-commands:
//
//	dirmirror sync -source DIR -replica DIR [flags]   Mirror until interrupted
//	dirmirror version                                 Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dirmirror/internal/config"
	"github.com/fruitsalade/dirmirror/internal/events"
	"github.com/fruitsalade/dirmirror/internal/fsys"
	"github.com/fruitsalade/dirmirror/internal/logging"
	"github.com/fruitsalade/dirmirror/internal/metrics"
	"github.com/fruitsalade/dirmirror/internal/mirror"
	"github.com/fruitsalade/dirmirror/internal/scheduler"
)

// Set with -ldflags "-X main.version=...".
var version = ""

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "sync":
		os.Exit(cmdSync(os.Args[2:]))
	case "version":
		printVersion(os.Stdout, resolveVersion())
	case "help", "-h", "-help", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `dirmirror - one-way directory mirroring

Usage:
  dirmirror sync -source DIR -replica DIR [flags]
  dirmirror version

Sync flags:
  -source, -s <dir>      Source directory (required)
  -replica, -r <dir>     Replica directory (required)
  -interval, -i <secs>   Seconds between rounds, fractions allowed (default 1)
  -config <file>         TOML configuration file
  -log-level <level>     debug, info, warn, error (default info)
  -log-format <format>   console or json (default console)
  -log-output <path>     Log destination (default stderr)
  -metrics-addr <addr>   Serve Prometheus metrics on addr, e.g. :9090
  -copy-attempts <n>     Attempts per file copy (default 1)

Every flag can also be set through DIRMIRROR_<NAME> environment variables.
SIGINT or SIGTERM runs one final pass and exits.
`)
}

// resolveVersion returns the release version, or "" for a build that was
// not installed from a tagged module.
func resolveVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return ""
}

func printVersion(w io.Writer, v string) {
	if v == "" {
		fmt.Fprintln(w, "Package is not installed.")
		return
	}
	fmt.Fprintf(w, "Version of dirmirror is %s.\n", v)
}

func cmdSync(args []string) int {
	cfg, err := config.Load(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: logging init: %v\n", err)
		return 2
	}
	defer logging.Sync()

	logging.Info("dirmirror starting",
		zap.String("version", resolveVersion()),
		zap.String("source", cfg.SourceRoot),
		zap.String("replica", cfg.ReplicaRoot),
		zap.Duration("interval", cfg.Interval),
		zap.Int("copy_attempts", cfg.CopyAttempts))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info("shutting down...", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	broadcaster := events.NewBroadcaster()
	var wg sync.WaitGroup
	auditEvents(broadcaster, &wg)

	osfs := fsys.NewOSFS()
	engine := mirror.New(osfs,
		mirror.WithLogger(logging.Component("engine")),
		mirror.WithBroadcaster(broadcaster),
		mirror.WithCopyAttempts(cfg.CopyAttempts),
	)
	sched := scheduler.New(osfs, engine,
		scheduler.WithLogger(logging.Component("scheduler")),
		scheduler.WithBroadcaster(broadcaster),
	)

	summary := sched.Run(ctx, cfg.SourceRoot, cfg.ReplicaRoot, cfg.Interval)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("metrics server shutdown", zap.Error(err))
		}
		shutdownCancel()
	}
	broadcaster.Close()
	wg.Wait()

	logging.S().Infof("dirmirror stopped after %d rounds (%d files copied, %d entries removed, %d errors)",
		summary.Rounds, summary.Totals.FilesCopied, summary.Totals.Removed, summary.Totals.Errors)
	return 0
}

// auditEvents writes every published event to the debug log as JSON.
func auditEvents(b *events.Broadcaster, wg *sync.WaitGroup) {
	ch := b.Subscribe(256)
	log := logging.Component("events")
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			data, err := events.MarshalEvent(ev)
			if err != nil {
				continue
			}
			log.Debug("event", zap.ByteString("event", data))
		}
	}()
}
