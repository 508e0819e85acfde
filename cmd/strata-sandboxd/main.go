// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Strata-sandboxd is the per-machine sandbox daemon. Platform event
// sources (kernel-side interposers) connect to its unix socket and
// stream intercepted file operations; the daemon resolves paths,
// evaluates the policy manifest, and writes decision reports for the
// build scheduler.
//
// Subcommands:
//
//	run             start the daemon (the default)
//	check-manifest  compile a manifest and optionally probe lookups
//	version         print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/strata-build/strata/ingress"
	"github.com/strata-build/strata/lib/config"
	"github.com/strata-build/strata/lib/version"
	"github.com/strata-build/strata/manifest"
	"github.com/strata-build/strata/report"
	"github.com/strata-build/strata/sandbox"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := "run"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "run":
		return runDaemon(args)
	case "check-manifest":
		return checkManifest(args)
	case "version":
		fmt.Printf("strata-sandboxd %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stderr, "usage: strata-sandboxd [run|check-manifest|version] [flags]")
		return nil
	default:
		return fmt.Errorf("unknown command %q (want run, check-manifest, or version)", command)
	}
}

func runDaemon(args []string) error {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file path (defaults to $STRATA_CONFIG)")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	declared, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return err
	}
	index, err := declared.Build()
	if err != nil {
		return err
	}
	logger.Info("manifest compiled",
		"path", cfg.Manifest,
		"entries", index.EntryCount(),
		"default_allow", index.DefaultAllow(),
	)

	queue, err := openSink(cfg, logger)
	if err != nil {
		return err
	}

	supervisor, err := sandbox.NewSupervisor(sandbox.SupervisorConfig{
		Manifest: index,
		Resolver: sandbox.NewResolver(sandbox.ResolverConfig{
			ShadowPrefix: cfg.Resolver.ShadowPrefix,
			Logger:       logger,
		}),
		Sink:      queue,
		QueueSize: cfg.Ingress.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	listener, err := listen(cfg.Ingress.SocketPath)
	if err != nil {
		return err
	}
	logger.Info("listening for platform event sources",
		"socket", cfg.Ingress.SocketPath,
		"environment", cfg.Environment,
		"version", version.Info(),
	)

	dispatcher := ingress.SupervisorDispatcher{Supervisor: supervisor}
	var connections sync.WaitGroup
	var activeConns sync.Map

	go func() {
		<-ctx.Done()
		listener.Close()
		activeConns.Range(func(key, _ any) bool {
			key.(net.Conn).Close()
			return true
		})
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		activeConns.Store(conn, struct{}{})
		connections.Add(1)
		go func() {
			defer connections.Done()
			defer activeConns.Delete(conn)
			defer conn.Close()
			source, err := ingress.NewStreamSource(ingress.StreamSourceConfig{
				Reader:     conn,
				Dispatcher: dispatcher,
				Logger:     logger,
			})
			if err != nil {
				logger.Error("failed to create stream source", "error", err)
				return
			}
			if err := source.Run(); err != nil && ctx.Err() == nil {
				logger.Warn("event stream ended with error", "error", err)
			}
		}()
	}

	logger.Info("shutting down")
	connections.Wait()
	if err := supervisor.Close(); err != nil {
		logger.Error("supervisor shutdown", "error", err)
	}
	if err := queue.Close(); err != nil {
		return fmt.Errorf("closing report sink: %w", err)
	}
	if lost := queue.Lost(); lost > 0 {
		logger.Warn("reports lost to backpressure", "count", lost)
	}
	return nil
}

// openSink builds the report pipeline: a bounded queue in front of the
// configured backend.
func openSink(cfg *config.Config, logger *slog.Logger) (*report.Queue, error) {
	var downstream report.Sink
	var err error
	switch cfg.Sink.Backend {
	case "sqlite":
		downstream, err = report.OpenStore(report.StoreConfig{
			Path:   cfg.Sink.Path,
			Logger: logger,
		})
	default:
		downstream, err = report.NewFileSink(report.FileSinkConfig{
			Path:        cfg.Sink.Path,
			Compression: report.Compression(cfg.Sink.Compression),
			Logger:      logger,
		})
	}
	if err != nil {
		return nil, err
	}

	policy := report.Block
	if cfg.Sink.Backpressure == "drop-oldest" {
		policy = report.DropOldest
	}
	return report.NewQueue(report.QueueConfig{
		Downstream: downstream,
		Capacity:   cfg.Sink.QueueCapacity,
		Policy:     policy,
		Timeout:    cfg.Sink.EnqueueTimeout,
		Logger:     logger,
	})
}

// listen binds the ingress unix socket, replacing a stale one left by
// a previous daemon.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return listener, nil
}

// checkManifest compiles a manifest and, for any extra path arguments,
// prints the policy each would resolve to. This is the fast feedback
// loop for manifest authors.
func checkManifest(args []string) error {
	flags := pflag.NewFlagSet("check-manifest", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: strata-sandboxd check-manifest <manifest> [path ...]")
	}

	started := time.Now()
	declared, err := manifest.Load(rest[0])
	if err != nil {
		return err
	}
	index, err := declared.Build()
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d entries, default %s, compiled in %s\n",
		index.EntryCount(), allowWord(index.DefaultAllow()), time.Since(started).Round(time.Microsecond))

	for _, probe := range rest[1:] {
		cursor := index.Lookup(probe)
		switch {
		case !cursor.Matched:
			fmt.Printf("%s: no entry, default %s\n", probe, allowWord(cursor.DefaultAllow))
		default:
			scope := "subtree"
			if cursor.Exact {
				scope = "exact"
			}
			fmt.Printf("%s: allow=[%s] report=[%s] (%s match)\n",
				probe, cursor.Allow, cursor.Report, scope)
		}
	}
	return nil
}

func allowWord(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
