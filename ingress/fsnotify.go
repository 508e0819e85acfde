// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/strata-build/strata/sandbox"
)

// FsnotifySourceConfig configures an FsnotifySource.
type FsnotifySourceConfig struct {
	// Root is the directory tree to observe.
	Root string

	// Step is the build step all observed events are attributed to.
	Step uint64

	// RootPID is the pid the step's tree is rooted at; synthesized
	// events carry it, since filesystem notifications have no acting
	// process.
	RootPID int

	// Dispatcher receives the synthesized events. Required.
	Dispatcher Dispatcher

	// Logger receives watch diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// FsnotifySource is the observation-only fallback backend: no
// interposer, no deny capability, just write-class events synthesized
// from filesystem notifications over the step's output tree. Reports
// produced this way cannot attribute accesses to individual processes
// and never precede the operation, so they are strictly for
// after-the-fact undeclared-output detection.
type FsnotifySource struct {
	root       string
	step       uint64
	rootPID    int
	dispatcher Dispatcher
	logger     *slog.Logger

	watcher *fsnotify.Watcher
}

// NewFsnotifySource starts a recursive watch over the root directory
// and opens the step's tree in the dispatcher.
func NewFsnotifySource(cfg FsnotifySourceConfig) (*FsnotifySource, error) {
	if cfg.Root == "" || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("ingress: fsnotify source requires a root and a dispatcher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingress: creating watcher: %w", err)
	}
	source := &FsnotifySource{
		root:       cfg.Root,
		step:       cfg.Step,
		rootPID:    cfg.RootPID,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		watcher:    watcher,
	}
	if err := source.watchRecursively(cfg.Root); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := cfg.Dispatcher.StartTree(cfg.Step, cfg.RootPID); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("ingress: starting tree for step %d: %w", cfg.Step, err)
	}
	return source, nil
}

// Run forwards notifications until the context is canceled, then
// submits the tree's completion event.
func (s *FsnotifySource) Run(ctx context.Context) error {
	defer s.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			completion := sandbox.TreeCompletedEvent(s.rootPID)
			if err := s.dispatcher.Submit(s.step, completion); err != nil {
				s.logger.Warn("failed to submit completion", "step", s.step, "error", err)
			}
			return ctx.Err()

		case notification, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.handle(notification)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "step", s.step, "error", err)
		}
	}
}

func (s *FsnotifySource) handle(notification fsnotify.Event) {
	var op sandbox.Operation
	switch {
	case notification.Has(fsnotify.Create):
		op = sandbox.OpCreate
		// New directories join the watch so nested writes are seen.
		if info, err := os.Lstat(notification.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(notification.Name); err != nil {
				s.logger.Warn("failed to watch new directory",
					"path", notification.Name, "error", err)
			}
		}
	case notification.Has(fsnotify.Write):
		op = sandbox.OpWrite
	case notification.Has(fsnotify.Remove):
		op = sandbox.OpUnlink
	case notification.Has(fsnotify.Rename):
		op = sandbox.OpRename
	case notification.Has(fsnotify.Chmod):
		op = sandbox.OpChmod
	default:
		return
	}

	// The file may be gone already; resolution degrades to the literal
	// path, which is all an after-the-fact observer can promise.
	resolution := sandbox.FullyResolve
	if op == sandbox.OpUnlink || op == sandbox.OpRename {
		resolution = sandbox.ResolveNoFollowLast
	}
	event := sandbox.AbsolutePathEvent(op, s.rootPID, notification.Name, "", resolution)
	if err := s.dispatcher.Submit(s.step, event); err != nil {
		s.logger.Warn("dispatch failed",
			"step", s.step, "path", notification.Name, "error", err)
	}
}

// watchRecursively adds the root and every existing subdirectory.
func (s *FsnotifySource) watchRecursively(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("ingress: walking %s: %w", path, err)
		}
		if !entry.IsDir() {
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			return fmt.Errorf("ingress: watching %s: %w", path, err)
		}
		return nil
	})
}
