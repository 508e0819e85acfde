// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-build/strata/lib/testutil"
	"github.com/strata-build/strata/sandbox"
)

// channelDispatcher forwards submissions to a channel so tests can
// wait on them.
type channelDispatcher struct {
	starts      chan treeStart
	submissions chan submission
}

func newChannelDispatcher() *channelDispatcher {
	return &channelDispatcher{
		starts:      make(chan treeStart, 16),
		submissions: make(chan submission, 256),
	}
}

func (d *channelDispatcher) StartTree(step uint64, rootPID int) error {
	d.starts <- treeStart{step, rootPID}
	return nil
}

func (d *channelDispatcher) Submit(step uint64, event *sandbox.Event) error {
	d.submissions <- submission{step, event}
	return nil
}

func TestFsnotifySourceObservesWrites(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dispatcher := newChannelDispatcher()
	source, err := NewFsnotifySource(FsnotifySourceConfig{
		Root:       root,
		Step:       9,
		RootPID:    100,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("NewFsnotifySource: %v", err)
	}

	start := testutil.RequireReceive(t, dispatcher.starts, 5*time.Second, "tree start")
	if start != (treeStart{9, 100}) {
		t.Fatalf("start: got %+v, want step 9 root 100", start)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runResult := make(chan error, 1)
	go func() { runResult <- source.Run(ctx) }()

	target := filepath.Join(root, "out.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Creation may surface as create, write, or both depending on the
	// platform; wait for any event naming the file.
	deadline := time.After(5 * time.Second)
	var observed *sandbox.Event
	for observed == nil {
		select {
		case s := <-dispatcher.submissions:
			if s.step == 9 && s.event.SourcePath() == target {
				observed = s.event
			}
		case <-deadline:
			t.Fatal("no event observed for created file")
		}
	}
	if op := observed.Operation(); op != sandbox.OpCreate && op != sandbox.OpWrite {
		t.Errorf("operation: got %s, want create or write", op)
	}

	cancel()
	if err := testutil.RequireReceive(t, runResult, 5*time.Second, "run exit"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want context.Canceled", err)
	}

	// The completion event trails everything else.
	var sawCompletion bool
	for !sawCompletion {
		select {
		case s := <-dispatcher.submissions:
			if s.event.Operation() == sandbox.OpTreeCompleted {
				sawCompletion = true
			}
		default:
			t.Fatal("completion event not submitted on cancellation")
		}
	}
}

func TestFsnotifySourceWatchesNewDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dispatcher := newChannelDispatcher()
	source, err := NewFsnotifySource(FsnotifySourceConfig{
		Root:       root,
		Step:       1,
		RootPID:    100,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("NewFsnotifySource: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go source.Run(ctx)

	nested := filepath.Join(root, "sub")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory before
	// writing into it.
	nestedFile := filepath.Join(nested, "deep.txt")
	deadline := time.After(5 * time.Second)
	for {
		time.Sleep(50 * time.Millisecond)
		if err := os.WriteFile(nestedFile, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case s := <-dispatcher.submissions:
			if s.event.SourcePath() == nestedFile {
				return
			}
		case <-deadline:
			t.Fatal("no event observed for file in new directory")
		}
	}
}

func TestFsnotifySourceRequiresRootAndDispatcher(t *testing.T) {
	t.Parallel()

	if _, err := NewFsnotifySource(FsnotifySourceConfig{Dispatcher: newChannelDispatcher()}); err == nil {
		t.Error("NewFsnotifySource without root accepted")
	}
	if _, err := NewFsnotifySource(FsnotifySourceConfig{Root: t.TempDir()}); err == nil {
		t.Error("NewFsnotifySource without dispatcher accepted")
	}
}
