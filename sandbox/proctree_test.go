// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "testing"

func TestTrackerAttribution(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(1, 100, nil)
	if tracker.State(100) != PIDLive {
		t.Fatalf("root state: got %v, want live", tracker.State(100))
	}

	if !tracker.AddChild(100, 101) {
		t.Error("AddChild(100, 101): got false for live parent")
	}
	if !tracker.AddChild(101, 102) {
		t.Error("AddChild(101, 102): got false for live parent")
	}
	// Forks from pids outside the tree never attach.
	if tracker.AddChild(999, 103) {
		t.Error("AddChild(999, 103): got true for untracked parent")
	}
	if tracker.State(103) != PIDUnseen {
		t.Errorf("state(103): got %v, want unseen", tracker.State(103))
	}

	if tracker.TreeSize() != 3 {
		t.Errorf("TreeSize: got %d, want 3", tracker.TreeSize())
	}
	if tracker.LiveCount() != 3 {
		t.Errorf("LiveCount: got %d, want 3", tracker.LiveCount())
	}
}

func TestTrackerCompletionOrdering(t *testing.T) {
	t.Parallel()

	// fork(root,5) → fork(5,9) → exit(9) → exit(5) → completed(root).
	tracker := NewTracker(1, 1, nil)
	tracker.AddChild(1, 5)
	tracker.AddChild(5, 9)

	if _, done := tracker.Exit(9); done {
		t.Error("exit(9) finalized the tree before the completion request")
	}
	if _, done := tracker.Exit(5); done {
		t.Error("exit(5) finalized the tree before the completion request")
	}
	if !tracker.RequestCompletion(1) {
		t.Error("RequestCompletion: got deferred, want completion with no live children")
	}
	if !tracker.Completed() {
		t.Error("Completed: got false")
	}
}

func TestTrackerCompletionDeferred(t *testing.T) {
	t.Parallel()

	// The completion signal races ahead of a child's exit.
	tracker := NewTracker(1, 1, nil)
	tracker.AddChild(1, 5)
	tracker.AddChild(5, 9)
	tracker.Exit(9)

	if tracker.RequestCompletion(1) {
		t.Fatal("RequestCompletion: got completion with pid 5 still live")
	}
	if tracker.Completed() {
		t.Fatal("Completed: got true with pid 5 still live")
	}

	transitioned, done := tracker.Exit(5)
	if !transitioned {
		t.Error("exit(5): got ignored, want transition")
	}
	if !done {
		t.Error("exit(5) did not satisfy the deferred completion request")
	}
	if !tracker.Completed() {
		t.Error("Completed: got false after final exit")
	}
}

func TestTrackerIgnoresDuplicateAndUnseenExits(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(1, 1, nil)
	tracker.AddChild(1, 5)

	if transitioned, _ := tracker.Exit(5); !transitioned {
		t.Fatal("first exit(5): got ignored")
	}
	if transitioned, _ := tracker.Exit(5); transitioned {
		t.Error("duplicate exit(5): got transition, want ignored")
	}
	if transitioned, _ := tracker.Exit(777); transitioned {
		t.Error("exit for unseen pid: got transition, want ignored")
	}
	if tracker.State(5) != PIDExited {
		t.Errorf("state(5): got %v, want exited", tracker.State(5))
	}
}

func TestTrackerCompletionFromNonRoot(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(1, 1, nil)
	tracker.AddChild(1, 5)
	if tracker.RequestCompletion(5) {
		t.Error("RequestCompletion from non-root pid: got true")
	}
	if tracker.Completed() {
		t.Error("Completed: got true after non-root completion request")
	}
}

func TestTrackerReleaseTombstones(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(1, 1, nil)
	tracker.AddChild(1, 5)
	tracker.Release()

	if tracker.AddChild(1, 6) {
		t.Error("AddChild after Release: got true")
	}
	if transitioned, _ := tracker.Exit(5); transitioned {
		t.Error("Exit after Release: got transition")
	}
	if tracker.LateEvents() != 2 {
		t.Errorf("LateEvents: got %d, want 2", tracker.LateEvents())
	}
}

func TestTrackerPIDReuse(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(1, 1, nil)
	tracker.AddChild(1, 5)
	tracker.Exit(5)

	// The OS recycled pid 5 for a new descendant.
	if !tracker.AddChild(1, 5) {
		t.Fatal("AddChild for recycled pid: got false")
	}
	if tracker.State(5) != PIDLive {
		t.Errorf("state(5): got %v, want live after re-attribution", tracker.State(5))
	}
	if tracker.TreeSize() != 3 {
		t.Errorf("TreeSize: got %d, want 3 (two attributions of pid 5)", tracker.TreeSize())
	}
}
