// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"log/slog"
	"sync"
)

// PIDState is a tracked process's lifecycle state.
type PIDState uint8

const (
	// PIDUnseen: the pid was never attributed to this tree.
	PIDUnseen PIDState = iota

	// PIDLive: the pid joined the tree and has not exited.
	PIDLive

	// PIDExited: the pid joined the tree and exited.
	PIDExited
)

// String returns the state name.
func (s PIDState) String() string {
	switch s {
	case PIDUnseen:
		return "unseen"
	case PIDLive:
		return "live"
	case PIDExited:
		return "exited"
	}
	return "invalid"
}

// Tracker maintains the live descendant set of one build step's
// sandboxed process tree. It is an explicit per-step object: running
// several independent trees in one process means several Trackers, no
// ambient registry.
//
// The tree is complete when the root has requested completion and the
// live set is empty. A completion request that arrives while children
// are still live is deferred and re-evaluated on each subsequent exit,
// so reordered exit notifications cannot finalize a tree early.
type Tracker struct {
	step   uint64
	root   int
	logger *slog.Logger

	mu                  sync.Mutex
	live                map[int]struct{}
	exited              map[int]struct{}
	completionRequested bool
	completed           bool
	released            bool
	attributed          int // every pid ever attributed, root included
	lateEvents          uint64
}

// NewTracker starts tracking a tree rooted at rootPID for the given
// build step. The root enters the live set immediately.
func NewTracker(step uint64, rootPID int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		step:       step,
		root:       rootPID,
		logger:     logger,
		live:       map[int]struct{}{rootPID: {}},
		exited:     make(map[int]struct{}),
		attributed: 1,
	}
}

// Step returns the build step the tracker attributes to.
func (t *Tracker) Step() uint64 { return t.step }

// Root returns the tree's root pid.
func (t *Tracker) Root() int { return t.root }

// State returns the pid's lifecycle state.
func (t *Tracker) State(pid int) PIDState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[pid]; ok {
		return PIDLive
	}
	if _, ok := t.exited[pid]; ok {
		return PIDExited
	}
	return PIDUnseen
}

// Owns reports whether the pid is currently attributed to this tree.
func (t *Tracker) Owns(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.live[pid]
	return ok
}

// AddChild attributes a forked child to the tree. The parent must be
// live; forks from pids outside the tree are ignored and reported
// false, since the process was never ours to track.
func (t *Tracker) AddChild(parentPID, childPID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		t.lateEvents++
		return false
	}
	if _, ok := t.live[parentPID]; !ok {
		t.logger.Debug("ignoring fork from untracked pid",
			"step", t.step, "pid", parentPID, "child_pid", childPID)
		return false
	}
	if _, ok := t.live[childPID]; ok {
		return false
	}
	delete(t.exited, childPID) // pid reuse after a prior exit
	t.live[childPID] = struct{}{}
	t.attributed++
	return true
}

// Exit marks a tracked pid exited. Duplicate exits and exits for
// never-attributed pids are ignored. Returns true when the pid
// transitioned Live to Exited, along with whether the exit satisfied a
// deferred completion request.
func (t *Tracker) Exit(pid int) (transitioned, completedNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		t.lateEvents++
		return false, false
	}
	if _, ok := t.live[pid]; !ok {
		return false, false
	}
	delete(t.live, pid)
	t.exited[pid] = struct{}{}
	return true, t.evaluateCompletionLocked()
}

// RequestCompletion records the root's completion signal. Returns true
// when the tree is complete now; otherwise completion is deferred
// until the remaining live pids exit.
func (t *Tracker) RequestCompletion(pid int) (completedNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released || t.completed {
		return false
	}
	if pid != t.root {
		t.logger.Debug("ignoring completion request from non-root pid",
			"step", t.step, "pid", pid, "root", t.root)
		return false
	}
	// The root's own bookkeeping is done; its exit may still be in
	// flight, but it no longer holds the tree open.
	delete(t.live, pid)
	t.exited[pid] = struct{}{}
	t.completionRequested = true
	return t.evaluateCompletionLocked()
}

// Completed reports whether the tree has been finalized.
func (t *Tracker) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// LiveCount returns the number of live pids.
func (t *Tracker) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// TreeSize returns the number of pids ever attributed to the tree.
func (t *Tracker) TreeSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attributed
}

// Release tombstones the tracker after teardown: subsequent fork and
// exit events are ignored and counted instead of misattributed to a
// future tree reusing the pids.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
	t.live = make(map[int]struct{})
}

// LateEvents returns the number of events that arrived after Release.
func (t *Tracker) LateEvents() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lateEvents
}

// evaluateCompletionLocked finalizes the tree when the completion
// request has been made and no descendant remains live. Caller holds
// t.mu.
func (t *Tracker) evaluateCompletionLocked() bool {
	if t.completed || !t.completionRequested || len(t.live) > 0 {
		return false
	}
	t.completed = true
	return true
}
