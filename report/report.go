// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"errors"
	"fmt"
	"sync"
)

// Kind distinguishes access reports from process lifecycle reports.
type Kind string

const (
	// KindAccess is a policy-evaluated file operation.
	KindAccess Kind = "access"

	// KindProcessSpawned records a child process joining the tree.
	KindProcessSpawned Kind = "spawn"

	// KindProcessExited records a tracked process leaving the tree.
	KindProcessExited Kind = "exit"

	// KindTreeCompleted is the terminal marker for a build step: the
	// root requested completion and every descendant has exited. No
	// record for the step follows it.
	KindTreeCompleted Kind = "completed"
)

// Decision is the policy outcome carried on an access record.
type Decision string

const (
	// DecisionAllow: the operation proceeded silently. Allow records
	// only appear when resolution degraded, since clean allows are
	// not report-worthy.
	DecisionAllow Decision = "allow"

	// DecisionDeny: the operation must be blocked at the OS boundary.
	DecisionDeny Decision = "deny"

	// DecisionReport: the operation proceeded but the manifest marked
	// it report-worthy (anti-dependency or undeclared-access
	// detection).
	DecisionReport Decision = "report"
)

// Record is one entry in a build step's report stream. The CBOR field
// names are the wire contract with the scheduler.
type Record struct {
	// Kind is the record type.
	Kind Kind `cbor:"kind"`

	// Step identifies the build step the record belongs to.
	Step uint64 `cbor:"step"`

	// PID is the process the operation is attributed to.
	PID int `cbor:"pid"`

	// ChildPID is set on spawn records.
	ChildPID int `cbor:"child_pid,omitempty"`

	// Operation names the intercepted operation (open, write, rename,
	// ...). Empty on lifecycle records.
	Operation string `cbor:"operation,omitempty"`

	// Path is the resolved absolute path. Empty on lifecycle records.
	Path string `cbor:"path,omitempty"`

	// DestinationPath is the second path of two-path operations
	// (rename).
	DestinationPath string `cbor:"destination_path,omitempty"`

	// Decision is the policy outcome. Empty on lifecycle records.
	Decision Decision `cbor:"decision,omitempty"`

	// Errno is the OS error the operation reported, or for denies the
	// errno the platform layer should surface to the process.
	Errno int `cbor:"errno,omitempty"`

	// Directory marks operations whose target is a directory.
	Directory bool `cbor:"directory,omitempty"`

	// Degraded marks records produced after a path resolution
	// failure: the decision is the manifest's fallback, not a
	// policy-backed verdict, and the scheduler should treat it
	// accordingly.
	Degraded bool `cbor:"degraded,omitempty"`

	// TreeSize is the number of processes attributed to the step so
	// far, for scheduler-side attribution accounting.
	TreeSize int `cbor:"tree_size,omitempty"`

	// Executable is the process image path on lifecycle records.
	Executable string `cbor:"executable,omitempty"`
}

// Sink consumes a build step's report stream.
//
// Enqueue and CompleteStep may be called concurrently from multiple
// tree workers; implementations must serialize internally. Per step,
// callers guarantee that no Enqueue follows CompleteStep, and sinks
// enforce it by returning ErrStepCompleted.
type Sink interface {
	// Enqueue appends one record to the stream.
	Enqueue(record Record) error

	// CompleteStep appends the terminal marker for a step.
	CompleteStep(step uint64) error

	// Close flushes and releases the sink. No calls may follow.
	Close() error
}

// ErrStepCompleted is returned when a record arrives for a step whose
// completion marker has already been written.
var ErrStepCompleted = errors.New("report: step already completed")

// ErrSinkClosed is returned by operations on a closed sink.
var ErrSinkClosed = errors.New("report: sink closed")

// Collector is an in-memory Sink. Tests and in-process consumers use
// it directly; it is also the reference implementation of the ordering
// contract.
type Collector struct {
	mu        sync.Mutex
	records   []Record
	completed map[uint64]bool
	closed    bool
}

// NewCollector returns an empty in-memory sink.
func NewCollector() *Collector {
	return &Collector{completed: make(map[uint64]bool)}
}

// Enqueue appends the record.
func (c *Collector) Enqueue(record Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	if c.completed[record.Step] {
		return fmt.Errorf("%w: step %d", ErrStepCompleted, record.Step)
	}
	c.records = append(c.records, record)
	return nil
}

// CompleteStep appends the terminal marker and seals the step.
func (c *Collector) CompleteStep(step uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	if c.completed[step] {
		return fmt.Errorf("%w: step %d", ErrStepCompleted, step)
	}
	c.completed[step] = true
	c.records = append(c.records, Record{Kind: KindTreeCompleted, Step: step})
	return nil
}

// Close seals the collector.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Records returns a copy of everything enqueued so far, in order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// RecordsForStep returns the step's records in order, including its
// completion marker if present.
func (c *Collector) RecordsForStep(step uint64) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, record := range c.records {
		if record.Step == step {
			out = append(out, record)
		}
	}
	return out
}

// Completed reports whether the step's completion marker was written.
func (c *Collector) Completed(step uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[step]
}
