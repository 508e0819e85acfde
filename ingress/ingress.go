// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"fmt"

	"github.com/strata-build/strata/sandbox"
)

// Dispatcher receives the events a source produces. The sandbox
// Supervisor is the production implementation, via
// SupervisorDispatcher; tests substitute fakes.
type Dispatcher interface {
	// StartTree begins tracking a build step's process tree.
	StartTree(step uint64, rootPID int) error

	// Submit routes one event to the step's worker, in delivery order.
	Submit(step uint64, event *sandbox.Event) error
}

// SupervisorDispatcher adapts a sandbox.Supervisor to the Dispatcher
// interface.
type SupervisorDispatcher struct {
	Supervisor *sandbox.Supervisor
}

// StartTree starts the step's worker, discarding the handle: sources
// route by step identifier.
func (d SupervisorDispatcher) StartTree(step uint64, rootPID int) error {
	_, err := d.Supervisor.StartTree(step, rootPID)
	return err
}

// Submit routes the event to the step's worker.
func (d SupervisorDispatcher) Submit(step uint64, event *sandbox.Event) error {
	return d.Supervisor.Submit(step, event)
}

// Envelope is the wire form of one intercepted operation. The CBOR
// field names are the contract with the kernel-side interposer.
type Envelope struct {
	// Step identifies the build step the event belongs to.
	Step uint64 `cbor:"step"`

	// Operation is the sandbox.Operation name, or "tree_start" for the
	// control envelope that opens a tree.
	Operation string `cbor:"operation"`

	// PID is the acting process (the root pid for tree_start).
	PID int `cbor:"pid"`

	// ChildPID is set on fork envelopes.
	ChildPID int `cbor:"child_pid,omitempty"`

	// PathMode is "absolute", "relative", or "fd". Defaults to
	// absolute for path-bearing operations.
	PathMode string `cbor:"path_mode,omitempty"`

	// Source and Destination are the operation's paths, per PathMode.
	Source      string `cbor:"source,omitempty"`
	Destination string `cbor:"destination,omitempty"`

	// SourceFD and DestinationFD are directory handles (relative mode)
	// or the target handles (fd mode; a nonzero DestinationFD makes the
	// operation span two open handles).
	SourceFD      int `cbor:"source_fd,omitempty"`
	DestinationFD int `cbor:"destination_fd,omitempty"`

	// Resolution is "full", "no-follow-last", or "none". Defaults to
	// full.
	Resolution string `cbor:"resolution,omitempty"`

	// Errno is the OS-reported outcome of the operation.
	Errno int `cbor:"errno,omitempty"`

	// Mode carries the target's file-type and permission bits when the
	// interposer knows them.
	Mode uint32 `cbor:"mode,omitempty"`
}

// OperationTreeStart is the control envelope opening a tree.
const OperationTreeStart = "tree_start"

// Event converts the envelope into a canonical sandbox event.
func (env *Envelope) Event() (*sandbox.Event, error) {
	op := sandbox.Operation(env.Operation)

	var resolution sandbox.Resolution
	switch env.Resolution {
	case "", "full":
		resolution = sandbox.FullyResolve
	case "no-follow-last":
		resolution = sandbox.ResolveNoFollowLast
	case "none":
		resolution = sandbox.DoNotResolve
	default:
		return nil, fmt.Errorf("ingress: unknown resolution %q", env.Resolution)
	}

	var event *sandbox.Event
	switch op {
	case sandbox.OpFork:
		event = sandbox.ForkEvent(env.PID, env.ChildPID)
	case sandbox.OpExit:
		event = sandbox.ExitEvent(env.PID)
	case sandbox.OpTreeCompleted:
		event = sandbox.TreeCompletedEvent(env.PID)
	default:
		switch env.PathMode {
		case "", "absolute":
			event = sandbox.AbsolutePathEvent(op, env.PID, env.Source, env.Destination, resolution)
		case "relative":
			sourceFD := env.SourceFD
			if sourceFD == 0 {
				sourceFD = sandbox.AtCurrentDirectory
			}
			destinationFD := env.DestinationFD
			if destinationFD == 0 {
				destinationFD = sandbox.AtCurrentDirectory
			}
			event = sandbox.RelativePathEvent(op, env.PID, env.Source, env.Destination, sourceFD, destinationFD, resolution)
		case "fd":
			if env.DestinationFD != 0 {
				event = sandbox.FileDescriptorPairEvent(op, env.PID, env.SourceFD, env.DestinationFD)
			} else {
				event = sandbox.FileDescriptorEvent(op, env.PID, env.SourceFD)
			}
		default:
			return nil, fmt.Errorf("ingress: unknown path mode %q", env.PathMode)
		}
	}

	if env.Errno != 0 {
		event.SetErrno(env.Errno)
	}
	if env.Mode != 0 {
		event.SetMode(env.Mode)
	}
	return event, nil
}
