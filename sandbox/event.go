// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Operation is the intercepted OS operation an Event describes.
type Operation string

const (
	OpOpen     Operation = "open"
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpCreate   Operation = "create"
	OpTruncate Operation = "truncate"
	OpRename   Operation = "rename"
	OpUnlink   Operation = "unlink"
	OpReadlink Operation = "readlink"
	OpChmod    Operation = "chmod"
	OpExec     Operation = "exec"
	OpProbe    Operation = "probe"
	OpReaddir  Operation = "readdir"

	// Lifecycle operations. These carry no paths (OpExec aside) and
	// bypass resolution and policy lookup entirely.
	OpFork          Operation = "fork"
	OpExit          Operation = "exit"
	OpTreeCompleted Operation = "tree_completed"
)

// Lifecycle reports whether the operation is a process lifecycle
// notification rather than a file access.
func (op Operation) Lifecycle() bool {
	switch op {
	case OpFork, OpExit, OpTreeCompleted:
		return true
	}
	return false
}

// PathMode describes how an Event's source and destination are
// encoded.
type PathMode uint8

const (
	// AbsolutePaths: SourcePath and DestinationPath are rooted path
	// strings.
	AbsolutePaths PathMode = iota

	// RelativePaths: paths are relative to the directory handles in
	// SourceFD/DestinationFD (or the process's working directory for
	// AtCurrentDirectory).
	RelativePaths

	// FileDescriptors: the operation targets already-open handles;
	// path strings are empty and SourceFD identifies the file.
	FileDescriptors
)

// String returns the mode name.
func (m PathMode) String() string {
	switch m {
	case AbsolutePaths:
		return "absolute"
	case RelativePaths:
		return "relative"
	case FileDescriptors:
		return "fd"
	}
	return "invalid"
}

// Resolution selects how the resolver treats symlinks in the event's
// paths.
type Resolution uint8

const (
	// FullyResolve follows symlinks in every component, the final one
	// included.
	FullyResolve Resolution = iota

	// ResolveNoFollowLast follows symlinks in every component except
	// the last, which is taken literally. Required for operations that
	// act on a link itself (unlink, lstat, readlink).
	ResolveNoFollowLast

	// DoNotResolve leaves the paths as delivered. Shadow-prefix
	// normalization still applies.
	DoNotResolve
)

// String returns the resolution name.
func (r Resolution) String() string {
	switch r {
	case FullyResolve:
		return "full"
	case ResolveNoFollowLast:
		return "no-follow-last"
	case DoNotResolve:
		return "none"
	}
	return "invalid"
}

// AtCurrentDirectory is the directory-handle value meaning "the
// process's current working directory".
const AtCurrentDirectory = unix.AT_FDCWD

// NoFileDescriptor marks an absent file-descriptor reference. Handle 0
// is a real descriptor and must stay representable.
const NoFileDescriptor = -1

// Event is one intercepted operation, mutable until sealed.
//
// An Event is owned by the single tree worker processing it; no
// cross-goroutine mutation is permitted. The worker seals the event
// once the report derived from it is finalized, after which every
// mutator panics. Construction can fail (empty path, inconsistent
// mode); the resulting invalid event is inert and must be rejected by
// the handler rather than processed.
type Event struct {
	op         Operation
	mode       PathMode
	resolution Resolution

	sourcePath      string
	destinationPath string
	sourceFD        int
	destinationFD   int

	pid      int
	childPID int

	errno    int
	fileMode uint32

	valid  bool
	sealed bool
}

// ForkEvent records a child process joining the tree.
func ForkEvent(pid, childPID int) *Event {
	return &Event{
		op:         OpFork,
		resolution: DoNotResolve,
		pid:        pid,
		childPID:   childPID,
		valid:      pid > 0 && childPID > 0,
	}
}

// ExitEvent records a tracked process leaving the tree.
func ExitEvent(pid int) *Event {
	return &Event{
		op:         OpExit,
		resolution: DoNotResolve,
		pid:        pid,
		valid:      pid > 0,
	}
}

// TreeCompletedEvent records the root's request to finalize the tree.
func TreeCompletedEvent(pid int) *Event {
	return &Event{
		op:         OpTreeCompleted,
		resolution: DoNotResolve,
		pid:        pid,
		valid:      pid > 0,
	}
}

// ExecEvent records a process replacing its image. The executable path
// must be absolute.
func ExecEvent(pid int, executable string) *Event {
	return AbsolutePathEvent(OpExec, pid, executable, "", FullyResolve)
}

// AbsolutePathEvent builds a path-bearing event from rooted path
// strings. destination may be empty for unary operations. If either
// path is not actually rooted, the event degrades to RelativePaths mode
// against the process's working directory rather than failing, matching
// what platform sources deliver for processes that open by bare name.
// A side that is rooted stays anchored at the root: the resolver never
// re-anchors it under the working directory.
func AbsolutePathEvent(op Operation, pid int, source, destination string, resolution Resolution) *Event {
	event := &Event{
		op:              op,
		mode:            AbsolutePaths,
		resolution:      resolution,
		sourcePath:      source,
		destinationPath: destination,
		sourceFD:        AtCurrentDirectory,
		destinationFD:   AtCurrentDirectory,
		pid:             pid,
		valid:           pid > 0 && source != "",
	}
	if event.valid && !strings.HasPrefix(source, "/") {
		event.mode = RelativePaths
	}
	if destination != "" && !strings.HasPrefix(destination, "/") {
		event.mode = RelativePaths
	}
	return event
}

// RelativePathEvent builds a path-bearing event whose paths are
// interpreted against directory handles. Pass AtCurrentDirectory for a
// handle to use the process's working directory.
func RelativePathEvent(op Operation, pid int, source, destination string, sourceFD, destinationFD int, resolution Resolution) *Event {
	return &Event{
		op:              op,
		mode:            RelativePaths,
		resolution:      resolution,
		sourcePath:      source,
		destinationPath: destination,
		sourceFD:        sourceFD,
		destinationFD:   destinationFD,
		pid:             pid,
		valid:           pid > 0 && source != "",
	}
}

// FileDescriptorEvent builds an event for an operation on an
// already-open handle. The path is recovered during resolution.
func FileDescriptorEvent(op Operation, pid, fd int) *Event {
	return &Event{
		op:            op,
		mode:          FileDescriptors,
		resolution:    FullyResolve,
		sourceFD:      fd,
		destinationFD: NoFileDescriptor,
		pid:           pid,
		valid:         pid > 0 && fd >= 0,
	}
}

// FileDescriptorPairEvent builds an event for an operation spanning two
// open handles (copy-range style transfers). Both paths are recovered
// during resolution.
func FileDescriptorPairEvent(op Operation, pid, sourceFD, destinationFD int) *Event {
	return &Event{
		op:            op,
		mode:          FileDescriptors,
		resolution:    FullyResolve,
		sourceFD:      sourceFD,
		destinationFD: destinationFD,
		pid:           pid,
		valid:         pid > 0 && sourceFD >= 0 && destinationFD >= 0,
	}
}

// Valid reports whether construction succeeded. Invalid events must
// not be processed.
func (e *Event) Valid() bool { return e != nil && e.valid }

// Sealed reports whether the event has been finalized.
func (e *Event) Sealed() bool { return e.sealed }

// Operation returns the intercepted operation.
func (e *Event) Operation() Operation { return e.op }

// PathMode returns the current path encoding.
func (e *Event) PathMode() PathMode { return e.mode }

// RequiredResolution returns the symlink treatment the resolver must
// apply.
func (e *Event) RequiredResolution() Resolution { return e.resolution }

// SourcePath returns the primary path. Empty in FileDescriptors mode.
func (e *Event) SourcePath() string { return e.sourcePath }

// DestinationPath returns the second path of two-path operations.
func (e *Event) DestinationPath() string { return e.destinationPath }

// SourceFD returns the directory handle for the source path
// (RelativePaths) or the target handle (FileDescriptors).
func (e *Event) SourceFD() int { return e.sourceFD }

// DestinationFD returns the directory handle for the destination path.
func (e *Event) DestinationFD() int { return e.destinationFD }

// PID returns the process the event is attributed to.
func (e *Event) PID() int { return e.pid }

// ChildPID returns the spawned child on fork events, 0 otherwise.
func (e *Event) ChildPID() int { return e.childPID }

// Errno returns the OS-reported outcome of the operation, 0 if none.
func (e *Event) Errno() int { return e.errno }

// Mode returns the target's file-type and permission bits, 0 if
// unknown.
func (e *Event) Mode() uint32 { return e.fileMode }

// IsDirectory reports whether the target's mode bits identify a
// directory.
func (e *Event) IsDirectory() bool {
	return e.fileMode&unix.S_IFMT == unix.S_IFDIR
}

// SetErrno records the OS outcome. Panics if the event is sealed.
func (e *Event) SetErrno(errno int) {
	e.mustBeMutable()
	e.errno = errno
}

// SetMode records the target's file-type and permission bits. Panics
// if the event is sealed.
func (e *Event) SetMode(mode uint32) {
	e.mustBeMutable()
	e.fileMode = mode
}

// SetResolvedPaths installs the resolver's output: the event becomes
// AbsolutePaths mode with DoNotResolve, so a second resolution pass is
// a no-op rather than a re-resolution. The originating directory
// handles are discarded. Panics if the event is sealed.
func (e *Event) SetResolvedPaths(source, destination string) {
	e.mustBeMutable()
	e.sourcePath = source
	e.destinationPath = destination
	e.sourceFD = AtCurrentDirectory
	e.destinationFD = AtCurrentDirectory
	e.mode = AbsolutePaths
	e.resolution = DoNotResolve
}

// Seal finalizes the event. Sealing twice is a no-op; mutating after
// sealing panics.
func (e *Event) Seal() {
	e.sealed = true
}

func (e *Event) mustBeMutable() {
	if e.sealed {
		panic("sandbox: mutating a sealed event")
	}
}
