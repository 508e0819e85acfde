// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSealIsIdempotent(t *testing.T) {
	t.Parallel()

	event := AbsolutePathEvent(OpOpen, 100, "/etc/hosts", "", FullyResolve)
	event.SetErrno(0)
	event.Seal()
	if !event.Sealed() {
		t.Fatal("Sealed: got false after Seal")
	}
	event.Seal() // must not panic or alter state
	if !event.Sealed() || event.SourcePath() != "/etc/hosts" {
		t.Error("second Seal altered event state")
	}
}

func TestMutatorsPanicAfterSeal(t *testing.T) {
	t.Parallel()

	mutators := map[string]func(*Event){
		"SetErrno":         func(e *Event) { e.SetErrno(2) },
		"SetMode":          func(e *Event) { e.SetMode(unix.S_IFDIR) },
		"SetResolvedPaths": func(e *Event) { e.SetResolvedPaths("/a", "") },
	}
	for name, mutate := range mutators {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			event := AbsolutePathEvent(OpOpen, 100, "/etc/hosts", "", FullyResolve)
			event.Seal()
			defer func() {
				if recover() == nil {
					t.Errorf("%s on a sealed event did not panic", name)
				}
			}()
			mutate(event)
		})
	}
}

func TestInvalidConstruction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event *Event
	}{
		{"empty path", AbsolutePathEvent(OpOpen, 100, "", "", FullyResolve)},
		{"zero pid", AbsolutePathEvent(OpOpen, 0, "/x", "", FullyResolve)},
		{"fork without child", ForkEvent(100, 0)},
		{"exit without pid", ExitEvent(0)},
		{"negative fd", FileDescriptorEvent(OpRead, 100, -1)},
		{"negative destination fd", FileDescriptorPairEvent(OpWrite, 100, 3, -1)},
		{"nil event", nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.event.Valid() {
				t.Error("Valid: got true for malformed construction")
			}
		})
	}
}

func TestAbsolutePathEventRelativeFallback(t *testing.T) {
	t.Parallel()

	event := AbsolutePathEvent(OpOpen, 100, "src/main.go", "", FullyResolve)
	if !event.Valid() {
		t.Fatal("Valid: got false for a relative path")
	}
	if event.PathMode() != RelativePaths {
		t.Errorf("PathMode: got %v, want RelativePaths for non-rooted path", event.PathMode())
	}
	if event.SourceFD() != AtCurrentDirectory {
		t.Errorf("SourceFD: got %d, want AtCurrentDirectory", event.SourceFD())
	}
}

func TestFileDescriptorEventHandles(t *testing.T) {
	t.Parallel()

	// Handle 0 is a real descriptor; only NoFileDescriptor means
	// absent.
	event := FileDescriptorEvent(OpRead, 100, 0)
	if !event.Valid() {
		t.Fatal("Valid: got false for handle 0")
	}
	if event.SourceFD() != 0 {
		t.Errorf("SourceFD: got %d, want 0", event.SourceFD())
	}
	if event.DestinationFD() != NoFileDescriptor {
		t.Errorf("DestinationFD: got %d, want NoFileDescriptor", event.DestinationFD())
	}

	pair := FileDescriptorPairEvent(OpWrite, 100, 3, 0)
	if !pair.Valid() {
		t.Fatal("Valid: got false for a dual-handle event with destination 0")
	}
	if pair.DestinationFD() != 0 {
		t.Errorf("pair DestinationFD: got %d, want 0", pair.DestinationFD())
	}
}

func TestSetResolvedPathsRoundTrip(t *testing.T) {
	t.Parallel()

	event := RelativePathEvent(OpOpen, 100, "lib/libc.so", "", 7, AtCurrentDirectory, FullyResolve)
	event.SetResolvedPaths("/usr/lib/libc.so", "")

	if event.PathMode() != AbsolutePaths {
		t.Errorf("PathMode: got %v, want AbsolutePaths", event.PathMode())
	}
	if event.RequiredResolution() != DoNotResolve {
		t.Errorf("RequiredResolution: got %v, want DoNotResolve", event.RequiredResolution())
	}
	if event.SourcePath() != "/usr/lib/libc.so" {
		t.Errorf("SourcePath: got %q", event.SourcePath())
	}
	if event.SourceFD() != AtCurrentDirectory {
		t.Errorf("SourceFD: got %d, want handle discarded", event.SourceFD())
	}
}

func TestIsDirectory(t *testing.T) {
	t.Parallel()

	event := AbsolutePathEvent(OpProbe, 100, "/usr", "", FullyResolve)
	if event.IsDirectory() {
		t.Error("IsDirectory: got true with no mode set")
	}
	event.SetMode(unix.S_IFDIR | 0o755)
	if !event.IsDirectory() {
		t.Error("IsDirectory: got false for S_IFDIR mode")
	}
	event.SetMode(unix.S_IFREG | 0o644)
	if event.IsDirectory() {
		t.Error("IsDirectory: got true for S_IFREG mode")
	}
}

func TestLifecycleOperations(t *testing.T) {
	t.Parallel()

	for _, op := range []Operation{OpFork, OpExit, OpTreeCompleted} {
		if !op.Lifecycle() {
			t.Errorf("%s.Lifecycle: got false", op)
		}
	}
	for _, op := range []Operation{OpOpen, OpWrite, OpExec, OpProbe} {
		if op.Lifecycle() {
			t.Errorf("%s.Lifecycle: got true", op)
		}
	}
}
