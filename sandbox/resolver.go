// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
)

// maxSymlinkHops bounds the resolver's symlink walk, mirroring the
// kernel's ELOOP limit.
const maxSymlinkHops = 40

// ResolutionError reports a failed path resolution with enough context
// for the handler to pick a fallback: the prefix that did resolve and
// the segment that broke the walk.
type ResolutionError struct {
	// Path is the input as delivered on the event.
	Path string

	// ResolvedPrefix is the longest prefix that resolved cleanly.
	ResolvedPrefix string

	// Segment is the component resolution failed on.
	Segment string

	// Err is the underlying cause.
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("sandbox: resolving %q: segment %q under %q: %v",
		e.Path, e.Segment, e.ResolvedPrefix, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ErrTooManySymlinks is wrapped into a ResolutionError when the walk
// exceeds the hop budget.
var ErrTooManySymlinks = errors.New("too many levels of symbolic links")

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// ShadowPrefix is a secondary mount prefix mirroring the real
	// filesystem root (a data-partition shadow). When set, it is
	// stripped from every path before policy lookup so both views of a
	// file hit the same manifest entry. Empty disables stripping.
	ShadowPrefix string

	// ProcRoot is where per-process metadata (cwd and fd symlinks) is
	// read from. Defaults to "/proc". Tests point it at a fixture
	// directory.
	ProcRoot string

	// Logger receives resolution diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Resolver canonicalizes an event's paths into absolute,
// symlink-resolved form. Resolution mutates the event in place and
// flips it to AbsolutePaths/DoNotResolve, so resolving an
// already-resolved event is a no-op.
//
// Paths that do not exist yet resolve structurally: once the walk hits
// a missing component, the remainder is appended literally. Build
// steps routinely probe and create paths that do not exist, and policy
// must still apply to them.
type Resolver struct {
	shadowPrefix string
	procRoot     string
	logger       *slog.Logger
}

// NewResolver returns a resolver for the given configuration.
func NewResolver(cfg ResolverConfig) *Resolver {
	resolver := &Resolver{
		shadowPrefix: cfg.ShadowPrefix,
		procRoot:     cfg.ProcRoot,
		logger:       cfg.Logger,
	}
	if resolver.procRoot == "" {
		resolver.procRoot = "/proc"
	}
	if resolver.logger == nil {
		resolver.logger = slog.New(slog.DiscardHandler)
	}
	return resolver
}

// Resolve canonicalizes the event's source and destination paths and
// installs them with SetResolvedPaths. Shadow-prefix stripping applies
// even under DoNotResolve. On failure the event is left unmodified and
// a ResolutionError is returned.
func (r *Resolver) Resolve(event *Event) error {
	if !event.Valid() {
		return fmt.Errorf("sandbox: resolving an invalid event")
	}

	if event.RequiredResolution() == DoNotResolve {
		if event.PathMode() != AbsolutePaths {
			return &ResolutionError{
				Path: event.SourcePath(),
				Err:  fmt.Errorf("%s-mode event requires resolution", event.PathMode()),
			}
		}
		source := r.normalize(event.SourcePath())
		destination := ""
		if event.DestinationPath() != "" {
			destination = r.normalize(event.DestinationPath())
		}
		if source != event.SourcePath() || destination != event.DestinationPath() {
			event.SetResolvedPaths(source, destination)
		}
		return nil
	}

	source, err := r.resolveOne(event, event.SourcePath(), event.SourceFD(), true)
	if err != nil {
		return err
	}
	destination := ""
	if event.DestinationPath() != "" || event.PathMode() == FileDescriptors && event.DestinationFD() != NoFileDescriptor {
		destination, err = r.resolveOne(event, event.DestinationPath(), event.DestinationFD(), false)
		if err != nil {
			return err
		}
	}

	event.SetResolvedPaths(source, destination)
	return nil
}

// resolveOne canonicalizes a single path reference.
func (r *Resolver) resolveOne(event *Event, raw string, fd int, isSource bool) (string, error) {
	var rooted string
	switch event.PathMode() {
	case FileDescriptors:
		target, err := r.readFDLink(event.PID(), fd)
		if err != nil {
			return "", &ResolutionError{Path: fmt.Sprintf("fd:%d", fd), Err: err}
		}
		// The kernel's fd link is already fully resolved.
		return r.normalize(target), nil

	case AbsolutePaths:
		rooted = raw

	case RelativePaths:
		// A rooted path ignores its directory handle (openat
		// semantics): an event mixing an absolute side with a relative
		// one keeps each side anchored independently.
		if strings.HasPrefix(raw, "/") {
			rooted = raw
			break
		}
		base, err := r.baseDirectory(event.PID(), fd)
		if err != nil {
			return "", &ResolutionError{Path: raw, Err: err}
		}
		rooted = base + "/" + raw
	}

	resolution := event.RequiredResolution()
	if !isSource && resolution == FullyResolve {
		// Destination paths of two-path operations name an entry that
		// may be replaced, never followed.
		resolution = ResolveNoFollowLast
	}

	resolved, err := r.walk(rooted, resolution)
	if err != nil {
		return "", err
	}
	return r.normalize(resolved), nil
}

// baseDirectory returns the absolute directory a relative path is
// anchored at: the process's cwd for AtCurrentDirectory, otherwise the
// directory the handle is open to.
func (r *Resolver) baseDirectory(pid, fd int) (string, error) {
	if fd == AtCurrentDirectory {
		cwd, err := os.Readlink(r.procRoot + "/" + strconv.Itoa(pid) + "/cwd")
		if err != nil {
			return "", fmt.Errorf("reading cwd of pid %d: %w", pid, err)
		}
		return cwd, nil
	}
	return r.readFDLink(pid, fd)
}

// readFDLink recovers the path behind an open handle.
func (r *Resolver) readFDLink(pid, fd int) (string, error) {
	target, err := os.Readlink(r.procRoot + "/" + strconv.Itoa(pid) + "/fd/" + strconv.Itoa(fd))
	if err != nil {
		return "", fmt.Errorf("reading fd %d of pid %d: %w", fd, pid, err)
	}
	return target, nil
}

// walk resolves symlinks component by component. The input must be
// rooted; it need not be clean. Missing components end the walk with
// the remainder appended literally.
func (r *Resolver) walk(rooted string, resolution Resolution) (string, error) {
	input := path.Clean(rooted)
	if input == "/" {
		return "/", nil
	}

	resolved := ""
	remaining := input[1:]
	hops := 0

	for remaining != "" {
		segment := remaining
		if slash := strings.IndexByte(remaining, '/'); slash >= 0 {
			segment = remaining[:slash]
			remaining = remaining[slash+1:]
		} else {
			remaining = ""
		}
		last := remaining == ""

		candidate := resolved + "/" + segment
		if last && resolution == ResolveNoFollowLast {
			resolved = candidate
			break
		}

		info, err := os.Lstat(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				// The rest of the path does not exist yet; take it
				// literally so policy still applies.
				if remaining == "" {
					return candidate, nil
				}
				return candidate + "/" + remaining, nil
			}
			return "", &ResolutionError{
				Path:           rooted,
				ResolvedPrefix: resolved,
				Segment:        segment,
				Err:            err,
			}
		}

		if info.Mode()&os.ModeSymlink == 0 {
			resolved = candidate
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", &ResolutionError{
				Path:           rooted,
				ResolvedPrefix: resolved,
				Segment:        segment,
				Err:            ErrTooManySymlinks,
			}
		}
		target, err := os.Readlink(candidate)
		if err != nil {
			return "", &ResolutionError{
				Path:           rooted,
				ResolvedPrefix: resolved,
				Segment:        segment,
				Err:            err,
			}
		}

		// Re-anchor the walk at the link target and replay what is
		// left of the input after it.
		var restarted string
		if strings.HasPrefix(target, "/") {
			restarted = target
		} else {
			restarted = resolved + "/" + target
		}
		if remaining != "" {
			restarted += "/" + remaining
		}
		restarted = path.Clean(restarted)
		if !strings.HasPrefix(restarted, "/") {
			restarted = "/" + restarted
		}
		resolved = ""
		remaining = restarted[1:]
	}

	if resolved == "" {
		resolved = "/"
	}
	return resolved, nil
}

// normalize strips the data-partition shadow prefix and cleans the
// path, so every view of a file presents the same canonical root to
// the policy trie.
func (r *Resolver) normalize(resolved string) string {
	cleaned := path.Clean(resolved)
	if r.shadowPrefix == "" {
		return cleaned
	}
	if cleaned == r.shadowPrefix {
		return "/"
	}
	if strings.HasPrefix(cleaned, r.shadowPrefix) && cleaned[len(r.shadowPrefix)] == '/' {
		return cleaned[len(r.shadowPrefix):]
	}
	return cleaned
}
