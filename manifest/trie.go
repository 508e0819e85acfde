// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"path"
	"strings"
)

// Index is the compiled form of a Manifest: a trie keyed by path
// segment. Build it once per build step, before any event for that
// step is processed. After Build returns, the index is immutable and
// safe for concurrent lookups from any number of tree workers without
// locking.
type Index struct {
	root         *node
	defaultAllow bool
	entryCount   int
}

// node is one trie level. A node "has policy" when a manifest entry
// ends at it; intermediate segments created on the way to a deeper
// entry carry no policy of their own.
type node struct {
	children  map[string]*node
	hasPolicy bool
	allow     Access
	report    Access
	subtree   bool
}

// Cursor is the result of a policy lookup: the most specific
// applicable entry's flags, plus enough match context for the checkers
// and the report record.
type Cursor struct {
	// Allow is the matched entry's permitted access classes.
	// Meaningless when Matched is false.
	Allow Access

	// Report is the matched entry's report-worthy access classes.
	Report Access

	// Matched reports whether any manifest entry applies to the
	// looked-up path.
	Matched bool

	// Exact reports whether the matched entry's path is the looked-up
	// path itself, as opposed to a recursive ancestor.
	Exact bool

	// Subtree reports whether the matched entry declares recursive
	// scope.
	Subtree bool

	// DefaultAllow is the index's decision for unmatched paths,
	// carried on the cursor so checkers need no reference back to the
	// index.
	DefaultAllow bool
}

// Build compiles the manifest into an Index. Every entry path must be
// absolute and clean; duplicate paths are an error because the winner
// would depend on declaration order, which Lookup deliberately does
// not honor.
func (m *Manifest) Build() (*Index, error) {
	index := &Index{
		root:         &node{},
		defaultAllow: m.DefaultAllow,
	}

	for _, entry := range m.Entries {
		if !strings.HasPrefix(entry.Path, "/") {
			return nil, fmt.Errorf("manifest entry %q: path must be absolute", entry.Path)
		}
		if cleaned := path.Clean(entry.Path); cleaned != entry.Path {
			return nil, fmt.Errorf("manifest entry %q: path must be clean (did you mean %q?)", entry.Path, cleaned)
		}

		current := index.root
		for segment := range segments(entry.Path) {
			if current.children == nil {
				current.children = make(map[string]*node)
			}
			child, ok := current.children[segment]
			if !ok {
				child = &node{}
				current.children[segment] = child
			}
			current = child
		}
		if current.hasPolicy {
			return nil, fmt.Errorf("manifest entry %q: duplicate path", entry.Path)
		}
		current.hasPolicy = true
		current.allow = entry.Allow
		current.report = entry.Report
		current.subtree = entry.Scope == ScopeSubtree
		index.entryCount++
	}

	return index, nil
}

// MustBuild is Build for static manifests in tests and tools; it
// panics on error.
func (m *Manifest) MustBuild() *Index {
	index, err := m.Build()
	if err != nil {
		panic("manifest: " + err.Error())
	}
	return index
}

// EntryCount returns the number of compiled entries.
func (ix *Index) EntryCount() int {
	return ix.entryCount
}

// DefaultAllow returns the index's decision for unmatched paths.
func (ix *Index) DefaultAllow() bool {
	return ix.defaultAllow
}

// Lookup returns the cursor for the most specific manifest entry
// applicable to the given absolute path. The path should already be
// resolved and clean; a trailing slash is tolerated.
func (ix *Index) Lookup(absolutePath string) Cursor {
	return ix.LookupPrefix(absolutePath, len(absolutePath))
}

// LookupPrefix looks up the first length bytes of absolutePath. This
// is the path-length-hint form: the handler uses it to query a parent
// directory's policy without allocating a substring.
func (ix *Index) LookupPrefix(absolutePath string, length int) Cursor {
	if length > len(absolutePath) {
		length = len(absolutePath)
	}
	// Tolerate a trailing slash on directory paths.
	for length > 1 && absolutePath[length-1] == '/' {
		length--
	}

	cursor := Cursor{DefaultAllow: ix.defaultAllow}
	if length == 0 || absolutePath[0] != '/' {
		return cursor
	}

	current := ix.root

	// The root node holds a policy when the manifest declares "/".
	updateCursor(&cursor, current, length == 1)

	start := 1
	for start < length {
		end := start
		for end < length && absolutePath[end] != '/' {
			end++
		}
		if end == start {
			// Doubled slash; skip the empty segment.
			start = end + 1
			continue
		}
		child, ok := current.children[absolutePath[start:end]]
		if !ok {
			return cursor
		}
		current = child
		updateCursor(&cursor, current, end >= length)
		start = end + 1
	}

	return cursor
}

// updateCursor applies a trie node's policy to the cursor if the node
// is applicable at this position: recursive entries apply to
// themselves and everything deeper, exact entries only when the walk
// ends at them. Later (deeper) calls overwrite earlier ones, which is
// what makes the nearest applicable entry win.
func updateCursor(cursor *Cursor, n *node, atEnd bool) {
	if !n.hasPolicy {
		return
	}
	if !n.subtree && !atEnd {
		return
	}
	cursor.Allow = n.allow
	cursor.Report = n.report
	cursor.Matched = true
	cursor.Exact = atEnd
	cursor.Subtree = n.subtree
}

// segments iterates the segments of a clean absolute path without
// allocating a slice.
func segments(cleanPath string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		if cleanPath == "/" {
			return
		}
		start := 1
		for start < len(cleanPath) {
			end := strings.IndexByte(cleanPath[start:], '/')
			if end < 0 {
				yield(cleanPath[start:])
				return
			}
			if !yield(cleanPath[start : start+end]) {
				return
			}
			start += end + 1
		}
	}
}
