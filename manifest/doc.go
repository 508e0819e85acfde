// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest implements Strata's policy manifest: the declarative
// set of path-scoped permission rules that governs what a sandboxed
// build step may touch, compiled into an immutable lookup index before
// the step's process tree starts.
//
// A [Manifest] is a list of [Entry] declarations, each binding an
// absolute path to a set of allowed access classes (read, write,
// probe, enumerate), a set of report-worthy classes, and a scope
// (exact path vs. recursive subtree). Manifests load from YAML or
// JSONC files ([Load]) or are built in code by the scheduler.
//
// [Manifest.Build] compiles the declarations into an [Index], a trie
// keyed by path segment. The index is frozen after Build: lookups from
// any number of tree workers are safe without locking, and any policy
// change requires building a new index and starting new trees — a live
// index is never mutated.
//
// [Index.Lookup] walks the path root-to-leaf and returns a [Cursor]
// for the most specific applicable entry: an exact entry at the path
// itself wins over a recursive ancestor, and a deeper recursive
// ancestor wins over a shallower one. Paths with no applicable entry
// fall back to the index's default decision, an explicit build-time
// parameter (the zero value is deny-by-default, the conservative
// choice). The walk is O(path depth) and does not allocate.
package manifest
