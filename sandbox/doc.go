// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox turns raw file-access notifications from a platform
// event source into policy decisions and access reports.
//
// Each build step runs inside a sandboxed process tree. A platform
// backend (endpoint-security hooks, kernel tracing, or the fsnotify
// fallback) delivers one Event per intercepted operation. The Handler
// resolves the event's paths, looks up the step's compiled manifest,
// applies the access checker for the operation, and forwards
// deduplicated reports to a report.Sink. Fork and exit events update
// the Tracker instead, which decides when the tree is complete.
//
// The Supervisor runs one worker goroutine per tree. Within a tree,
// events are processed strictly in delivery order so a fork is always
// handled before the child's first access; across trees, processing is
// fully parallel. The only shared state is the frozen manifest.Index
// and the sink.
package sandbox
