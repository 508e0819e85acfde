// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package report defines the access report contract between the
// sandbox interception core and the build scheduler, plus the sink
// implementations that carry reports across that boundary.
//
// A [Record] describes one intercepted, policy-evaluated operation
// (or a process lifecycle transition). Records for one build step form
// an ordered stream terminated by a completion marker: consumers rely
// on no record for a step arriving after that step's marker, and every
// sink here enforces it.
//
// [Sink] is the boundary interface. Three implementations ship:
//
//   - [Collector] buffers records in memory. Tests and the scheduler's
//     in-process consumers use it.
//   - [FileSink] appends records to a CBOR sequence file, optionally
//     compressed (zstd or lz4), with a BLAKE3 digest of the final
//     bytes written beside the file on close so shipped report files
//     can be integrity-checked.
//   - [Store] persists records to SQLite for post-build queries.
//
// [Queue] wraps any Sink with a bounded buffer and a configurable
// backpressure policy. The intercepted process may be blocked waiting
// on the handler's verdict, so enqueues never wait unboundedly: the
// queue either evicts the oldest record or times out the producer, and
// either way the loss is counted and surfaced via [Queue.Lost] — never
// silent. Completion markers are exempt from eviction; losing one
// would strand the step.
package report
