// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a Strata-standard SQLite connection pool.
//
// The report store uses this pool to persist access reports per build
// step for post-build analysis. It wraps zombiezen.com/go/sqlite with
// production defaults: WAL journal mode, NORMAL synchronous for
// process-crash durability without fsync-per-commit overhead, and a
// busy timeout so concurrent tree workers don't see SQLITE_BUSY.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// Every connection is initialized with these pragmas:
//
//   - journal_mode=WAL: concurrent readers and a single writer. The
//     report drain goroutine writes while test/analysis queries read.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across power failure — acceptable because the report
//     stream's source of truth is the build step itself, which the
//     scheduler re-runs on a cache miss.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock
//     instead of failing immediately.
//   - foreign_keys=OFF: the report schema manages referential
//     integrity explicitly.
//   - temp_store=MEMORY: temporary indexes in memory.
package sqlitepool
