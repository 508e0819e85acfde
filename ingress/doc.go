// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingress adapts platform event sources to the sandbox core.
//
// The core consumes canonical sandbox.Event values; each platform
// backend becomes an adapter here. StreamSource decodes the CBOR
// envelope stream a kernel-side interposer writes over a local socket.
// FsnotifySource is the observation-only fallback for platforms
// without an interposer: it watches the build tree with filesystem
// notifications and synthesizes write-class events, so reports still
// flow even though nothing can be denied after the fact.
package ingress
