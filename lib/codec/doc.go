// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Strata's standard CBOR encoding configuration.
//
// Access reports travel from the sandboxed child to the host scheduler
// as a CBOR sequence, and the stream ingress decodes raw platform
// events from the same framing. Both sides go through this package so
// the wire bytes are deterministic: the encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2), which means the same report record always
// produces identical bytes. That property is what makes the file sink's
// stream digest meaningful — two runs that observed the same accesses
// produce byte-identical report files.
//
// The decoder ignores unknown fields, so older consumers keep working
// when new record fields are added.
package codec
