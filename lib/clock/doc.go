// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// The report queue's bounded-wait backpressure policy is the main
// consumer: an enqueue that blocks must time out after a configurable
// duration, and tests need to drive that timeout deterministically
// without real sleeps. Production code injects [Real]; tests inject
// [Fake] and call Advance.
//
// Any production function that would call time.Now, time.After,
// time.AfterFunc, or time.Sleep should accept a Clock (or be a method
// on a struct with a Clock field) instead of calling the time package
// directly.
package clock
