// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Strata packages.
package testutil
