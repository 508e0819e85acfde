// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for Strata binaries.
//
// Version information is injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/strata-build/strata/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
