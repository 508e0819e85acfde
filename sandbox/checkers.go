// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"golang.org/x/sys/unix"

	"github.com/strata-build/strata/manifest"
)

// Verdict is the outcome of an access check.
type Verdict uint8

const (
	// VerdictAllow: the operation proceeds silently.
	VerdictAllow Verdict = iota

	// VerdictDeny: the platform layer must block the operation and
	// surface CheckResult.Errno to the process.
	VerdictDeny

	// VerdictAllowAndReport: the operation proceeds, but the access is
	// report-worthy.
	VerdictAllowAndReport
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	case VerdictAllowAndReport:
		return "allow-and-report"
	}
	return "invalid"
}

// deniedErrno is the errno surfaced to the intercepted process for
// every policy deny.
const deniedErrno = int(unix.EACCES)

// CheckResult is an access checker's decision plus the errno the
// platform layer should return to the process when the verdict is
// deny.
type CheckResult struct {
	Verdict Verdict
	Errno   int
}

// Checker maps a policy lookup to a verdict for one access class.
// Checkers are pure: all state (deduplication, reporting) lives in the
// Handler.
type Checker func(cursor manifest.Cursor, isDirectory bool) CheckResult

// checkAccess is the shared decision rule: unmatched paths fall back
// to the manifest default, matched paths deny any class outside the
// entry's allow set, and allowed classes in the report set escalate to
// allow-and-report.
func checkAccess(cursor manifest.Cursor, class manifest.Access) CheckResult {
	if !cursor.Matched {
		if cursor.DefaultAllow {
			return CheckResult{Verdict: VerdictAllow}
		}
		return CheckResult{Verdict: VerdictDeny, Errno: deniedErrno}
	}
	if !cursor.Allow.Has(class) {
		return CheckResult{Verdict: VerdictDeny, Errno: deniedErrno}
	}
	if cursor.Report.Has(class) {
		return CheckResult{Verdict: VerdictAllowAndReport}
	}
	return CheckResult{Verdict: VerdictAllow}
}

// CheckRead decides read-class accesses (open for read, read,
// readlink).
func CheckRead(cursor manifest.Cursor, isDirectory bool) CheckResult {
	return checkAccess(cursor, manifest.AccessRead)
}

// CheckWrite decides write-class accesses (write, create, truncate,
// rename, unlink, chmod).
func CheckWrite(cursor manifest.Cursor, isDirectory bool) CheckResult {
	return checkAccess(cursor, manifest.AccessWrite)
}

// CheckProbe decides existence and metadata checks. A probe of a
// directory that is readable counts as allowed even without an
// explicit probe grant: listing permission implies the weaker
// existence check.
func CheckProbe(cursor manifest.Cursor, isDirectory bool) CheckResult {
	result := checkAccess(cursor, manifest.AccessProbe)
	if result.Verdict == VerdictDeny && isDirectory &&
		cursor.Matched && cursor.Allow.Has(manifest.AccessEnumerate) {
		return CheckResult{Verdict: VerdictAllow}
	}
	return result
}

// CheckEnumerate decides directory listing.
func CheckEnumerate(cursor manifest.Cursor, isDirectory bool) CheckResult {
	return checkAccess(cursor, manifest.AccessEnumerate)
}

// CheckExec decides image loads. Executing a file reads its content,
// so exec rides on the read class.
func CheckExec(cursor manifest.Cursor, isDirectory bool) CheckResult {
	return checkAccess(cursor, manifest.AccessRead)
}

// checkerFor returns the checker matching an operation's access class.
func checkerFor(op Operation) Checker {
	switch op {
	case OpOpen, OpRead, OpReadlink:
		return CheckRead
	case OpWrite, OpCreate, OpTruncate, OpRename, OpUnlink, OpChmod:
		return CheckWrite
	case OpProbe:
		return CheckProbe
	case OpReaddir:
		return CheckEnumerate
	case OpExec:
		return CheckExec
	}
	return nil
}
