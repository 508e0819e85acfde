// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"testing"

	"github.com/strata-build/strata/manifest"
)

func TestCheckAccessDecisionRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cursor  manifest.Cursor
		checker Checker
		want    Verdict
	}{
		{
			name:    "unmatched default deny",
			cursor:  manifest.Cursor{},
			checker: CheckRead,
			want:    VerdictDeny,
		},
		{
			name:    "unmatched default allow",
			cursor:  manifest.Cursor{DefaultAllow: true},
			checker: CheckRead,
			want:    VerdictAllow,
		},
		{
			name:    "class outside allow set",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessRead},
			checker: CheckWrite,
			want:    VerdictDeny,
		},
		{
			name:    "allowed silently",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessRead},
			checker: CheckRead,
			want:    VerdictAllow,
		},
		{
			name:    "allowed and report-worthy",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessWrite, Report: manifest.AccessWrite},
			checker: CheckWrite,
			want:    VerdictAllowAndReport,
		},
		{
			name:    "report flag on a different class",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessRead | manifest.AccessWrite, Report: manifest.AccessWrite},
			checker: CheckRead,
			want:    VerdictAllow,
		},
		{
			name:    "matched entry overrides default allow",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessRead, DefaultAllow: true},
			checker: CheckWrite,
			want:    VerdictDeny,
		},
		{
			name:    "exec rides on read",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessRead},
			checker: CheckExec,
			want:    VerdictAllow,
		},
		{
			name:    "enumerate denied without grant",
			cursor:  manifest.Cursor{Matched: true, Allow: manifest.AccessRead},
			checker: CheckEnumerate,
			want:    VerdictDeny,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			result := test.checker(test.cursor, false)
			if result.Verdict != test.want {
				t.Errorf("verdict: got %v, want %v", result.Verdict, test.want)
			}
			if test.want == VerdictDeny && result.Errno != deniedErrno {
				t.Errorf("errno: got %d, want %d on deny", result.Errno, deniedErrno)
			}
			if test.want != VerdictDeny && result.Errno != 0 {
				t.Errorf("errno: got %d, want 0 on non-deny", result.Errno)
			}
		})
	}
}

func TestCheckProbeDirectoryImpliedByEnumerate(t *testing.T) {
	t.Parallel()

	cursor := manifest.Cursor{Matched: true, Allow: manifest.AccessEnumerate}

	if result := CheckProbe(cursor, true); result.Verdict != VerdictAllow {
		t.Errorf("directory probe with enumerate grant: got %v, want VerdictAllow", result.Verdict)
	}
	if result := CheckProbe(cursor, false); result.Verdict != VerdictDeny {
		t.Errorf("file probe with enumerate grant: got %v, want VerdictDeny", result.Verdict)
	}
}

func TestCheckerForCoversEveryFileOperation(t *testing.T) {
	t.Parallel()

	fileOps := []Operation{
		OpOpen, OpRead, OpWrite, OpCreate, OpTruncate,
		OpRename, OpUnlink, OpReadlink, OpChmod, OpExec, OpProbe, OpReaddir,
	}
	for _, op := range fileOps {
		if checkerFor(op) == nil {
			t.Errorf("checkerFor(%s): got nil", op)
		}
	}
	for _, op := range []Operation{OpFork, OpExit, OpTreeCompleted} {
		if checkerFor(op) != nil {
			t.Errorf("checkerFor(%s): got non-nil for lifecycle operation", op)
		}
	}
}
