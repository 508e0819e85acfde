// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/strata-build/strata/manifest"
	"github.com/strata-build/strata/report"
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Tracker is the build step's process tree state. Required.
	Tracker *Tracker

	// Manifest is the step's compiled policy. Required.
	Manifest *manifest.Index

	// Resolver canonicalizes event paths. Required.
	Resolver *Resolver

	// Sink receives access and lifecycle reports. Required.
	Sink report.Sink

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Handler orchestrates one build step's event processing: resolve,
// look up policy, check, report. It is driven by the step's single
// tree worker; the dedup index and anomaly counters assume that
// single-writer discipline.
type Handler struct {
	tracker  *Tracker
	manifest *manifest.Index
	resolver *Resolver
	sink     report.Sink
	logger   *slog.Logger

	initialized bool
	refused     bool

	// executable is the step's current program image, refreshed on
	// every permitted exec so lifecycle reports name the binary that
	// actually ran.
	executable string

	// seen keys prior reports by xxhash of (operation, path); one
	// report per key per step.
	seen map[uint64]struct{}

	mu        sync.Mutex
	anomalies uint64
}

// NewHandler returns a handler for one build step.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Tracker == nil || cfg.Manifest == nil || cfg.Resolver == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("sandbox: handler requires tracker, manifest, resolver, and sink")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		tracker:  cfg.Tracker,
		manifest: cfg.Manifest,
		resolver: cfg.Resolver,
		sink:     cfg.Sink,
		logger:   logger,
		seen:     make(map[uint64]struct{}),
	}, nil
}

// TryInitializeWithTrackedStep associates the handler with its step by
// checking that the pid belongs to the tracked tree. Must be called
// before any other operation. A false return is terminal: the handler
// refuses every subsequent call, because processing events for an
// unowned pid would attribute them to the wrong step.
func (h *Handler) TryInitializeWithTrackedStep(pid int) bool {
	if h.refused {
		return false
	}
	if !h.tracker.Owns(pid) {
		h.refused = true
		h.logger.Warn("refusing handler initialization for untracked pid",
			"step", h.tracker.Step(), "pid", pid)
		return false
	}
	h.initialized = true
	return true
}

// Anomalies returns the number of malformed or refused events the
// handler has counted.
func (h *Handler) Anomalies() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anomalies
}

func (h *Handler) countAnomaly(reason string, event *Event) {
	h.mu.Lock()
	h.anomalies++
	h.mu.Unlock()
	attrs := []any{"step", h.tracker.Step(), "reason", reason}
	if event != nil {
		attrs = append(attrs, "operation", event.Operation(), "pid", event.PID())
	}
	h.logger.Warn("handler anomaly", attrs...)
}

// CheckAndReport processes one path-bearing event end to end and
// returns the decision for the platform layer to enforce. The event is
// sealed before return; reports derived from it cannot be invalidated
// by later reuse.
//
// Malformed events and events arriving before successful
// initialization are counted as anomalies and denied. A resolution
// failure degrades to the manifest's default decision, reported with
// the degraded flag so the scheduler can tell a resolver limitation
// from a policy deny.
func (h *Handler) CheckAndReport(event *Event) CheckResult {
	if !event.Valid() {
		h.countAnomaly("invalid event", nil)
		return CheckResult{Verdict: VerdictDeny, Errno: deniedErrno}
	}
	defer event.Seal()

	if !h.initialized || h.refused {
		h.countAnomaly("handler not initialized", event)
		return CheckResult{Verdict: VerdictDeny, Errno: deniedErrno}
	}

	checker := checkerFor(event.Operation())
	if checker == nil {
		h.countAnomaly("unknown operation", event)
		return CheckResult{Verdict: VerdictDeny, Errno: deniedErrno}
	}

	if err := h.resolver.Resolve(event); err != nil {
		return h.degrade(event, err)
	}

	result := h.checkPath(event, checker, event.SourcePath())
	if event.DestinationPath() != "" {
		// Two-path operations need both sides granted; the stricter
		// verdict wins and each side reports independently.
		destinationResult := h.checkPath(event, checker, event.DestinationPath())
		if destinationResult.Verdict == VerdictDeny ||
			result.Verdict != VerdictDeny && destinationResult.Verdict == VerdictAllowAndReport {
			result = destinationResult
		}
	}
	if event.Operation() == OpExec && result.Verdict != VerdictDeny {
		h.executable = event.SourcePath()
	}
	return result
}

// checkPath runs the policy lookup and checker for one resolved path
// and emits the report if the outcome is report-worthy.
func (h *Handler) checkPath(event *Event, checker Checker, resolvedPath string) CheckResult {
	cursor := h.lookup(event, resolvedPath)
	result := checker(cursor, event.IsDirectory())

	switch result.Verdict {
	case VerdictDeny:
		h.emitAccess(event, resolvedPath, report.DecisionDeny, result.Errno, false)
	case VerdictAllowAndReport:
		h.emitAccess(event, resolvedPath, report.DecisionReport, 0, false)
	}
	return result
}

// lookup returns the policy cursor for a resolved path. Namespace
// edits (create, unlink, rename) with no entry of their own fall back
// to the parent directory's node even when that entry is exact-scoped:
// a directory created mid-build governs the files born inside it.
func (h *Handler) lookup(event *Event, resolvedPath string) manifest.Cursor {
	cursor := h.manifest.Lookup(resolvedPath)
	if cursor.Matched || !namespaceEdit(event.Operation()) {
		return cursor
	}
	slash := strings.LastIndexByte(resolvedPath, '/')
	if slash <= 0 {
		return cursor
	}
	parent := h.manifest.LookupPrefix(resolvedPath, slash)
	if parent.Matched && parent.Exact {
		return parent
	}
	return cursor
}

// namespaceEdit reports whether the operation creates or removes a
// directory entry rather than touching content.
func namespaceEdit(op Operation) bool {
	switch op {
	case OpCreate, OpUnlink, OpRename:
		return true
	}
	return false
}

// degrade applies the manifest default after a resolution failure and
// reports the outcome with the degraded flag. Deny-and-report is
// preferred over silent allow: a path the resolver cannot canonicalize
// is a path policy cannot vouch for.
func (h *Handler) degrade(event *Event, resolutionErr error) CheckResult {
	var resErr *ResolutionError
	if errors.As(resolutionErr, &resErr) {
		h.logger.Debug("path resolution degraded",
			"step", h.tracker.Step(),
			"pid", event.PID(),
			"operation", event.Operation(),
			"path", resErr.Path,
			"resolved_prefix", resErr.ResolvedPrefix,
			"error", resErr.Err,
		)
	}

	// Report under the literal source path; it is the only name we
	// have for the access.
	if h.manifest.DefaultAllow() {
		h.emitAccess(event, event.SourcePath(), report.DecisionAllow, 0, true)
		return CheckResult{Verdict: VerdictAllowAndReport}
	}
	h.emitAccess(event, event.SourcePath(), report.DecisionDeny, deniedErrno, true)
	return CheckResult{Verdict: VerdictDeny, Errno: deniedErrno}
}

// emitAccess enqueues one access record unless an identical
// (operation, path) access was already reported for this step.
func (h *Handler) emitAccess(event *Event, resolvedPath string, decision report.Decision, errno int, degraded bool) {
	if h.isDuplicate(event.Operation(), resolvedPath) {
		return
	}
	if errno == 0 {
		errno = event.Errno()
	}
	record := report.Record{
		Kind:      report.KindAccess,
		Step:      h.tracker.Step(),
		PID:       event.PID(),
		Operation: string(event.Operation()),
		Path:      resolvedPath,
		Decision:  decision,
		Errno:     errno,
		Directory: event.IsDirectory(),
		Degraded:  degraded,
	}
	if err := h.sink.Enqueue(record); err != nil {
		h.logger.Warn("report sink rejected access record",
			"step", h.tracker.Step(), "path", resolvedPath, "error", err)
	}
}

// isDuplicate records the (operation, path) key and reports whether it
// was already present.
func (h *Handler) isDuplicate(op Operation, resolvedPath string) bool {
	var digest xxhash.Digest
	digest.Reset()
	digest.WriteString(string(op))
	digest.Write([]byte{0})
	digest.WriteString(resolvedPath)
	key := digest.Sum64()

	if _, ok := h.seen[key]; ok {
		return true
	}
	h.seen[key] = struct{}{}
	return false
}

// ReportChildProcessSpawned attributes a forked child to the tree and
// emits the spawn lifecycle record. Forks from pids outside the tree
// are ignored.
func (h *Handler) ReportChildProcessSpawned(event *Event) {
	if !event.Valid() {
		h.countAnomaly("invalid fork event", nil)
		return
	}
	defer event.Seal()

	if !h.tracker.AddChild(event.PID(), event.ChildPID()) {
		return
	}
	h.emitLifecycle(report.Record{
		Kind:       report.KindProcessSpawned,
		Step:       h.tracker.Step(),
		PID:        event.PID(),
		ChildPID:   event.ChildPID(),
		TreeSize:   h.tracker.TreeSize(),
		Executable: h.executable,
	})
}

// ReportProcessExited marks a tracked pid exited, emits the exit
// record, and finalizes the tree if this exit satisfied a deferred
// completion request.
func (h *Handler) ReportProcessExited(event *Event) {
	if !event.Valid() {
		h.countAnomaly("invalid exit event", nil)
		return
	}
	defer event.Seal()

	transitioned, completedNow := h.tracker.Exit(event.PID())
	if !transitioned {
		return
	}
	h.emitLifecycle(report.Record{
		Kind:       report.KindProcessExited,
		Step:       h.tracker.Step(),
		PID:        event.PID(),
		Errno:      event.Errno(),
		TreeSize:   h.tracker.TreeSize(),
		Executable: h.executable,
	})
	if completedNow {
		h.completeStep()
	}
}

// ReportProcessTreeCompleted records the root's completion signal,
// finalizing the tree now or deferring until outstanding descendants
// exit.
func (h *Handler) ReportProcessTreeCompleted(event *Event) {
	if !event.Valid() {
		h.countAnomaly("invalid completion event", nil)
		return
	}
	defer event.Seal()

	if h.tracker.RequestCompletion(event.PID()) {
		h.completeStep()
	}
}

func (h *Handler) emitLifecycle(record report.Record) {
	if err := h.sink.Enqueue(record); err != nil {
		h.logger.Warn("report sink rejected lifecycle record",
			"step", h.tracker.Step(), "kind", record.Kind, "error", err)
	}
}

func (h *Handler) completeStep() {
	if err := h.sink.CompleteStep(h.tracker.Step()); err != nil {
		h.logger.Error("failed to complete step in report sink",
			"step", h.tracker.Step(), "error", err)
		return
	}
	h.logger.Info("process tree completed",
		"step", h.tracker.Step(),
		"root", h.tracker.Root(),
		"tree_size", h.tracker.TreeSize(),
	)
}
