// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/strata-build/strata/manifest"
	"github.com/strata-build/strata/report"
)

// ErrTreeStopped is returned by Submit after the tree's worker has
// been stopped.
var ErrTreeStopped = errors.New("sandbox: tree worker stopped")

// DefaultTreeQueueSize bounds a tree worker's inbox when the config
// leaves it zero.
const DefaultTreeQueueSize = 1024

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Manifest is the frozen policy index shared by every tree.
	// Required.
	Manifest *manifest.Index

	// Resolver canonicalizes event paths. Required.
	Resolver *Resolver

	// Sink receives every tree's reports; it must support concurrent
	// enqueue. Required. The supervisor does not close it.
	Sink report.Sink

	// QueueSize bounds each tree's event inbox. Defaults to
	// DefaultTreeQueueSize.
	QueueSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Supervisor runs one worker goroutine per tracked process tree. Each
// worker drains its tree's ordered event inbox, so within a tree a
// fork is always handled before the child's first access; distinct
// trees share nothing mutable and proceed in parallel.
type Supervisor struct {
	manifest  *manifest.Index
	resolver  *Resolver
	sink      report.Sink
	queueSize int
	logger    *slog.Logger

	group *errgroup.Group
	ctx   context.Context

	mu     sync.Mutex
	trees  map[uint64]*TreeWorker
	closed bool
}

// NewSupervisor returns a supervisor. Workers are started per tree by
// StartTree; Close stops them all.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Manifest == nil || cfg.Resolver == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("sandbox: supervisor requires manifest, resolver, and sink")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultTreeQueueSize
	}
	group, ctx := errgroup.WithContext(context.Background())
	return &Supervisor{
		manifest:  cfg.Manifest,
		resolver:  cfg.Resolver,
		sink:      cfg.Sink,
		queueSize: queueSize,
		logger:    logger,
		group:     group,
		ctx:       ctx,
		trees:     make(map[uint64]*TreeWorker),
	}, nil
}

// StartTree begins tracking a build step's process tree rooted at
// rootPID and starts its worker.
func (s *Supervisor) StartTree(step uint64, rootPID int) (*TreeWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTreeStopped
	}
	if _, ok := s.trees[step]; ok {
		return nil, fmt.Errorf("sandbox: step %d already has a tree", step)
	}

	tracker := NewTracker(step, rootPID, s.logger)
	handler, err := NewHandler(HandlerConfig{
		Tracker:  tracker,
		Manifest: s.manifest,
		Resolver: s.resolver,
		Sink:     s.sink,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	if !handler.TryInitializeWithTrackedStep(rootPID) {
		return nil, fmt.Errorf("sandbox: step %d: root pid %d not tracked", step, rootPID)
	}

	worker := &TreeWorker{
		step:           step,
		tracker:        tracker,
		handler:        handler,
		inbox:          make(chan *Event, s.queueSize),
		done:           make(chan struct{}),
		doneProcessing: make(chan struct{}),
		logger:         s.logger,
	}
	s.trees[step] = worker
	s.group.Go(func() error {
		worker.run(s.ctx)
		s.removeTree(step)
		close(worker.doneProcessing)
		return nil
	})

	s.logger.Info("tree started", "step", step, "root", rootPID)
	return worker, nil
}

// Tree returns the worker for a step, or nil if none is running.
func (s *Supervisor) Tree(step uint64) *TreeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trees[step]
}

// Submit routes an event to the step's worker.
func (s *Supervisor) Submit(step uint64, event *Event) error {
	worker := s.Tree(step)
	if worker == nil {
		return fmt.Errorf("sandbox: step %d: %w", step, ErrTreeStopped)
	}
	return worker.Submit(event)
}

// Close stops every tree worker after draining its in-flight events
// and waits for them to finish. The sink is left open for the caller.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*TreeWorker, 0, len(s.trees))
	for _, worker := range s.trees {
		workers = append(workers, worker)
	}
	s.mu.Unlock()

	for _, worker := range workers {
		worker.Stop()
	}
	return s.group.Wait()
}

func (s *Supervisor) removeTree(step uint64) {
	s.mu.Lock()
	delete(s.trees, step)
	s.mu.Unlock()
}

// TreeWorker services one process tree: a single goroutine consuming
// the tree's events in delivery order.
type TreeWorker struct {
	step    uint64
	tracker *Tracker
	handler *Handler
	logger  *slog.Logger

	inbox          chan *Event
	done           chan struct{} // closed by Stop: no further submissions
	doneProcessing chan struct{} // closed when run exits

	stopOnce sync.Once

	// mu orders Submit against the final drain: submitters hold the
	// read side across the inbox send, and the worker takes the write
	// side before draining, so an accepted event is never stranded.
	mu      sync.RWMutex
	stopped bool
}

// Step returns the build step this worker services.
func (w *TreeWorker) Step() uint64 { return w.step }

// Tracker exposes the tree's process state for inspection.
func (w *TreeWorker) Tracker() *Tracker { return w.tracker }

// Handler exposes the tree's handler for inspection (anomaly counts).
func (w *TreeWorker) Handler() *Handler { return w.handler }

// Submit queues one event for in-order processing. It blocks while the
// inbox is full, which backpressures the ingress for this tree without
// affecting other trees.
func (w *TreeWorker) Submit(event *Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrTreeStopped
	}
	select {
	case w.inbox <- event:
		return nil
	case <-w.done:
		return ErrTreeStopped
	}
}

// Stop closes the inbox. The worker drains events already submitted,
// releases the tracker, and exits. Draining before release keeps late
// exit reports from being misattributed.
func (w *TreeWorker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Done returns a channel closed when the worker has fully stopped and
// been deregistered from its supervisor.
func (w *TreeWorker) Done() <-chan struct{} {
	return w.doneProcessing
}

func (w *TreeWorker) run(ctx context.Context) {
	defer w.tracker.Release()
	for {
		select {
		case event := <-w.inbox:
			w.dispatch(event)
			if !w.tracker.Completed() {
				continue
			}
		case <-w.done:
		case <-ctx.Done():
		}
		w.Stop()
		w.shutdown()
		return
	}
}

// shutdown seals the worker and processes everything it accepted.
// Taking the write lock waits out every Submit still holding the read
// side, so by the time the drain runs no accepted event can arrive
// after it.
func (w *TreeWorker) shutdown() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.drain()
}

// drain processes everything already in the inbox before the worker
// exits.
func (w *TreeWorker) drain() {
	for {
		select {
		case event := <-w.inbox:
			w.dispatch(event)
		default:
			return
		}
	}
}

func (w *TreeWorker) dispatch(event *Event) {
	switch event.Operation() {
	case OpFork:
		w.handler.ReportChildProcessSpawned(event)
	case OpExit:
		w.handler.ReportProcessExited(event)
	case OpTreeCompleted:
		w.handler.ReportProcessTreeCompleted(event)
	default:
		result := w.handler.CheckAndReport(event)
		if result.Verdict == VerdictDeny {
			w.logger.Debug("access denied",
				"step", w.step,
				"pid", event.PID(),
				"operation", event.Operation(),
				"path", event.SourcePath(),
			)
		}
	}
}
