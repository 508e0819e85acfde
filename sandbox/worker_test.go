// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strata-build/strata/lib/testutil"
	"github.com/strata-build/strata/manifest"
	"github.com/strata-build/strata/report"
)

func newTestSupervisor(t *testing.T, index *manifest.Index) (*Supervisor, *report.Collector) {
	t.Helper()
	collector := report.NewCollector()
	supervisor, err := NewSupervisor(SupervisorConfig{
		Manifest: index,
		Resolver: NewResolver(ResolverConfig{}),
		Sink:     collector,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	t.Cleanup(func() { supervisor.Close() })
	return supervisor, collector
}

func TestSupervisorProcessesTreeInOrder(t *testing.T) {
	t.Parallel()

	index := (&manifest.Manifest{
		DefaultAllow: true,
		Entries: []manifest.Entry{
			{Path: "/watched", Allow: manifest.AccessAll, Report: manifest.AccessRead},
		},
	}).MustBuild()
	supervisor, collector := newTestSupervisor(t, index)

	worker, err := supervisor.StartTree(3, 100)
	if err != nil {
		t.Fatalf("StartTree: %v", err)
	}

	events := []*Event{
		ForkEvent(100, 101),
		// The child's access must land after its fork.
		AbsolutePathEvent(OpOpen, 101, "/watched/input", "", FullyResolve),
		ExitEvent(101),
		TreeCompletedEvent(100),
	}
	for _, event := range events {
		if err := worker.Submit(event); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	testutil.RequireClosed(t, worker.Done(), 5*time.Second, "worker did not finish")

	records := collector.RecordsForStep(3)
	wantKinds := []report.Kind{
		report.KindProcessSpawned,
		report.KindAccess,
		report.KindProcessExited,
		report.KindTreeCompleted,
	}
	if len(records) != len(wantKinds) {
		t.Fatalf("records: got %d (%+v), want %d", len(records), records, len(wantKinds))
	}
	for i, want := range wantKinds {
		if records[i].Kind != want {
			t.Errorf("records[%d].Kind: got %q, want %q", i, records[i].Kind, want)
		}
	}
	if records[1].PID != 101 || records[1].Path != "/watched/input" {
		t.Errorf("access record: got %+v", records[1])
	}
	if !collector.Completed(3) {
		t.Error("completion marker missing")
	}
}

func TestSupervisorRejectsSubmitAfterCompletion(t *testing.T) {
	t.Parallel()

	index := (&manifest.Manifest{DefaultAllow: true}).MustBuild()
	supervisor, _ := newTestSupervisor(t, index)

	worker, err := supervisor.StartTree(1, 100)
	if err != nil {
		t.Fatalf("StartTree: %v", err)
	}
	if err := worker.Submit(TreeCompletedEvent(100)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.RequireClosed(t, worker.Done(), 5*time.Second, "worker did not finish")

	if err := worker.Submit(ExitEvent(100)); !errors.Is(err, ErrTreeStopped) {
		t.Errorf("Submit after completion: got %v, want ErrTreeStopped", err)
	}
	if supervisor.Tree(1) != nil {
		t.Error("Tree(1): completed tree still registered")
	}
}

func TestSupervisorParallelTrees(t *testing.T) {
	t.Parallel()

	index := (&manifest.Manifest{
		Entries: []manifest.Entry{
			{Path: "/shared", Allow: manifest.AccessRead, Report: manifest.AccessRead},
		},
	}).MustBuild()
	supervisor, collector := newTestSupervisor(t, index)

	const trees = 8
	workers := make([]*TreeWorker, trees)
	for i := range workers {
		worker, err := supervisor.StartTree(uint64(i+1), 1000+i)
		if err != nil {
			t.Fatalf("StartTree %d: %v", i, err)
		}
		workers[i] = worker
	}

	for i, worker := range workers {
		root := 1000 + i
		if err := worker.Submit(AbsolutePathEvent(OpOpen, root, fmt.Sprintf("/shared/f%d", i), "", FullyResolve)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if err := worker.Submit(TreeCompletedEvent(root)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	for _, worker := range workers {
		testutil.RequireClosed(t, worker.Done(), 5*time.Second, "worker did not finish")
	}

	for i := 0; i < trees; i++ {
		step := uint64(i + 1)
		records := collector.RecordsForStep(step)
		if len(records) != 2 {
			t.Errorf("step %d: got %d records, want access + completion", step, len(records))
			continue
		}
		if records[0].Kind != report.KindAccess || records[1].Kind != report.KindTreeCompleted {
			t.Errorf("step %d: record kinds %q, %q", step, records[0].Kind, records[1].Kind)
		}
		// No record after the completion marker: the sink enforces it,
		// so reaching here with both records in order is the proof.
	}
}

func TestSupervisorDuplicateStep(t *testing.T) {
	t.Parallel()

	index := (&manifest.Manifest{DefaultAllow: true}).MustBuild()
	supervisor, _ := newTestSupervisor(t, index)

	if _, err := supervisor.StartTree(1, 100); err != nil {
		t.Fatalf("StartTree: %v", err)
	}
	if _, err := supervisor.StartTree(1, 200); err == nil {
		t.Error("StartTree: duplicate step accepted")
	}
}

func TestWorkerStopNeverStrandsAcceptedEvents(t *testing.T) {
	t.Parallel()

	index := (&manifest.Manifest{
		Entries: []manifest.Entry{
			{Path: "/in", Allow: manifest.AccessRead, Report: manifest.AccessRead},
		},
	}).MustBuild()
	supervisor, collector := newTestSupervisor(t, index)

	worker, err := supervisor.StartTree(5, 100)
	if err != nil {
		t.Fatalf("StartTree: %v", err)
	}

	// Submitters race Stop; every submission the worker accepted must
	// still be processed, and every rejected one must say so.
	var accepted atomic.Int64
	var submitters sync.WaitGroup
	for g := 0; g < 4; g++ {
		submitters.Add(1)
		go func(g int) {
			defer submitters.Done()
			for i := 0; i < 100; i++ {
				event := AbsolutePathEvent(OpRead, 100, fmt.Sprintf("/in/g%d/f%d", g, i), "", FullyResolve)
				switch err := worker.Submit(event); {
				case err == nil:
					accepted.Add(1)
				case !errors.Is(err, ErrTreeStopped):
					t.Errorf("Submit: got %v, want nil or ErrTreeStopped", err)
				}
			}
		}(g)
	}
	worker.Stop()
	submitters.Wait()
	testutil.RequireClosed(t, worker.Done(), 5*time.Second, "worker did not finish")

	if got := int64(len(collector.RecordsForStep(5))); got != accepted.Load() {
		t.Errorf("records: got %d, want %d (one per accepted event)", got, accepted.Load())
	}
}

func TestSupervisorCloseDrainsInFlightEvents(t *testing.T) {
	t.Parallel()

	index := (&manifest.Manifest{
		Entries: []manifest.Entry{
			{Path: "/in", Allow: manifest.AccessRead, Report: manifest.AccessRead},
		},
	}).MustBuild()
	supervisor, collector := newTestSupervisor(t, index)

	worker, err := supervisor.StartTree(2, 100)
	if err != nil {
		t.Fatalf("StartTree: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := worker.Submit(AbsolutePathEvent(OpOpen, 100, fmt.Sprintf("/in/f%d", i), "", FullyResolve)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := supervisor.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(collector.RecordsForStep(2)); got != 50 {
		t.Errorf("records after Close: got %d, want all 50 in-flight events drained", got)
	}
}
