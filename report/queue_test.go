// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strata-build/strata/lib/clock"
)

// slowSink blocks Enqueue until released, simulating a stalled
// downstream consumer. The entered channel closes when the drain
// goroutine first reaches the sink, so tests can wait for the queue's
// buffer to actually be empty.
type slowSink struct {
	*Collector
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowSink() *slowSink {
	return &slowSink{
		Collector: NewCollector(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (s *slowSink) Enqueue(record Record) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Collector.Enqueue(record)
}

func TestQueueForwardsInOrder(t *testing.T) {
	t.Parallel()

	collector := NewCollector()
	queue, err := NewQueue(QueueConfig{Downstream: collector})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := queue.Enqueue(Record{Kind: KindAccess, Step: 1, Path: "/p", PID: i}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := queue.CompleteStep(1); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records := collector.Records()
	if len(records) != 11 {
		t.Fatalf("records: got %d, want 11", len(records))
	}
	for i := 0; i < 10; i++ {
		if records[i].PID != i {
			t.Errorf("records[%d].PID: got %d, want %d", i, records[i].PID, i)
		}
	}
	if records[10].Kind != KindTreeCompleted {
		t.Errorf("last record kind: got %q, want %q", records[10].Kind, KindTreeCompleted)
	}
}

func TestQueueDropOldestCountsLoss(t *testing.T) {
	t.Parallel()

	sink := newSlowSink()
	queue, err := NewQueue(QueueConfig{
		Downstream: sink,
		Capacity:   2,
		Policy:     DropOldest,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	// The drain goroutine takes at most one record off the buffer and
	// blocks in the slow sink; fill well past capacity.
	for i := 0; i < 10; i++ {
		if err := queue.Enqueue(Record{Kind: KindAccess, Step: 1, PID: i}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if lost := queue.Lost(); lost == 0 {
		t.Error("Lost: got 0, want evictions after overfilling a capacity-2 queue")
	}

	close(sink.release)
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestQueueDropOldestNeverEvictsCompletionMarker(t *testing.T) {
	t.Parallel()

	sink := newSlowSink()
	queue, err := NewQueue(QueueConfig{
		Downstream: sink,
		Capacity:   1,
		Policy:     DropOldest,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	// Pin the drain goroutine on one record, then buffer a marker.
	if err := queue.Enqueue(Record{Kind: KindAccess, Step: 1, Path: "/pinned"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := queue.CompleteStep(1); err != nil {
		t.Fatalf("CompleteStep: %v", err)
	}
	// Overfill. The marker must survive every eviction.
	for i := 0; i < 5; i++ {
		queue.Enqueue(Record{Kind: KindAccess, Step: 2, PID: i})
	}

	close(sink.release)
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.Completed(1) {
		t.Error("completion marker for step 1 was lost")
	}
}

func TestQueueBlockTimesOutWithFakeClock(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := newSlowSink()
	queue, err := NewQueue(QueueConfig{
		Downstream: sink,
		Capacity:   1,
		Policy:     Block,
		Timeout:    time.Second,
		Clock:      fakeClock,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	// Stall the drain goroutine on the first record, then fill the
	// capacity-1 buffer with the second.
	queue.Enqueue(Record{Kind: KindAccess, Step: 1, PID: 0})
	<-sink.entered
	queue.Enqueue(Record{Kind: KindAccess, Step: 1, PID: 1})

	enqueueResult := make(chan error, 1)
	go func() {
		enqueueResult <- queue.Enqueue(Record{Kind: KindAccess, Step: 1, PID: 2})
	}()

	// The blocked enqueue registers a timeout timer; fire it.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)

	select {
	case err := <-enqueueResult:
		if !errors.Is(err, ErrBackpressure) {
			t.Errorf("blocked Enqueue: got %v, want ErrBackpressure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Enqueue did not return after timeout fired")
	}
	if lost := queue.Lost(); lost != 1 {
		t.Errorf("Lost: got %d, want 1", lost)
	}

	close(sink.release)
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	queue, err := NewQueue(QueueConfig{Downstream: NewCollector()})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := queue.Enqueue(Record{Kind: KindAccess, Step: 1}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Enqueue after Close: got %v, want ErrSinkClosed", err)
	}
}
