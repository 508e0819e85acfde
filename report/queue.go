// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strata-build/strata/lib/clock"
)

// BackpressurePolicy selects what a full Queue does with a new record.
type BackpressurePolicy uint8

const (
	// Block makes the producer wait for space, bounded by the
	// configured timeout. On timeout the new record is counted as
	// lost and ErrBackpressure is returned.
	Block BackpressurePolicy = iota

	// DropOldest evicts the oldest queued record (never a completion
	// marker) to make room, counting the eviction as a loss. The
	// producer never waits.
	DropOldest
)

// ErrBackpressure is returned by Enqueue when the Block policy times
// out waiting for queue space. The record was counted as lost.
var ErrBackpressure = errors.New("report: queue full, enqueue timed out")

// DefaultQueueCapacity bounds the queue when the config leaves it zero.
const DefaultQueueCapacity = 4096

// DefaultEnqueueTimeout bounds a blocked enqueue when the config
// leaves it zero. The intercepted process may be waiting on the
// handler's verdict, so this stays small.
const DefaultEnqueueTimeout = 2 * time.Second

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Downstream receives the drained records. The queue owns it:
	// Queue.Close drains the buffer and then closes Downstream.
	Downstream Sink

	// Capacity is the maximum number of buffered records. Defaults to
	// DefaultQueueCapacity.
	Capacity int

	// Policy is the backpressure policy. The zero value is Block.
	Policy BackpressurePolicy

	// Timeout bounds a blocked enqueue (Block policy only). Defaults
	// to DefaultEnqueueTimeout.
	Timeout time.Duration

	// Clock drives the enqueue timeout. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives loss warnings. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Queue is a bounded buffer between tree workers and a slower
// downstream sink. Multiple workers enqueue concurrently; one drain
// goroutine forwards records downstream in order.
//
// Records can be lost under sustained backpressure — by eviction
// (DropOldest) or by producer timeout (Block) — but never silently:
// every loss increments the counter returned by Lost, and the first
// loss is logged. Completion markers are never evicted.
type Queue struct {
	downstream Sink
	capacity   int
	policy     BackpressurePolicy
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []Record
	lost   uint64
	closed bool

	drained chan struct{}
}

// NewQueue starts a queue and its drain goroutine.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Downstream == nil {
		return nil, fmt.Errorf("report: queue requires a downstream sink")
	}
	queue := &Queue{
		downstream: cfg.Downstream,
		capacity:   cfg.Capacity,
		policy:     cfg.Policy,
		timeout:    cfg.Timeout,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		drained:    make(chan struct{}),
	}
	if queue.capacity <= 0 {
		queue.capacity = DefaultQueueCapacity
	}
	if queue.timeout <= 0 {
		queue.timeout = DefaultEnqueueTimeout
	}
	if queue.clock == nil {
		queue.clock = clock.Real()
	}
	if queue.logger == nil {
		queue.logger = slog.New(slog.DiscardHandler)
	}
	queue.cond = sync.NewCond(&queue.mu)

	go queue.drain()
	return queue, nil
}

// Enqueue buffers one record, applying the backpressure policy when
// the queue is full.
func (q *Queue) Enqueue(record Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrSinkClosed
	}
	if len(q.items) < q.capacity {
		q.pushLocked(record)
		return nil
	}

	switch q.policy {
	case DropOldest:
		if q.evictOldestLocked() {
			q.pushLocked(record)
			return nil
		}
		// Every buffered record is a completion marker; the new
		// record is the loss instead.
		q.countLossLocked(record)
		return ErrBackpressure

	default: // Block
		timedOut := false
		timer := q.clock.AfterFunc(q.timeout, func() {
			q.mu.Lock()
			timedOut = true
			q.mu.Unlock()
			q.cond.Broadcast()
		})
		defer timer.Stop()

		for len(q.items) >= q.capacity && !timedOut && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			return ErrSinkClosed
		}
		if len(q.items) >= q.capacity {
			q.countLossLocked(record)
			return ErrBackpressure
		}
		q.pushLocked(record)
		return nil
	}
}

// CompleteStep buffers the step's terminal marker. Markers bypass the
// capacity bound: losing one would leave the consumer waiting for a
// step that never completes, and the number of in-flight steps bounds
// the overshoot.
func (q *Queue) CompleteStep(step uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSinkClosed
	}
	q.pushLocked(Record{Kind: KindTreeCompleted, Step: step})
	return nil
}

// Close stops accepting records, waits for the buffer to drain to the
// downstream sink, and closes the downstream sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.drained
	return q.downstream.Close()
}

// Lost returns the number of records lost to backpressure so far.
func (q *Queue) Lost() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

// Depth returns the current number of buffered records.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pushLocked appends and wakes the drain goroutine. Caller holds q.mu.
func (q *Queue) pushLocked(record Record) {
	q.items = append(q.items, record)
	q.cond.Broadcast()
}

// evictOldestLocked removes the oldest non-marker record. Returns
// false when only completion markers are buffered. Caller holds q.mu.
func (q *Queue) evictOldestLocked() bool {
	for i, record := range q.items {
		if record.Kind != KindTreeCompleted {
			q.countLossLocked(record)
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// countLossLocked increments the loss counter and logs the first loss
// at warn, later ones at debug. Caller holds q.mu.
func (q *Queue) countLossLocked(record Record) {
	q.lost++
	level := slog.LevelDebug
	if q.lost == 1 {
		level = slog.LevelWarn
	}
	q.logger.Log(context.Background(), level, "report lost to backpressure",
		"step", record.Step,
		"operation", record.Operation,
		"path", record.Path,
		"total_lost", q.lost,
	)
}

// drain forwards buffered records downstream in order until the queue
// is closed and empty.
func (q *Queue) drain() {
	defer close(q.drained)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		record := q.items[0]
		q.items = q.items[1:]
		q.cond.Broadcast()
		q.mu.Unlock()

		var err error
		if record.Kind == KindTreeCompleted {
			err = q.downstream.CompleteStep(record.Step)
		} else {
			err = q.downstream.Enqueue(record)
		}
		if err != nil {
			q.logger.Error("downstream sink rejected record",
				"step", record.Step,
				"kind", record.Kind,
				"error", err,
			)
		}
	}
}
