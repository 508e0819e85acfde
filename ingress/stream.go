// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/strata-build/strata/lib/codec"
)

// StreamSourceConfig configures a StreamSource.
type StreamSourceConfig struct {
	// Reader is the envelope stream, typically one accepted unix
	// socket connection. Cancel a running source by closing the
	// underlying connection.
	Reader io.Reader

	// Dispatcher receives the decoded events. Required.
	Dispatcher Dispatcher

	// Logger receives per-envelope diagnostics. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// StreamSource decodes a CBOR envelope stream from a kernel-side
// interposer and feeds the dispatcher. Envelopes for one step arrive
// in causal order on the wire and are dispatched in that order.
type StreamSource struct {
	reader     io.Reader
	dispatcher Dispatcher
	logger     *slog.Logger

	malformed atomic.Uint64
}

// NewStreamSource returns a source over the given stream.
func NewStreamSource(cfg StreamSourceConfig) (*StreamSource, error) {
	if cfg.Reader == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("ingress: stream source requires a reader and a dispatcher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StreamSource{
		reader:     cfg.Reader,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Run decodes envelopes until the stream ends. A malformed envelope is
// counted and skipped; only a broken stream ends the run with an
// error. Run blocks in the decoder's read, so cancellation means
// closing the underlying connection.
func (s *StreamSource) Run() error {
	decoder := codec.NewDecoder(s.reader)
	for {
		var envelope Envelope
		if err := decoder.Decode(&envelope); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ingress: decoding envelope: %w", err)
		}
		s.handle(&envelope)
	}
}

// Malformed returns the number of envelopes skipped as malformed. Safe
// to read while Run is decoding.
func (s *StreamSource) Malformed() uint64 {
	return s.malformed.Load()
}

func (s *StreamSource) handle(envelope *Envelope) {
	if envelope.Operation == OperationTreeStart {
		if err := s.dispatcher.StartTree(envelope.Step, envelope.PID); err != nil {
			s.logger.Error("failed to start tree",
				"step", envelope.Step, "root", envelope.PID, "error", err)
		}
		return
	}

	event, err := envelope.Event()
	if err != nil {
		s.malformed.Add(1)
		s.logger.Warn("skipping malformed envelope",
			"step", envelope.Step,
			"operation", envelope.Operation,
			"error", err,
		)
		return
	}
	if err := s.dispatcher.Submit(envelope.Step, event); err != nil {
		s.logger.Warn("dispatch failed",
			"step", envelope.Step,
			"operation", envelope.Operation,
			"error", err,
		)
	}
}
