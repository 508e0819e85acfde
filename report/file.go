// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/strata-build/strata/lib/codec"
)

// Compression selects the file sink's codec.
type Compression string

const (
	// CompressionNone writes the raw CBOR sequence.
	CompressionNone Compression = "none"

	// CompressionZstd wraps the sequence in a zstd stream. The
	// default for shipped report files.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 wraps the sequence in an lz4 frame. Cheaper CPU
	// than zstd for hot local pipes.
	CompressionLZ4 Compression = "lz4"
)

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	// Path is the report file. Created (truncating any existing file)
	// on open. The digest is written to Path + ".b3sum" on Close.
	Path string

	// Compression is the stream codec. Defaults to CompressionNone.
	Compression Compression

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// FileSink appends records to a CBOR sequence file. Records are
// encoded with Core Deterministic Encoding, so two builds that observe
// the same accesses in the same order produce byte-identical files.
// A BLAKE3 digest of the final file bytes (after compression) is
// maintained while writing and stored beside the file on Close, so a
// consumer on the far side of a copy can verify the stream.
type FileSink struct {
	mu         sync.Mutex
	file       *os.File
	compressor io.WriteCloser // nil for CompressionNone
	encoder    *codec.Encoder
	hasher     *blake3.Hasher
	completed  map[uint64]bool
	closed     bool
	path       string
	logger     *slog.Logger
}

// NewFileSink opens the report file and sets up the write pipeline:
// encoder → compressor → (file + digest).
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("report: file sink requires a path")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	file, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("report: creating %s: %w", cfg.Path, err)
	}

	sink := &FileSink{
		file:      file,
		hasher:    blake3.New(),
		completed: make(map[uint64]bool),
		path:      cfg.Path,
		logger:    logger,
	}

	// The digest covers the bytes as they land in the file, i.e.
	// after compression.
	hashedFile := io.MultiWriter(file, sink.hasher)

	var encoderTarget io.Writer
	switch cfg.Compression {
	case CompressionZstd:
		zstdWriter, err := zstd.NewWriter(hashedFile)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("report: zstd writer: %w", err)
		}
		sink.compressor = zstdWriter
		encoderTarget = zstdWriter
	case CompressionLZ4:
		lz4Writer := lz4.NewWriter(hashedFile)
		sink.compressor = lz4Writer
		encoderTarget = lz4Writer
	case CompressionNone, "":
		encoderTarget = hashedFile
	default:
		file.Close()
		return nil, fmt.Errorf("report: unknown compression %q", cfg.Compression)
	}

	sink.encoder = codec.NewEncoder(encoderTarget)
	return sink, nil
}

// Enqueue appends one record to the stream.
func (s *FileSink) Enqueue(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.completed[record.Step] {
		return fmt.Errorf("%w: step %d", ErrStepCompleted, record.Step)
	}
	if err := s.encoder.Encode(record); err != nil {
		return fmt.Errorf("report: encoding record: %w", err)
	}
	return nil
}

// CompleteStep appends the terminal marker and seals the step.
func (s *FileSink) CompleteStep(step uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.completed[step] {
		return fmt.Errorf("%w: step %d", ErrStepCompleted, step)
	}
	if err := s.encoder.Encode(Record{Kind: KindTreeCompleted, Step: step}); err != nil {
		return fmt.Errorf("report: encoding completion marker: %w", err)
	}
	s.completed[step] = true
	return nil
}

// Close flushes the compressor, writes the digest sidecar, and closes
// the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.compressor != nil {
		if err := s.compressor.Close(); err != nil {
			s.file.Close()
			return fmt.Errorf("report: flushing compressor: %w", err)
		}
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("report: closing %s: %w", s.path, err)
	}

	digest := s.hasher.Sum(nil)
	sidecar := s.path + ".b3sum"
	if err := os.WriteFile(sidecar, []byte(hex.EncodeToString(digest)+"\n"), 0o644); err != nil {
		return fmt.Errorf("report: writing digest %s: %w", sidecar, err)
	}

	s.logger.Debug("report file closed",
		"path", s.path,
		"digest", hex.EncodeToString(digest),
	)
	return nil
}

// Digest returns the BLAKE3 digest of everything written so far.
func (s *FileSink) Digest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasher.Sum(nil)
}

// ReadFile decodes a report file produced by FileSink, transparently
// handling the compression it was written with.
func ReadFile(path string, compression Compression) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: opening %s: %w", path, err)
	}
	defer file.Close()

	var reader io.Reader = file
	switch compression {
	case CompressionZstd:
		zstdReader, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("report: zstd reader: %w", err)
		}
		defer zstdReader.Close()
		reader = zstdReader
	case CompressionLZ4:
		reader = lz4.NewReader(file)
	case CompressionNone, "":
	default:
		return nil, fmt.Errorf("report: unknown compression %q", compression)
	}

	var records []Record
	decoder := codec.NewDecoder(reader)
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("report: decoding %s: %w", path, err)
		}
		records = append(records, record)
	}
}
