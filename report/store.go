// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/strata-build/strata/lib/sqlitepool"
)

// storeSchema is created on every connection; IF NOT EXISTS makes it
// idempotent across the pool.
const storeSchema = `
CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY,
	step INTEGER NOT NULL,
	kind TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	child_pid INTEGER NOT NULL DEFAULT 0,
	operation TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	destination_path TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL DEFAULT '',
	errno INTEGER NOT NULL DEFAULT 0,
	directory INTEGER NOT NULL DEFAULT 0,
	degraded INTEGER NOT NULL DEFAULT 0,
	tree_size INTEGER NOT NULL DEFAULT 0,
	executable TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS reports_by_step ON reports(step, id);
CREATE TABLE IF NOT EXISTS steps (
	step INTEGER PRIMARY KEY,
	completed INTEGER NOT NULL DEFAULT 0
);
`

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path is the SQLite database file. Use ":memory:" with PoolSize
	// 1 for tests.
	Path string

	// PoolSize is forwarded to the connection pool.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store persists report streams to SQLite so the scheduler (or a
// developer with the sqlite3 shell) can query a build step's observed
// accesses after the fact.
type Store struct {
	pool *sqlitepool.Pool

	mu        sync.Mutex
	completed map[uint64]bool
	closed    bool
}

// OpenStore opens (creating if needed) the report database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("report: opening store: %w", err)
	}
	return &Store{
		pool:      pool,
		completed: make(map[uint64]bool),
	}, nil
}

// Enqueue inserts one record.
func (s *Store) Enqueue(record Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if s.completed[record.Step] {
		s.mu.Unlock()
		return fmt.Errorf("%w: step %d", ErrStepCompleted, record.Step)
	}
	s.mu.Unlock()

	return s.insert(record)
}

// CompleteStep inserts the terminal marker and flags the step
// completed.
func (s *Store) CompleteStep(step uint64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if s.completed[step] {
		s.mu.Unlock()
		return fmt.Errorf("%w: step %d", ErrStepCompleted, step)
	}
	s.completed[step] = true
	s.mu.Unlock()

	if err := s.insert(Record{Kind: KindTreeCompleted, Step: step}); err != nil {
		return err
	}

	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO steps (step, completed) VALUES (?, 1) ON CONFLICT(step) DO UPDATE SET completed = 1",
		&sqlitex.ExecOptions{Args: []any{int64(step)}})
	if err != nil {
		return fmt.Errorf("report: marking step %d completed: %w", step, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pool.Close()
}

// insert writes one row.
func (s *Store) insert(record Record) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO reports
			(step, kind, pid, child_pid, operation, path, destination_path,
			 decision, errno, directory, degraded, tree_size, executable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			int64(record.Step),
			string(record.Kind),
			record.PID,
			record.ChildPID,
			record.Operation,
			record.Path,
			record.DestinationPath,
			string(record.Decision),
			record.Errno,
			boolToInt(record.Directory),
			boolToInt(record.Degraded),
			record.TreeSize,
			record.Executable,
		}})
	if err != nil {
		return fmt.Errorf("report: inserting record: %w", err)
	}
	return nil
}

// RecordsForStep returns the step's records in insertion order,
// including its completion marker if written.
func (s *Store) RecordsForStep(ctx context.Context, step uint64) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, `
		SELECT kind, pid, child_pid, operation, path, destination_path,
		       decision, errno, directory, degraded, tree_size, executable
		FROM reports WHERE step = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{int64(step)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, Record{
					Kind:            Kind(stmt.ColumnText(0)),
					Step:            step,
					PID:             stmt.ColumnInt(1),
					ChildPID:        stmt.ColumnInt(2),
					Operation:       stmt.ColumnText(3),
					Path:            stmt.ColumnText(4),
					DestinationPath: stmt.ColumnText(5),
					Decision:        Decision(stmt.ColumnText(6)),
					Errno:           stmt.ColumnInt(7),
					Directory:       stmt.ColumnInt(8) != 0,
					Degraded:        stmt.ColumnInt(9) != 0,
					TreeSize:        stmt.ColumnInt(10),
					Executable:      stmt.ColumnText(11),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("report: querying step %d: %w", step, err)
	}
	return records, nil
}

// StepCompleted reports whether the step's completion marker was
// persisted.
func (s *Store) StepCompleted(ctx context.Context, step uint64) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var completed bool
	err = sqlitex.Execute(conn,
		"SELECT completed FROM steps WHERE step = ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(step)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				completed = stmt.ColumnInt(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("report: querying step %d completion: %w", step, err)
	}
	return completed, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
