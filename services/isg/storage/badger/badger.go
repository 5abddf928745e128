// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides the embedded key-value store used for graph
// snapshots.
//
// Keys are strings; values are opaque byte blobs. A DB optionally runs a
// value-log garbage collector in the background, stopped by Close.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound indicates a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Config holds configuration for a DB.
type Config struct {
	// Dir is the directory for database files. Ignored when InMemory.
	Dir string

	// InMemory keeps all data in memory. Used in tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction that triggers GC.
	GCDiscardRatio float64
}

// DefaultConfig returns a durable configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is a badger database with lifecycle management.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	db        *badger.DB
	gc        *GCRunner
	dir       string
	inMemory  bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens a DB.
//
// Description:
//
//	Creates Dir if needed, opens badger and starts the GC runner when
//	GCInterval is positive and the database is persistent.
//
// Outputs:
//
//	*DB - The database. Caller must Close it.
//	error - Non-nil if Dir is missing or badger fails to open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("dir is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: bdb, dir: cfg.Dir, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(bdb, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			bdb.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		d.gc = runner
		runner.Start()
	}
	return d, nil
}

// Close stops the GC runner and closes the database. Safe to call more
// than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gc != nil {
			d.gc.Stop()
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// Dir returns the database directory, empty for in-memory databases.
func (d *DB) Dir() string {
	return d.dir
}

// InMemory reports whether the database is in memory.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Sync flushes pending writes. A no-op in memory.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.db.Sync()
}

// WithTxn runs fn in a read-write transaction and commits if fn succeeds.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Put stores value under key.
func (d *DB) Put(ctx context.Context, key string, value []byte) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns a copy of the value under key.
//
// Outputs:
//
//	[]byte - The value.
//	error - Wraps ErrKeyNotFound if key is absent.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	return d.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys returns every key with prefix, in ascending order.
func (d *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// GCRunner runs periodic value-log garbage collection.
//
// Thread Safety: Start and Stop are safe for concurrent use and idempotent.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewGCRunner creates a runner. It does nothing until Start.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the GC goroutine.
func (r *GCRunner) Start() {
	r.startOnce.Do(func() {
		r.started = true
		go r.run()
	})
}

// Stop halts the GC goroutine and waits for it to exit.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		// Prevent a later Start from launching a goroutine nobody stops.
		r.startOnce.Do(func() {})
		if r.started {
			<-r.doneCh
		}
	})
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	case errors.Is(err, badger.ErrNoRewrite):
		// Nothing to collect.
	default:
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
