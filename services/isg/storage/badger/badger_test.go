// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestOpen_InMemoryPutGet(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "snapshot/a", []byte("one")))
	got, err := db.Get(ctx, "snapshot/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	assert.True(t, db.InMemory())
	assert.Empty(t, db.Dir())
	assert.NoError(t, db.Sync())

	_, err = db.Get(ctx, "snapshot/missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	ctx := context.Background()

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "k", []byte("persisted")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()
	got, err := db2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
	assert.Equal(t, dir, db2.Dir())
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dir is required")
}

func TestDB_KeysAndDelete(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for _, k := range []string{"snap/b", "snap/a", "meta/x"} {
		require.NoError(t, db.Put(ctx, k, []byte(k)))
	}
	keys, err := db.Keys(ctx, "snap/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/a", "snap/b"}, keys)

	require.NoError(t, db.Delete(ctx, "snap/a"))
	require.NoError(t, db.Delete(ctx, "snap/never"))
	keys, err = db.Keys(ctx, "snap/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/b"}, keys)
}

func TestDB_TxnRollsBackOnError(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		require.NoError(t, txn.Set([]byte("a"), []byte("1")))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	_, err = db.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, db.Put(cancelled, "a", []byte("1")))
}

func TestGCRunner_StopsGoroutine(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	runner, err := NewGCRunner(db.db, 10*time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	runner.Start()
	runner.Start()
	time.Sleep(25 * time.Millisecond)
	runner.Stop()
	runner.Stop()
}

func TestGCRunner_StopWithoutStart(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	runner, err := NewGCRunner(db.db, time.Second, 0.5, nil)
	require.NoError(t, err)
	runner.Stop()
	runner.Start()
}

func TestNewGCRunner_Validation(t *testing.T) {
	_, err := NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)

	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(db.db, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.db, time.Second, 1.5, nil)
	assert.Error(t, err)
}
