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
	"errors"
	"path/filepath"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpenDB_InMemory(t *testing.T) {
	db := openInMemory(t)
	assert.Equal(t, "", db.Path())
	assert.NoError(t, db.Sync())
}

func TestOpenDB_PersistentWithGC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "ledger")
	cfg.GCInterval = 20 * time.Millisecond

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path, db.Path())

	// Let a couple of GC ticks fire before closing; a fresh database
	// reports ErrNoRewrite, which the runner swallows.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, db.Close())
}

func TestWithTxn_CommitAndRead(t *testing.T) {
	db := openInMemory(t)
	ctx := context.Background()

	err := db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("req-1"), []byte("pending"))
	})
	require.NoError(t, err)

	var got []byte
	err = db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("req-1"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), got)
}

func TestWithTxn_DiscardsOnError(t *testing.T) {
	db := openInMemory(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte("req-2"), []byte("pending")); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte("req-2"))
		return err
	})
	assert.ErrorIs(t, err, badgerdb.ErrKeyNotFound)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db := openInMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithTxn(ctx, func(txn *badgerdb.Txn) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestNewGCRunner_Validation(t *testing.T) {
	db := openInMemory(t)

	_, err := NewGCRunner(nil, time.Minute, 0.5, nil)
	assert.Error(t, err)

	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)

	_, err = NewGCRunner(db.DB, time.Minute, 1.5, nil)
	assert.Error(t, err)
}
