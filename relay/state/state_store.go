// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the indexed in-memory store for the dispatch
// core: jobs with their state machine, the worker roster and blob
// metadata descriptors. All writes are single memdb transactions; any
// error aborts the transaction wholesale.
package state

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
)

// IndexEntry is used with the index table for tracking the latest write
// index applied to each table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStore provides durable-in-process state with secondary indexes.
// Concurrency is handled at this layer: memdb gives a single writer with
// lock-free concurrent readers, so callers never hold long transactions
// spanning calls.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	// nextIndex is the monotonic write index stamped onto rows and the
	// index table.
	nextIndex uint64
}

// NewStateStore creates a state store with the relay schema.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &StateStore{
		logger: logger.Named("state"),
		db:     db,
	}, nil
}

// Index returns the latest index applied to the given table.
func (s *StateStore) Index(table string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableIndex, indexID, table)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// LatestIndex returns the highest write index the store has handed out.
func (s *StateStore) LatestIndex() uint64 {
	return atomic.LoadUint64(&s.nextIndex)
}

// writeIndex allocates the next write index. Callers stamp it onto rows
// and record it in the index table before committing.
func (s *StateStore) writeIndex() uint64 {
	return atomic.AddUint64(&s.nextIndex, 1)
}

// restoreIndex raises the write index counter during snapshot restore so
// newly allocated indexes stay ahead of restored rows.
func (s *StateStore) restoreIndex(index uint64) {
	for {
		cur := atomic.LoadUint64(&s.nextIndex)
		if index <= cur || atomic.CompareAndSwapUint64(&s.nextIndex, cur, index) {
			return
		}
	}
}

func indexUpdateTxn(txn *memdb.Txn, table string, index uint64) error {
	if err := txn.Insert(TableIndex, &IndexEntry{table, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}
