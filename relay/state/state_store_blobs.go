// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/relay/relay/structs"
)

// UpsertBlob inserts or replaces a blob metadata descriptor. The payload
// itself lives in external object storage; the store only tracks the
// descriptor so jobs can reference inputs by ID.
func (s *StateStore) UpsertBlob(blob *structs.BlobMetadata) error {
	if blob.ID == "" {
		return structs.ErrMissingBlobID
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existing, err := txn.First(TableBlobs, indexID, blob.ID)
	if err != nil {
		return fmt.Errorf("blob lookup failed: %v", err)
	}
	if existing != nil {
		blob.CreateIndex = existing.(*structs.BlobMetadata).CreateIndex
		blob.CreateTime = existing.(*structs.BlobMetadata).CreateTime
	} else {
		blob.CreateIndex = index
	}
	blob.ModifyIndex = index

	if err := txn.Insert(TableBlobs, blob); err != nil {
		return fmt.Errorf("blob insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableBlobs, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// BlobByID returns the descriptor for the given blob, or nil.
func (s *StateStore) BlobByID(ws memdb.WatchSet, blobID string) (*structs.BlobMetadata, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableBlobs, indexID, blobID)
	if err != nil {
		return nil, fmt.Errorf("blob lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.BlobMetadata), nil
	}
	return nil, nil
}

// Blobs returns every blob descriptor.
func (s *StateStore) Blobs(ws memdb.WatchSet) ([]*structs.BlobMetadata, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableBlobs, indexID)
	if err != nil {
		return nil, fmt.Errorf("blobs lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.BlobMetadata
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.BlobMetadata))
	}
	return out, nil
}

// DeleteBlob removes a blob descriptor.
func (s *StateStore) DeleteBlob(blobID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableBlobs, indexID, blobID)
	if err != nil {
		return fmt.Errorf("blob lookup failed: %v", err)
	}
	if existing == nil {
		return structs.ErrBlobNotFound
	}
	if err := txn.Delete(TableBlobs, existing); err != nil {
		return fmt.Errorf("blob deletion failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableBlobs, s.writeIndex()); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
