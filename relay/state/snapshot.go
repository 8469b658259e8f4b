// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hashicorp/relay/relay/structs"
)

/*
Snapshots are a boltdb file with one bucket per table plus metadata:

meta/
|--> latest_index -> uint64 BE
jobs/
|--> <job-id> -> msgpack(*structs.Job)
workers/
|--> <worker-id BE> -> msgpack(*structs.Worker)
blobs/
|--> <blob-id> -> msgpack(*structs.BlobMetadata)
*/

var (
	snapMetaBucket    = []byte("meta")
	snapIndexKey      = []byte("latest_index")
	snapJobsBucket    = []byte("jobs")
	snapWorkersBucket = []byte("workers")
	snapBlobsBucket   = []byte("blobs")
)

// Persist writes the full store contents to a boltdb file at path. The
// snapshot is written to a temp file and renamed into place so a crash
// mid-write never corrupts the previous snapshot.
func (s *StateStore) Persist(path string) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear stale snapshot temp file: %v", err)
	}

	db, err := bbolt.Open(tmp, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %v", err)
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(snapMetaBucket)
		if err != nil {
			return err
		}
		if err := meta.Put(snapIndexKey, encodeUint64(s.LatestIndex())); err != nil {
			return err
		}

		jobs, err := tx.CreateBucketIfNotExists(snapJobsBucket)
		if err != nil {
			return err
		}
		iter, err := txn.Get(TableJobs, indexID)
		if err != nil {
			return err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			job := raw.(*structs.Job)
			buf, err := structs.Encode(job)
			if err != nil {
				return fmt.Errorf("failed to encode job %s: %v", job.ID, err)
			}
			if err := jobs.Put([]byte(job.ID), buf); err != nil {
				return err
			}
		}

		workers, err := tx.CreateBucketIfNotExists(snapWorkersBucket)
		if err != nil {
			return err
		}
		iter, err = txn.Get(TableWorkers, indexID)
		if err != nil {
			return err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			worker := raw.(*structs.Worker)
			buf, err := structs.Encode(worker)
			if err != nil {
				return fmt.Errorf("failed to encode worker %d: %v", worker.ID, err)
			}
			if err := workers.Put(encodeUint64(worker.ID), buf); err != nil {
				return err
			}
		}

		blobs, err := tx.CreateBucketIfNotExists(snapBlobsBucket)
		if err != nil {
			return err
		}
		iter, err = txn.Get(TableBlobs, indexID)
		if err != nil {
			return err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			blob := raw.(*structs.BlobMetadata)
			buf, err := structs.Encode(blob)
			if err != nil {
				return fmt.Errorf("failed to encode blob %s: %v", blob.ID, err)
			}
			if err := blobs.Put([]byte(blob.ID), buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %v", err)
	}
	if err := db.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot file: %v", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %v", err)
	}
	s.logger.Debug("persisted state snapshot", "path", path)
	return nil
}

// Restore loads a snapshot written by Persist into the store. A missing
// file is not an error; the store simply starts empty. Restore must run
// before the store takes any writes.
func (s *StateStore) Restore(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %v", err)
	}
	defer db.Close()

	txn := s.db.Txn(true)
	defer txn.Abort()

	var jobs, workers, blobs int
	err = db.View(func(tx *bbolt.Tx) error {
		if meta := tx.Bucket(snapMetaBucket); meta != nil {
			if raw := meta.Get(snapIndexKey); len(raw) == 8 {
				s.restoreIndex(decodeUint64(raw))
			}
		}

		if bkt := tx.Bucket(snapJobsBucket); bkt != nil {
			err := bkt.ForEach(func(k, v []byte) error {
				job := new(structs.Job)
				if err := structs.Decode(v, job); err != nil {
					return fmt.Errorf("failed to decode job %s: %v", string(k), err)
				}
				jobs++
				return txn.Insert(TableJobs, job)
			})
			if err != nil {
				return err
			}
		}

		if bkt := tx.Bucket(snapWorkersBucket); bkt != nil {
			err := bkt.ForEach(func(k, v []byte) error {
				worker := new(structs.Worker)
				if err := structs.Decode(v, worker); err != nil {
					return fmt.Errorf("failed to decode worker: %v", err)
				}
				workers++
				return txn.Insert(TableWorkers, worker)
			})
			if err != nil {
				return err
			}
		}

		if bkt := tx.Bucket(snapBlobsBucket); bkt != nil {
			err := bkt.ForEach(func(k, v []byte) error {
				blob := new(structs.BlobMetadata)
				if err := structs.Decode(v, blob); err != nil {
					return fmt.Errorf("failed to decode blob %s: %v", string(k), err)
				}
				blobs++
				return txn.Insert(TableBlobs, blob)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %v", err)
	}

	index := s.LatestIndex()
	for _, table := range []string{TableJobs, TableWorkers, TableBlobs} {
		if err := indexUpdateTxn(txn, table, index); err != nil {
			return err
		}
	}

	txn.Commit()
	s.logger.Info("restored state snapshot", "path", path,
		"jobs", jobs, "workers", workers, "blobs", blobs)
	return nil
}

func decodeUint64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
