// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"encoding/binary"
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/relay/relay/structs"
)

const (
	TableIndex   = "index"
	TableJobs    = "jobs"
	TableWorkers = "workers"
	TableBlobs   = "blobs"
)

const (
	indexID         = "id"
	indexStatus     = "status"
	indexWorker     = "worker"
	indexCreateTime = "create_time"
	indexLastSeen   = "last_seen"
)

// stateStoreSchema is used to return the combined schema for the state
// store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	schemas := []func() *memdb.TableSchema{
		indexTableSchema,
		jobTableSchema,
		workerTableSchema,
		blobTableSchema,
	}
	for _, fn := range schemas {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index per table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

// jobTableSchema returns the MemDB schema for the jobs table. Jobs are
// queried by ID, by state, by assigned-worker membership and by creation
// time.
func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
			indexWorker: {
				Name:         indexWorker,
				AllowMissing: true,
				Unique:       false,
				Indexer:      &JobWorkerFieldIndex{},
			},
			indexCreateTime: {
				Name:         indexCreateTime,
				AllowMissing: false,
				Unique:       false,
				Indexer: &TimeFieldIndex{
					Field: "CreateTime",
				},
			},
		},
	}
}

// workerTableSchema returns the MemDB schema for the worker roster table.
func workerTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableWorkers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UintFieldIndex{
					Field: "ID",
				},
			},
			indexLastSeen: {
				Name:         indexLastSeen,
				AllowMissing: true,
				Unique:       false,
				Indexer: &TimeFieldIndex{
					Field: "LastSeen",
				},
			},
		},
	}
}

// blobTableSchema returns the MemDB schema for blob metadata descriptors.
func blobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableBlobs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}

// JobWorkerFieldIndex is a multi-indexer over Job.AssignedWorkers, giving
// the jobs table a contains-style index on worker membership. A job with N
// assigned workers produces N index entries.
type JobWorkerFieldIndex struct{}

func (w *JobWorkerFieldIndex) FromObject(obj interface{}) (bool, [][]byte, error) {
	job, ok := obj.(*structs.Job)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a Job", obj)
	}
	if len(job.AssignedWorkers) == 0 {
		return false, nil, nil
	}

	vals := make([][]byte, 0, len(job.AssignedWorkers))
	for _, id := range job.AssignedWorkers {
		vals = append(vals, encodeUint64(id))
	}
	return true, vals, nil
}

func (w *JobWorkerFieldIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	id, ok := args[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("argument %T is not a uint64 worker id", args[0])
	}
	return encodeUint64(id), nil
}

// TimeFieldIndex indexes a time.Time field as its big-endian UnixNano so
// that iteration order matches chronological order. The zero time is
// treated as missing.
type TimeFieldIndex struct {
	Field string
}

func (t *TimeFieldIndex) FromObject(obj interface{}) (bool, []byte, error) {
	val, err := timeField(obj, t.Field)
	if err != nil {
		return false, nil, err
	}
	if val.IsZero() {
		return false, nil, nil
	}
	return true, encodeTime(val), nil
}

func (t *TimeFieldIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	val, ok := args[0].(time.Time)
	if !ok {
		return nil, fmt.Errorf("argument %T is not a time.Time", args[0])
	}
	return encodeTime(val), nil
}

func timeField(obj interface{}, field string) (time.Time, error) {
	switch o := obj.(type) {
	case *structs.Job:
		if field == "CreateTime" {
			return o.CreateTime, nil
		}
	case *structs.Worker:
		if field == "LastSeen" {
			return o.LastSeen, nil
		}
	}
	return time.Time{}, fmt.Errorf("no time field %q on %T", field, obj)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func encodeTime(v time.Time) []byte {
	return encodeUint64(uint64(v.UnixNano()))
}
