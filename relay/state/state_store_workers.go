// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/relay/relay/structs"
)

// UpsertWorker inserts or replaces a roster row. It is the raw write used
// by snapshot restore and tests; validator observations go through
// UpsertWorkerReport.
func (s *StateStore) UpsertWorker(worker *structs.Worker) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existingRaw, err := txn.First(TableWorkers, indexID, worker.ID)
	if err != nil {
		return fmt.Errorf("worker lookup failed: %v", err)
	}
	if existingRaw != nil {
		worker.CreateIndex = existingRaw.(*structs.Worker).CreateIndex
	} else if worker.CreateIndex == 0 {
		worker.CreateIndex = index
	}
	worker.ModifyIndex = index

	if err := txn.Insert(TableWorkers, worker); err != nil {
		return fmt.Errorf("worker insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableWorkers, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// UpsertWorkerReport merges one validator's observation of a worker into
// the roster. A snapshot whose identity key differs from the stored row's
// replaces the row as a fresh entity: a reused numeric ID must not inherit
// the previous holder's history.
func (s *StateStore) UpsertWorkerReport(validatorID string, snap *structs.WorkerSnapshot, now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	var worker *structs.Worker
	existingRaw, err := txn.First(TableWorkers, indexID, snap.ID)
	if err != nil {
		return fmt.Errorf("worker lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.Worker)
		if existing.IdentityMatches(snap) {
			worker = existing.Copy()
			worker.Merge(snap, validatorID, now)
			worker.CreateIndex = existing.CreateIndex
		} else {
			s.logger.Info("worker id reused by new identity, resetting roster row",
				"worker_id", snap.ID)
			worker = structs.NewWorkerFromSnapshot(snap, validatorID, now)
			worker.CreateIndex = index
		}
	} else {
		worker = structs.NewWorkerFromSnapshot(snap, validatorID, now)
		worker.CreateIndex = index
	}
	worker.ModifyIndex = index

	if err := txn.Insert(TableWorkers, worker); err != nil {
		return fmt.Errorf("worker insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableWorkers, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// WorkerByID returns the roster row for the given worker, or nil.
func (s *StateStore) WorkerByID(ws memdb.WatchSet, workerID uint64) (*structs.Worker, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	return s.workerByIDTxn(txn, workerID)
}

func (s *StateStore) workerByIDTxn(txn *memdb.Txn, workerID uint64) (*structs.Worker, error) {
	existing, err := txn.First(TableWorkers, indexID, workerID)
	if err != nil {
		return nil, fmt.Errorf("worker lookup failed: %v", err)
	}
	if existing != nil {
		return existing.(*structs.Worker), nil
	}
	return nil, nil
}

// Workers returns every roster row.
func (s *StateStore) Workers(ws memdb.WatchSet) ([]*structs.Worker, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableWorkers, indexID)
	if err != nil {
		return nil, fmt.Errorf("workers lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Worker
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Worker))
	}
	return out, nil
}

// EligibleWorkers returns up to limit workers able to take a job of the
// given kind, ranked by availability score descending with lower effective
// load breaking ties. Exclusion covers workers already assigned to the
// job.
func (s *StateStore) EligibleWorkers(kind string, limit int, exclude *set.Set[uint64], now time.Time, timeout time.Duration, weights structs.AvailabilityWeights) ([]*structs.Worker, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableWorkers, indexID)
	if err != nil {
		return nil, fmt.Errorf("workers lookup failed: %v", err)
	}

	type ranked struct {
		worker *structs.Worker
		score  float64
		load   int
	}
	var candidates []ranked

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		worker := raw.(*structs.Worker)

		if !worker.Serving {
			continue
		}
		if !worker.Active(now, timeout) {
			continue
		}
		if exclude != nil && exclude.Contains(worker.ID) {
			continue
		}
		if !worker.Accepts(kind) {
			continue
		}
		load := s.effectiveLoadTxn(txn, worker)
		if load >= worker.MaxCapacity {
			continue
		}

		candidates = append(candidates, ranked{
			worker: worker,
			score:  worker.AvailabilityScore(load, now, timeout, weights),
			load:   load,
		})
	}

	sort.SliceStable(candidates, func(i, k int) bool {
		if candidates[i].score != candidates[k].score {
			return candidates[i].score > candidates[k].score
		}
		return candidates[i].load < candidates[k].load
	})

	out := make([]*structs.Worker, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.worker)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// IncWorkerLoad bumps a worker's load counter, clamped to its capacity. A
// missing row is created minimally so load arithmetic can precede the
// first validator report.
func (s *StateStore) IncWorkerLoad(workerID uint64, now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := s.incWorkerLoadTxn(txn, workerID, now); err != nil {
		return err
	}
	if err := indexUpdateTxn(txn, TableWorkers, s.LatestIndex()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *StateStore) incWorkerLoadTxn(txn *memdb.Txn, workerID uint64, now time.Time) error {
	index := s.writeIndex()

	existing, err := s.workerByIDTxn(txn, workerID)
	if err != nil {
		return err
	}

	var worker *structs.Worker
	if existing == nil {
		worker = &structs.Worker{
			ID:          workerID,
			MaxCapacity: structs.DefaultWorkerCapacity,
			Load:        1,
			LastSeen:    now,
			CreateIndex: index,
		}
	} else {
		worker = existing.Copy()
		if worker.Load < worker.MaxCapacity {
			worker.Load++
		}
	}
	worker.ModifyIndex = index

	if err := txn.Insert(TableWorkers, worker); err != nil {
		return fmt.Errorf("worker insert failed: %v", err)
	}
	return nil
}

// DecWorkerLoad releases one unit of a worker's load counter, clamped at
// zero. A missing row is a no-op: the reaper may have already deleted the
// worker.
func (s *StateStore) DecWorkerLoad(workerID uint64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := s.decWorkerLoadTxn(txn, workerID); err != nil {
		return err
	}
	if err := indexUpdateTxn(txn, TableWorkers, s.LatestIndex()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *StateStore) decWorkerLoadTxn(txn *memdb.Txn, workerID uint64) error {
	existing, err := s.workerByIDTxn(txn, workerID)
	if err != nil || existing == nil {
		return err
	}
	if existing.Load == 0 {
		return nil
	}

	worker := existing.Copy()
	worker.Load--
	worker.ModifyIndex = s.writeIndex()

	if err := txn.Insert(TableWorkers, worker); err != nil {
		return fmt.Errorf("worker insert failed: %v", err)
	}
	return nil
}

// WorkerLoad returns the fast counter value for a worker.
func (s *StateStore) WorkerLoad(workerID uint64) (int, error) {
	worker, err := s.WorkerByID(nil, workerID)
	if err != nil {
		return 0, err
	}
	if worker == nil {
		return 0, structs.ErrWorkerNotFound
	}
	return worker.Load, nil
}

// WorkerEffectiveLoad returns the authoritative load for scheduling
// decisions: the larger of the counter and the live assignment count, so
// transient counter drift can never oversubscribe a worker.
func (s *StateStore) WorkerEffectiveLoad(workerID uint64) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	worker, err := s.workerByIDTxn(txn, workerID)
	if err != nil {
		return 0, err
	}
	if worker == nil {
		return 0, structs.ErrWorkerNotFound
	}
	return s.effectiveLoadTxn(txn, worker), nil
}

// effectiveLoadTxn computes max(counter, live assignment count) inside an
// open transaction.
func (s *StateStore) effectiveLoadTxn(txn *memdb.Txn, worker *structs.Worker) int {
	live := 0
	iter, err := txn.Get(TableJobs, indexWorker, worker.ID)
	if err != nil {
		s.logger.Error("live load lookup failed", "worker_id", worker.ID, "error", err)
		return worker.Load
	}

	seen := make(map[string]bool)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		if job.ActiveStatus() {
			live++
		}
	}

	if live > worker.Load {
		return live
	}
	return worker.Load
}

// ReapInactiveWorkers deletes roster rows whose last-seen is at or past
// the cutoff, oldest first via the last-seen index, plus any row that
// never recorded a heartbeat. Returns the deleted worker IDs.
func (s *StateStore) ReapInactiveWorkers(cutoff time.Time) ([]uint64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var victims []*structs.Worker

	iter, err := txn.Get(TableWorkers, indexLastSeen)
	if err != nil {
		return nil, fmt.Errorf("workers by last_seen lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		worker := raw.(*structs.Worker)
		// A last-seen exactly at the boundary counts as inactive.
		if worker.LastSeen.After(cutoff) {
			break
		}
		victims = append(victims, worker)
	}

	// Rows with a missing last-seen never got a heartbeat at all.
	all, err := txn.Get(TableWorkers, indexID)
	if err != nil {
		return nil, fmt.Errorf("workers lookup failed: %v", err)
	}
	for raw := all.Next(); raw != nil; raw = all.Next() {
		worker := raw.(*structs.Worker)
		if worker.LastSeen.IsZero() {
			victims = append(victims, worker)
		}
	}

	var reaped []uint64
	for _, worker := range victims {
		if err := txn.Delete(TableWorkers, worker); err != nil {
			return nil, fmt.Errorf("worker deletion failed: %v", err)
		}
		reaped = append(reaped, worker.ID)
	}

	if len(reaped) > 0 {
		if err := indexUpdateTxn(txn, TableWorkers, s.writeIndex()); err != nil {
			return nil, err
		}
	}

	txn.Commit()
	return reaped, nil
}

// DeleteWorker removes a single roster row.
func (s *StateStore) DeleteWorker(workerID uint64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := s.workerByIDTxn(txn, workerID)
	if err != nil {
		return err
	}
	if existing == nil {
		return structs.ErrWorkerNotFound
	}
	if err := txn.Delete(TableWorkers, existing); err != nil {
		return fmt.Errorf("worker deletion failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableWorkers, s.writeIndex()); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
