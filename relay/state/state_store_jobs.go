// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/relay/helper/uuid"
	"github.com/hashicorp/relay/relay/structs"
)

// SortOption represents how results should be sorted.
type SortOption bool

const (
	// SortDefault indicates that the result should be returned ordered by
	// creation time ascending, the fairness order the scheduler consumes.
	SortDefault SortOption = false

	// SortReverse indicates newest-first ordering, used by observability
	// list queries.
	SortReverse SortOption = true
)

// UpsertJob inserts or replaces a job row. It is the raw write used by
// submission and snapshot restore; lifecycle changes go through the
// contract methods below.
func (s *StateStore) UpsertJob(job *structs.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existingRaw, err := txn.First(TableJobs, indexID, job.ID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if existingRaw != nil {
		job.CreateIndex = existingRaw.(*structs.Job).CreateIndex
	} else if job.CreateIndex == 0 {
		job.CreateIndex = index
	}
	job.ModifyIndex = index

	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableJobs, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// CreateJob validates and inserts a fresh job in state pending.
func (s *StateStore) CreateJob(job *structs.Job, now time.Time) error {
	job.Canonicalize()
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.Generate()
	}
	job.Status = structs.JobStatusPending
	job.CreateTime = now
	job.ModifyTime = now
	return s.UpsertJob(job)
}

// JobByID returns the job with the given ID, or nil.
func (s *StateStore) JobByID(ws memdb.WatchSet, jobID string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableJobs, indexID, jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Job), nil
	}
	return nil, nil
}

// Jobs returns every job in the store.
func (s *StateStore) Jobs(ws memdb.WatchSet) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexID)
	if err != nil {
		return nil, fmt.Errorf("jobs lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Job))
	}
	return out, nil
}

// JobsByStatus returns jobs in the given state ordered by creation time,
// ascending for SortDefault and descending for SortReverse. A limit of
// zero means no limit.
func (s *StateStore) JobsByStatus(ws memdb.WatchSet, status string, sort SortOption, limit int) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexStatus, status)
	if err != nil {
		return nil, fmt.Errorf("jobs by status lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Job))
	}
	sortJobsByCreateTime(out, sort)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// JobsByWorker returns the jobs whose assignment list contains the worker,
// filtered to the given states (nil means all). The membership index can
// emit a job once per matching entry, so results are deduplicated.
func (s *StateStore) JobsByWorker(ws memdb.WatchSet, workerID uint64, statuses []string) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexWorker, workerID)
	if err != nil {
		return nil, fmt.Errorf("jobs by worker lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	seen := make(map[string]bool)
	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		if len(statuses) > 0 && !wanted[job.Status] {
			continue
		}
		out = append(out, job)
	}
	sortJobsByCreateTime(out, SortDefault)
	return out, nil
}

// AssignWorkers applies the scheduler's atomic assignment contract to a
// job:
//
//   - workers already assigned to the job are rejected,
//   - workers whose effective load has reached capacity at commit time are
//     dropped (the rest of the batch proceeds),
//   - the accepted subset is written together with matching assignment
//     records and the workers' load counters in a single commit,
//   - the job moves pending -> assigned with DistributedTime set iff the
//     post-commit assignment count reaches MinWorkers.
//
// A pending job is never left holding fewer than MinWorkers workers: if
// the accepted subset cannot reach the floor the whole call is a no-op and
// the job stays pending. The committed subset is returned; it may be
// shorter than the request.
func (s *StateStore) AssignWorkers(jobID string, workerIDs []uint64, now time.Time) ([]uint64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)
	if job.TerminalStatus() {
		return nil, structs.ErrJobTerminal
	}

	nj := job.Copy()
	var committed []uint64

	for _, workerID := range workerIDs {
		if len(nj.AssignedWorkers) >= nj.MaxWorkers {
			break
		}
		if nj.HasWorker(workerID) {
			continue
		}

		worker, err := s.workerByIDTxn(txn, workerID)
		if err != nil {
			return nil, err
		}
		if worker == nil {
			continue
		}
		if s.effectiveLoadTxn(txn, worker) >= worker.MaxCapacity {
			// Over capacity at commit time; drop this worker only.
			continue
		}

		nj.AssignedWorkers = append(nj.AssignedWorkers, workerID)
		nj.Assignments = append(nj.Assignments, &structs.Assignment{
			ID:         uuid.Generate(),
			JobID:      nj.ID,
			WorkerID:   workerID,
			Status:     structs.AssignmentStatusPending,
			AssignTime: now,
		})
		committed = append(committed, workerID)

		if err := s.incWorkerLoadTxn(txn, workerID, now); err != nil {
			return nil, err
		}
	}

	if len(committed) == 0 {
		return nil, nil
	}

	// A pending job only becomes visible with workers once it clears the
	// replication floor.
	if nj.Status == structs.JobStatusPending {
		if len(nj.AssignedWorkers) < nj.MinWorkers {
			return nil, nil
		}
		nj.Status = structs.JobStatusAssigned
		nj.DistributedTime = now
	}
	nj.ModifyTime = now

	index := s.writeIndex()
	nj.ModifyIndex = index
	if err := txn.Insert(TableJobs, nj); err != nil {
		return nil, fmt.Errorf("job insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableJobs, index); err != nil {
		return nil, err
	}

	txn.Commit()
	return committed, nil
}

// RecordResponse records a single worker response on a job. Idempotent
// with respect to (job, worker): a second submission returns
// ErrDuplicateResponse and mutates nothing. Completion is owned by the
// aggregator's flush, not this call.
func (s *StateStore) RecordResponse(jobID string, resp *structs.Response, now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)
	if job.TerminalStatus() {
		return structs.ErrJobTerminal
	}

	nj := job.Copy()
	if err := applyResponseToJob(nj, resp, now); err != nil {
		return err
	}
	nj.ModifyTime = now

	index := s.writeIndex()
	nj.ModifyIndex = index
	if err := txn.Insert(TableJobs, nj); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableJobs, index); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// ApplyResponses commits a batch of buffered responses to a job in one
// transaction, in their order of arrival into the buffer. Duplicates and
// responses from unassigned workers are dropped silently. If the job
// clears its replication floor it transitions to completed, the best
// response is computed and every assigned worker's load is released
// exactly once. Returns the stored job and the number of responses
// applied.
func (s *StateStore) ApplyResponses(jobID string, responses []*structs.Response, weights structs.ScoreWeights, now time.Time) (*structs.Job, int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, 0, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, 0, structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)
	if job.TerminalStatus() {
		// Late flush for a job the reaper or a cancel already settled.
		return job, 0, nil
	}

	nj := job.Copy()
	applied := 0
	for _, resp := range responses {
		err := applyResponseToJob(nj, resp, now)
		switch {
		case err == nil:
			applied++
		case structs.IsDuplicate(err), err == structs.ErrWorkerNotAssigned:
			s.logger.Debug("dropping response", "job_id", jobID,
				"worker_id", resp.WorkerID, "error", err)
		default:
			return nil, 0, err
		}
	}

	if len(nj.Responses) >= nj.MinWorkers && structs.ValidJobTransition(nj.Status, structs.JobStatusCompleted) {
		nj.Status = structs.JobStatusCompleted
		nj.AllResponsesTime = now
		nj.CompleteTime = now
		if best := structs.SelectBestResponse(nj.Responses, weights); best != nil {
			nj.BestResponseID = best.ID
		}
		if err := s.releaseJobLoadTxn(txn, nj); err != nil {
			return nil, 0, err
		}
	}
	nj.ModifyTime = now

	index := s.writeIndex()
	nj.ModifyIndex = index
	if err := txn.Insert(TableJobs, nj); err != nil {
		return nil, 0, fmt.Errorf("job insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableJobs, index); err != nil {
		return nil, 0, err
	}

	txn.Commit()
	return nj, applied, nil
}

// applyResponseToJob mutates the job copy with one response, enforcing the
// one-response-per-worker invariant and settling the matching assignment.
func applyResponseToJob(job *structs.Job, resp *structs.Response, now time.Time) error {
	if !job.HasWorker(resp.WorkerID) {
		return structs.ErrWorkerNotAssigned
	}
	if job.WorkerResponse(resp.WorkerID) != nil {
		return structs.ErrDuplicateResponse
	}

	nr := resp.Copy()
	if nr.ID == "" {
		nr.ID = uuid.Generate()
	}
	if nr.SubmitTime.IsZero() {
		nr.SubmitTime = now
	}
	job.Responses = append(job.Responses, nr)

	if a := job.WorkerAssignment(resp.WorkerID); a != nil && a.Status == structs.AssignmentStatusPending {
		if nr.Error != "" {
			a.Status = structs.AssignmentStatusFailed
		} else {
			a.Status = structs.AssignmentStatusCompleted
		}
		a.CompleteTime = now
	}
	return nil
}

// UpdateJobStatus moves a job along the state machine, refusing any
// transition outside the arrows. When the move terminalizes the job from
// the core's perspective, every assigned worker's load is released exactly
// once. The optional patch runs on the job copy before commit.
func (s *StateStore) UpdateJobStatus(jobID, newStatus string, now time.Time, patch func(*structs.Job)) (*structs.Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.ErrJobNotFound
	}
	job := raw.(*structs.Job)

	if !structs.ValidJobTransition(job.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s for job %s",
			structs.ErrInvalidTransition, job.Status, newStatus, jobID)
	}

	nj := job.Copy()
	nj.Status = newStatus
	nj.ModifyTime = now
	if patch != nil {
		patch(nj)
	}

	switch newStatus {
	case structs.JobStatusCompleted, structs.JobStatusFailed, structs.JobStatusCancelled:
		if nj.CompleteTime.IsZero() {
			nj.CompleteTime = now
		}
		if err := s.releaseJobLoadTxn(txn, nj); err != nil {
			return nil, err
		}
	}

	index := s.writeIndex()
	nj.ModifyIndex = index
	if err := txn.Insert(TableJobs, nj); err != nil {
		return nil, fmt.Errorf("job insert failed: %v", err)
	}
	if err := indexUpdateTxn(txn, TableJobs, index); err != nil {
		return nil, err
	}

	txn.Commit()
	return nj, nil
}

// MarkJobDone advances a completed job to done (or straight to approved)
// on behalf of a validator, storing the evaluation blob verbatim.
func (s *StateStore) MarkJobDone(jobID, validatorID, evaluation string, approve bool, now time.Time) (*structs.Job, error) {
	target := structs.JobStatusDone
	if approve {
		target = structs.JobStatusApproved
	}
	return s.UpdateJobStatus(jobID, target, now, func(j *structs.Job) {
		j.Evaluation = evaluation
		for _, v := range j.EvaluatedBy {
			if v == validatorID {
				return
			}
		}
		j.EvaluatedBy = append(j.EvaluatedBy, validatorID)
	})
}

// JobsReadyForEvaluation returns completed jobs the given validator has
// not evaluated yet, oldest first.
func (s *StateStore) JobsReadyForEvaluation(ws memdb.WatchSet, validatorID string, limit int) ([]*structs.Job, error) {
	jobs, err := s.JobsByStatus(ws, structs.JobStatusCompleted, SortDefault, 0)
	if err != nil {
		return nil, err
	}

	var out []*structs.Job
	for _, job := range jobs {
		evaluated := false
		for _, v := range job.EvaluatedBy {
			if v == validatorID {
				evaluated = true
				break
			}
		}
		if evaluated {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SweepStaleJobs ages out jobs older than the cutoff in a single
// transaction: assigned jobs holding at least one response are
// force-completed with an annotated reason, and pending jobs that were
// never assigned are failed. Assigned jobs with zero responses are left
// for validators to observe as partial failures. Returns the IDs of jobs
// completed and failed.
func (s *StateStore) SweepStaleJobs(cutoff, now time.Time, weights structs.ScoreWeights) ([]string, []string, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var completed, failed []string
	var updated bool

	// Collect candidates before mutating so the index iteration does not
	// observe our own writes.
	var stalePartial, staleNever []*structs.Job

	assigned, err := txn.Get(TableJobs, indexStatus, structs.JobStatusAssigned)
	if err != nil {
		return nil, nil, fmt.Errorf("jobs by status lookup failed: %v", err)
	}
	for raw := assigned.Next(); raw != nil; raw = assigned.Next() {
		job := raw.(*structs.Job)
		if job.CreateTime.Before(cutoff) && len(job.Responses) > 0 {
			stalePartial = append(stalePartial, job)
		}
	}

	pending, err := txn.Get(TableJobs, indexStatus, structs.JobStatusPending)
	if err != nil {
		return nil, nil, fmt.Errorf("jobs by status lookup failed: %v", err)
	}
	for raw := pending.Next(); raw != nil; raw = pending.Next() {
		job := raw.(*structs.Job)
		if job.CreateTime.Before(cutoff) {
			staleNever = append(staleNever, job)
		}
	}

	for _, job := range stalePartial {
		nj := job.Copy()
		nj.Status = structs.JobStatusCompleted
		nj.CompleteTime = now
		nj.ModifyTime = now
		nj.Metadata[structs.MetaCompletionReason] = fmt.Sprintf(
			"timeout cleanup (%d response(s) after 1+ hour)", len(nj.Responses))
		nj.Metadata[structs.MetaActualResponseCount] = strconv.Itoa(len(nj.Responses))
		nj.Metadata[structs.MetaExpectedResponseCount] = strconv.Itoa(len(nj.AssignedWorkers))
		if nj.BestResponseID == "" {
			if best := structs.SelectBestResponse(nj.Responses, weights); best != nil {
				nj.BestResponseID = best.ID
			}
		}
		for _, a := range nj.Assignments {
			if a.Status == structs.AssignmentStatusPending {
				a.Status = structs.AssignmentStatusTimeout
				a.CompleteTime = now
			}
		}
		if err := s.releaseJobLoadTxn(txn, nj); err != nil {
			return nil, nil, err
		}

		nj.ModifyIndex = s.writeIndex()
		if err := txn.Insert(TableJobs, nj); err != nil {
			return nil, nil, fmt.Errorf("job insert failed: %v", err)
		}
		completed = append(completed, nj.ID)
		updated = true
	}

	for _, job := range staleNever {
		nj := job.Copy()
		nj.Status = structs.JobStatusFailed
		nj.CompleteTime = now
		nj.ModifyTime = now
		nj.Metadata[structs.MetaFailureReason] = "task never assigned to miners after 1+ hour"
		nj.Metadata[structs.MetaFailureTimestamp] = now.UTC().Format(time.RFC3339)

		nj.ModifyIndex = s.writeIndex()
		if err := txn.Insert(TableJobs, nj); err != nil {
			return nil, nil, fmt.Errorf("job insert failed: %v", err)
		}
		failed = append(failed, nj.ID)
		updated = true
	}

	if updated {
		if err := indexUpdateTxn(txn, TableJobs, s.LatestIndex()); err != nil {
			return nil, nil, err
		}
	}

	txn.Commit()
	return completed, failed, nil
}

// DeleteTerminalJobsBefore removes terminal jobs created before the cutoff
// in a single transaction, returning how many were deleted.
func (s *StateStore) DeleteTerminalJobsBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexID)
	if err != nil {
		return 0, fmt.Errorf("jobs lookup failed: %v", err)
	}

	var victims []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if job.TerminalStatus() && job.CreateTime.Before(cutoff) {
			victims = append(victims, job)
		}
	}
	for _, job := range victims {
		if err := txn.Delete(TableJobs, job); err != nil {
			return 0, fmt.Errorf("job deletion failed: %v", err)
		}
	}

	if len(victims) > 0 {
		if err := indexUpdateTxn(txn, TableJobs, s.writeIndex()); err != nil {
			return 0, err
		}
	}

	txn.Commit()
	return len(victims), nil
}

// JobCountsByStatus aggregates counts by state for the statistics
// reporter. Every known state appears even at zero; states that cannot be
// queried roll up as zero rather than producing an error.
func (s *StateStore) JobCountsByStatus() (map[string]int, int, error) {
	counts := make(map[string]int, len(structs.JobStatuses))
	for _, status := range structs.JobStatuses {
		counts[status] = 0
	}

	jobs, err := s.Jobs(nil)
	if err != nil {
		return counts, 0, nil
	}
	for _, job := range jobs {
		counts[job.Status]++
	}
	return counts, len(jobs), nil
}

// releaseJobLoadTxn decrements the load counter of every assigned worker
// exactly once per job terminalization, keyed by the job's
// LoadDecremented flag so restarts cannot double-release.
func (s *StateStore) releaseJobLoadTxn(txn *memdb.Txn, job *structs.Job) error {
	if job.LoadDecremented {
		return nil
	}
	for _, workerID := range job.AssignedWorkers {
		if err := s.decWorkerLoadTxn(txn, workerID); err != nil {
			return err
		}
	}
	job.LoadDecremented = true
	return nil
}

func sortJobsByCreateTime(jobs []*structs.Job, sortOpt SortOption) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if sortOpt == SortReverse {
			return jobs[i].CreateTime.After(jobs[k].CreateTime)
		}
		return jobs[i].CreateTime.Before(jobs[k].CreateTime)
	})
}
