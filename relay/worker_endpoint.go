// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/relay/relay/structs"
)

// Worker endpoint handles validator roster reports and worker-facing
// egress.
type Worker struct {
	srv    *Server
	logger hclog.Logger
}

// Report merges one validator's observed worker snapshots into the
// roster. Per-snapshot failures are isolated: the rest of the report
// still applies, and the failures come back aggregated.
func (w *Worker) Report(args *structs.WorkerReportRequest, reply *structs.WorkerReportResponse) error {
	defer metrics.MeasureSince([]string{"relay", "worker", "report"}, time.Now())

	now := time.Now()
	var mErr multierror.Error
	for _, snap := range args.Workers {
		if err := w.srv.state.UpsertWorkerReport(args.ValidatorID, snap, now); err != nil {
			w.logger.Error("failed to merge worker snapshot",
				"validator_id", args.ValidatorID, "worker_id", snap.ID, "error", err)
			mErr.Errors = append(mErr.Errors, err)
			continue
		}
		reply.Merged++
	}
	w.logger.Debug("merged worker report", "validator_id", args.ValidatorID,
		"epoch", args.Epoch, "merged", reply.Merged, "failed", len(mErr.Errors))
	return mErr.ErrorOrNil()
}

// ListJobs returns the jobs assigned to a worker in the requested active
// states. Terminal states are filtered out even when asked for: a worker
// polling for work never sees settled jobs.
func (w *Worker) ListJobs(args *structs.WorkerListJobsRequest, reply *structs.WorkerListJobsResponse) error {
	defer metrics.MeasureSince([]string{"relay", "worker", "list_jobs"}, time.Now())

	statuses := args.Statuses
	if len(statuses) == 0 {
		statuses = []string{structs.JobStatusAssigned, structs.JobStatusInProgress}
	}
	active := statuses[:0:0]
	for _, st := range statuses {
		switch st {
		case structs.JobStatusPending, structs.JobStatusAssigned, structs.JobStatusInProgress:
			active = append(active, st)
		}
	}
	if len(active) == 0 {
		reply.Jobs = nil
		return nil
	}

	jobs, err := w.srv.state.JobsByWorker(nil, args.WorkerID, active)
	if err != nil {
		return err
	}
	reply.Jobs = jobs
	return nil
}

// Leaderboard returns per-worker aggregate rows sorted by performance
// score, stake breaking ties.
func (w *Worker) Leaderboard(args *structs.LeaderboardRequest, reply *structs.LeaderboardResponse) error {
	defer metrics.MeasureSince([]string{"relay", "worker", "leaderboard"}, time.Now())

	workers, err := w.srv.state.Workers(nil)
	if err != nil {
		return err
	}

	now := time.Now()
	rows := make([]*structs.LeaderboardRow, 0, len(workers))
	for _, worker := range workers {
		load, err := w.srv.state.WorkerEffectiveLoad(worker.ID)
		if err != nil {
			load = worker.Load
		}

		completed := 0
		jobs, err := w.srv.state.JobsByWorker(nil, worker.ID, nil)
		if err == nil {
			for _, job := range jobs {
				if r := job.WorkerResponse(worker.ID); r != nil && r.Error == "" {
					completed++
				}
			}
		}

		rows = append(rows, &structs.LeaderboardRow{
			WorkerID:           worker.ID,
			IdentityKey:        worker.IdentityKey,
			PerformanceScore:   worker.PerformanceScore,
			Stake:              worker.Stake,
			CompletedResponses: completed,
			AvailabilityScore: worker.AvailabilityScore(load, now,
				w.srv.config.WorkerTimeout, w.srv.config.AvailabilityWeights),
		})
	}

	sort.SliceStable(rows, func(i, k int) bool {
		if rows[i].PerformanceScore != rows[k].PerformanceScore {
			return rows[i].PerformanceScore > rows[k].PerformanceScore
		}
		return rows[i].Stake > rows[k].Stake
	})
	reply.Rows = rows
	return nil
}
