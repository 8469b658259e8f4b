// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hashicorp/relay/relay/state"
	"github.com/hashicorp/relay/relay/structs"
)

// Scheduler assigns pending and under-replicated jobs to eligible
// workers. One pass examines a bounded batch of jobs per state, oldest
// first, and processes them with bounded parallelism so a deep backlog
// cannot monopolize the store's write path.
type Scheduler struct {
	srv    *Server
	logger hclog.Logger

	// limiter paces per-job work within a pass; sem bounds how many jobs
	// are in flight at once.
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

func newScheduler(srv *Server) *Scheduler {
	return &Scheduler{
		srv:     srv,
		logger:  srv.logger.Named("sched"),
		limiter: rate.NewLimiter(srv.config.SchedulerPassRate, srv.config.SchedulerPassBurst),
		sem:     semaphore.NewWeighted(srv.config.SchedulerJobParallelism),
	}
}

func (sc *Scheduler) run(shutdownCh <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-shutdownCh
		cancel()
	}()

	timer := time.NewTimer(sc.srv.config.SchedulerInterval)
	defer timer.Stop()

	for {
		select {
		case <-shutdownCh:
			return
		case <-timer.C:
			if err := sc.Pass(ctx); err != nil && ctx.Err() == nil {
				sc.logger.Error("assignment pass failed", "error", err)
			}
			timer.Reset(sc.srv.config.SchedulerInterval)
		}
	}
}

// Pass runs one assignment pass. Per-job failures are logged and
// isolated; only pass-level failures (store iteration, cancellation)
// surface as an error.
func (sc *Scheduler) Pass(ctx context.Context) error {
	defer metrics.MeasureSince([]string{"relay", "scheduler", "pass"}, time.Now())

	batch := sc.srv.config.SchedulerBatchSize

	pending, err := sc.srv.state.JobsByStatus(nil, structs.JobStatusPending, state.SortDefault, batch)
	if err != nil {
		return err
	}
	assigned, err := sc.srv.state.JobsByStatus(nil, structs.JobStatusAssigned, state.SortDefault, batch)
	if err != nil {
		return err
	}

	var work []*structs.Job
	work = append(work, pending...)
	for _, job := range assigned {
		if job.NeededWorkers() > 0 {
			work = append(work, job)
		}
	}
	if len(work) == 0 {
		return nil
	}
	sc.logger.Debug("starting assignment pass", "jobs", len(work))

	for _, job := range work {
		if err := sc.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := sc.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(job *structs.Job) {
			defer sc.sem.Release(1)
			if err := sc.processJob(job); err != nil {
				sc.logger.Error("job assignment failed", "job_id", job.ID, "error", err)
			}
		}(job)
	}

	// Drain the semaphore so the pass only returns once every job handler
	// has finished.
	if err := sc.sem.Acquire(ctx, sc.srv.config.SchedulerJobParallelism); err != nil {
		return err
	}
	sc.sem.Release(sc.srv.config.SchedulerJobParallelism)
	return nil
}

// processJob tries to bring one job up to its desired replication.
func (sc *Scheduler) processJob(job *structs.Job) error {
	needed := job.NeededWorkers()
	if needed == 0 {
		return nil
	}
	now := time.Now()

	// Fetch more candidates than needed; the commit-time capacity check
	// inside AssignWorkers may drop some of them.
	candidates, err := sc.srv.state.EligibleWorkers(job.Kind, 2*needed,
		job.WorkerSet(), now, sc.srv.config.WorkerTimeout, sc.srv.config.AvailabilityWeights)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		sc.logger.Debug("no eligible workers", "job_id", job.ID, "kind", job.Kind)
		return nil
	}

	ids := make([]uint64, 0, len(candidates))
	for _, w := range candidates {
		ids = append(ids, w.ID)
	}

	committed, err := sc.srv.state.AssignWorkers(job.ID, ids, now)
	if err != nil {
		return err
	}
	if len(committed) > 0 {
		metrics.IncrCounter([]string{"relay", "scheduler", "assignments"}, float32(len(committed)))
		sc.logger.Debug("assigned workers", "job_id", job.ID,
			"workers", committed, "needed", needed)
	}
	return nil
}
