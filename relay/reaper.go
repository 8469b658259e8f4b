// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	multierror "github.com/hashicorp/go-multierror"
)

// Reaper runs the three maintenance sweeps: force-completing stale jobs
// that gathered partial responses, failing jobs that were never assigned,
// purging inactive workers and enforcing terminal-job retention. Each
// sweep failure is logged and retried on the next tick; one sweep never
// blocks another.
type Reaper struct {
	srv    *Server
	logger hclog.Logger
}

func newReaper(srv *Server) *Reaper {
	return &Reaper{
		srv:    srv,
		logger: srv.logger.Named("reaper"),
	}
}

func (r *Reaper) run(shutdownCh <-chan struct{}) {
	staleTicker := time.NewTicker(r.srv.config.StaleJobSweepInterval)
	defer staleTicker.Stop()
	inactiveTicker := time.NewTicker(r.srv.config.InactiveWorkerSweepInterval)
	defer inactiveTicker.Stop()
	oldTicker := time.NewTicker(r.srv.config.OldJobSweepInterval)
	defer oldTicker.Stop()

	for {
		select {
		case <-shutdownCh:
			return
		case <-staleTicker.C:
			if err := r.reapStaleJobs(time.Now()); err != nil {
				r.logger.Error("stale job sweep failed", "error", err)
			}
		case <-inactiveTicker.C:
			if err := r.reapInactiveWorkers(time.Now()); err != nil {
				r.logger.Error("inactive worker sweep failed", "error", err)
			}
		case <-oldTicker.C:
			if err := r.reapOldJobs(time.Now()); err != nil {
				r.logger.Error("old job sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs every sweep once, accumulating failures. Used at shutdown
// and by operators forcing a maintenance round.
func (r *Reaper) Sweep(now time.Time) error {
	var mErr multierror.Error
	if err := r.reapStaleJobs(now); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := r.reapInactiveWorkers(now); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := r.reapOldJobs(now); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// reapStaleJobs settles jobs older than the grace window: assigned jobs
// holding at least one response are force-completed with what they have,
// pending jobs that never got workers are failed.
func (r *Reaper) reapStaleJobs(now time.Time) error {
	defer metrics.MeasureSince([]string{"relay", "reaper", "stale_jobs"}, time.Now())

	cutoff := now.Add(-r.srv.config.StaleJobGrace)
	completed, failed, err := r.srv.state.SweepStaleJobs(cutoff, now, r.srv.config.ScoreWeights)
	if err != nil {
		return err
	}
	if len(completed)+len(failed) > 0 {
		metrics.IncrCounter([]string{"relay", "reaper", "jobs_completed"}, float32(len(completed)))
		metrics.IncrCounter([]string{"relay", "reaper", "jobs_failed"}, float32(len(failed)))
		r.logger.Info("settled stale jobs",
			"force_completed", len(completed), "failed", len(failed))
	}
	return nil
}

// reapInactiveWorkers deletes roster rows past the heartbeat timeout.
func (r *Reaper) reapInactiveWorkers(now time.Time) error {
	defer metrics.MeasureSince([]string{"relay", "reaper", "inactive_workers"}, time.Now())

	cutoff := now.Add(-r.srv.config.WorkerTimeout)
	reaped, err := r.srv.state.ReapInactiveWorkers(cutoff)
	if err != nil {
		return err
	}
	if len(reaped) > 0 {
		metrics.IncrCounter([]string{"relay", "reaper", "workers"}, float32(len(reaped)))
		r.logger.Info("purged inactive workers", "count", len(reaped))
	}
	return nil
}

// reapOldJobs enforces terminal-job retention.
func (r *Reaper) reapOldJobs(now time.Time) error {
	defer metrics.MeasureSince([]string{"relay", "reaper", "old_jobs"}, time.Now())

	cutoff := now.Add(-r.srv.config.OldJobRetention)
	deleted, err := r.srv.state.DeleteTerminalJobsBefore(cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		metrics.IncrCounter([]string{"relay", "reaper", "old_jobs_deleted"}, float32(deleted))
		r.logger.Info("deleted old terminal jobs", "count", deleted)
	}
	return nil
}
