// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/relay/relay/structs"
)

// Aggregator buffers worker responses per job and commits them to the
// store in batches. A job's buffer flushes when it holds enough responses
// to matter (count threshold), when together with the already-stored
// responses every assigned worker has answered, or when its oldest entry
// ages past the flush timeout. The replication floor never triggers a
// flush on its own: redundant responses keep buffering so the best answer
// is chosen across the full set, and settling a job that only ever
// reaches its floor is left to the count and timeout paths.
type Aggregator struct {
	srv    *Server
	logger hclog.Logger

	lock    sync.Mutex
	buffers map[string]*responseBuffer
}

// responseBuffer is the pending batch for one job.
type responseBuffer struct {
	responses    []*structs.Response
	firstArrival time.Time
}

func newAggregator(srv *Server) *Aggregator {
	return &Aggregator{
		srv:     srv,
		logger:  srv.logger.Named("aggregator"),
		buffers: make(map[string]*responseBuffer),
	}
}

// Add buffers one worker response for a job. Duplicates, both against the
// buffer and against responses already stored on the job, are dropped
// silently. Responses from workers not assigned to the job are refused.
func (a *Aggregator) Add(jobID string, resp *structs.Response) error {
	defer metrics.MeasureSince([]string{"relay", "aggregator", "add"}, time.Now())

	job, err := a.srv.state.JobByID(nil, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrJobNotFound
	}
	if job.TerminalStatus() {
		return structs.ErrJobTerminal
	}
	if !job.HasWorker(resp.WorkerID) {
		return structs.ErrWorkerNotAssigned
	}
	if job.WorkerResponse(resp.WorkerID) != nil {
		a.logger.Debug("dropping duplicate response", "job_id", jobID,
			"worker_id", resp.WorkerID)
		return nil
	}

	now := time.Now()
	var flush []*structs.Response

	a.lock.Lock()
	buf := a.buffers[jobID]
	if buf == nil {
		buf = &responseBuffer{firstArrival: now}
		a.buffers[jobID] = buf
	}
	for _, buffered := range buf.responses {
		if buffered.WorkerID == resp.WorkerID {
			a.lock.Unlock()
			a.logger.Debug("dropping duplicate buffered response",
				"job_id", jobID, "worker_id", resp.WorkerID)
			return nil
		}
	}
	buf.responses = append(buf.responses, resp.Copy())

	if len(buf.responses) >= a.srv.config.BufferFlushSize ||
		len(buf.responses)+len(job.Responses) >= len(job.AssignedWorkers) {
		flush = buf.responses
		delete(a.buffers, jobID)
	}
	a.lock.Unlock()

	if flush != nil {
		a.commit(jobID, flush)
	}
	return nil
}

// run scans the buffers on a fixed cadence and flushes any batch whose
// oldest entry has aged past the flush timeout.
func (a *Aggregator) run(shutdownCh <-chan struct{}) {
	ticker := time.NewTicker(a.srv.config.BufferScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCh:
			return
		case <-ticker.C:
			a.flushAged(time.Now())
		}
	}
}

func (a *Aggregator) flushAged(now time.Time) {
	timeout := a.srv.config.BufferFlushTimeout

	a.lock.Lock()
	aged := make(map[string][]*structs.Response)
	for jobID, buf := range a.buffers {
		if now.Sub(buf.firstArrival) >= timeout {
			aged[jobID] = buf.responses
			delete(a.buffers, jobID)
		}
	}
	a.lock.Unlock()

	for jobID, responses := range aged {
		a.commit(jobID, responses)
	}
}

// ForceFlushAll commits every buffered batch regardless of thresholds.
// Called on shutdown so no accepted response is lost.
func (a *Aggregator) ForceFlushAll() {
	a.lock.Lock()
	all := a.buffers
	a.buffers = make(map[string]*responseBuffer)
	a.lock.Unlock()

	for jobID, buf := range all {
		a.commit(jobID, buf.responses)
	}
	if n := len(all); n > 0 {
		a.logger.Info("force flushed buffered responses", "jobs", n)
	}
}

// commit applies one batch to the store. Failures are logged, not
// propagated: the responses were accepted from the workers and the store
// owns deciding what still applies.
func (a *Aggregator) commit(jobID string, responses []*structs.Response) {
	defer metrics.MeasureSince([]string{"relay", "aggregator", "flush"}, time.Now())

	job, applied, err := a.srv.state.ApplyResponses(jobID, responses, a.srv.config.ScoreWeights, time.Now())
	if err != nil {
		a.logger.Error("response flush failed", "job_id", jobID,
			"responses", len(responses), "error", err)
		return
	}
	metrics.IncrCounter([]string{"relay", "aggregator", "responses"}, float32(applied))
	a.logger.Debug("flushed responses", "job_id", jobID,
		"applied", applied, "buffered", len(responses), "status", job.Status)
}

// BufferedResponses returns how many responses are waiting for the job.
func (a *Aggregator) BufferedResponses(jobID string) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	if buf := a.buffers[jobID]; buf != nil {
		return len(buf.responses)
	}
	return 0
}
