// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/relay/relay/state"
	"github.com/hashicorp/relay/relay/structs"
)

// Job endpoint is used for client ingress and job lifecycle egress.
type Job struct {
	srv    *Server
	logger hclog.Logger
}

// Submit accepts new work. An omitted replication bound picks up the
// configured default; an explicit zero is refused by validation.
func (j *Job) Submit(args *structs.JobSubmitRequest, reply *structs.JobSubmitResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "submit"}, time.Now())

	job := &structs.Job{
		Kind:        args.Kind,
		Priority:    args.Priority,
		InputBlobID: args.InputBlobID,
		InputTextID: args.InputTextID,
	}
	if args.Metadata != nil {
		job.Metadata = make(map[string]string, len(args.Metadata))
		for k, v := range args.Metadata {
			job.Metadata[k] = v
		}
	}

	if args.MinWorkers != nil {
		job.MinWorkers = *args.MinWorkers
	} else {
		job.MinWorkers = j.srv.config.MinWorkersDefault
	}
	if args.MaxWorkers != nil {
		job.MaxWorkers = *args.MaxWorkers
	} else {
		job.MaxWorkers = j.srv.config.MaxWorkersDefault
	}
	if job.MinWorkers < 1 {
		return structs.ErrInvalidReplication
	}

	if job.InputBlobID != "" {
		if _, err := j.srv.blobs.Lookup(job.InputBlobID); err != nil {
			return err
		}
	}

	if err := j.srv.state.CreateJob(job, time.Now()); err != nil {
		return err
	}
	j.logger.Debug("accepted job", "job_id", job.ID, "kind", job.Kind,
		"min_workers", job.MinWorkers, "max_workers", job.MaxWorkers)
	reply.JobID = job.ID
	return nil
}

// Cancel withdraws a non-terminal job.
func (j *Job) Cancel(args *structs.JobCancelRequest, reply *structs.JobCancelResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "cancel"}, time.Now())

	_, err := j.srv.state.UpdateJobStatus(args.JobID, structs.JobStatusCancelled, time.Now(), nil)
	if err != nil {
		return err
	}
	j.logger.Debug("cancelled job", "job_id", args.JobID)
	return nil
}

// Get returns a single job by ID.
func (j *Job) Get(args *structs.JobGetRequest, reply *structs.JobGetResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "get"}, time.Now())

	job, err := j.srv.state.JobByID(nil, args.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrJobNotFound
	}
	reply.Job = job
	return nil
}

// List returns job summaries, newest first, optionally filtered by state.
func (j *Job) List(args *structs.JobListRequest, reply *structs.JobListResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "list"}, time.Now())

	var jobs []*structs.Job
	var err error
	if args.Status != "" {
		jobs, err = j.srv.state.JobsByStatus(nil, args.Status, state.SortReverse, args.Limit)
	} else {
		jobs, err = j.srv.state.Jobs(nil)
		if err == nil {
			sortNewestFirst(jobs)
			if args.Limit > 0 && len(jobs) > args.Limit {
				jobs = jobs[:args.Limit]
			}
		}
	}
	if err != nil {
		return err
	}

	reply.Jobs = make([]*structs.JobStub, 0, len(jobs))
	for _, job := range jobs {
		reply.Jobs = append(reply.Jobs, job.Stub())
	}
	return nil
}

// MarkDone advances a completed job on behalf of a validator, storing the
// evaluation verbatim.
func (j *Job) MarkDone(args *structs.JobMarkDoneRequest, reply *structs.JobMarkDoneResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "mark_done"}, time.Now())

	job, err := j.srv.state.MarkJobDone(args.JobID, args.ValidatorID,
		args.Evaluation, args.Approve, time.Now())
	if err != nil {
		return err
	}
	j.logger.Debug("job evaluated", "job_id", args.JobID,
		"validator_id", args.ValidatorID, "status", job.Status)
	return nil
}

// ReadyForEvaluation returns completed jobs the calling validator has not
// evaluated yet, oldest first.
func (j *Job) ReadyForEvaluation(args *structs.JobReadyForEvaluationRequest, reply *structs.JobReadyForEvaluationResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "ready_for_evaluation"}, time.Now())

	jobs, err := j.srv.state.JobsReadyForEvaluation(nil, args.ValidatorID, args.Limit)
	if err != nil {
		return err
	}
	reply.Jobs = jobs
	return nil
}

// Responses returns the best response and summary counts for a job. The
// full competing set is included only for authorized callers.
func (j *Job) Responses(args *structs.JobResponsesRequest, reply *structs.JobResponsesResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "responses"}, time.Now())

	job, err := j.srv.state.JobByID(nil, args.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return structs.ErrJobNotFound
	}

	reply.JobID = job.ID
	reply.Status = job.Status
	reply.Best = job.BestResponse()
	reply.ResponseCount = len(job.Responses)
	reply.WorkerCount = len(job.AssignedWorkers)
	if args.Authorized {
		reply.All = job.Responses
	}
	return nil
}

func sortNewestFirst(jobs []*structs.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreateTime.After(jobs[k].CreateTime)
	})
}
