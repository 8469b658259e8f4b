// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/relay/ci"
	"github.com/hashicorp/relay/relay/mock"
	"github.com/hashicorp/relay/relay/structs"
)

func TestScheduler_Pass(t *testing.T) {
	ci.Parallel(t)
	now := time.Now()

	t.Run("replicates a pending job", func(t *testing.T) {
		srv := testServer(t, nil)
		seedWorkers(t, srv, 1, 5)

		job := mock.Job()
		job.MinWorkers, job.MaxWorkers, job.DesiredWorkers = 1, 3, 3
		must.NoError(t, srv.state.CreateJob(job, now))

		must.NoError(t, srv.scheduler.Pass(context.Background()))

		out, _ := srv.state.JobByID(nil, job.ID)
		must.Eq(t, structs.JobStatusAssigned, out.Status)
		must.Len(t, 3, out.AssignedWorkers)
		must.False(t, out.DistributedTime.IsZero())
	})

	t.Run("no eligible workers leaves the job pending", func(t *testing.T) {
		srv := testServer(t, nil)

		job := mock.Job()
		must.NoError(t, srv.state.CreateJob(job, now))

		must.NoError(t, srv.scheduler.Pass(context.Background()))

		out, _ := srv.state.JobByID(nil, job.ID)
		must.Eq(t, structs.JobStatusPending, out.Status)
		must.Len(t, 0, out.AssignedWorkers)
	})

	t.Run("tops up an under-replicated assigned job", func(t *testing.T) {
		srv := testServer(t, nil)
		seedWorkers(t, srv, 1, 2)

		job := mock.Job()
		job.MinWorkers, job.MaxWorkers, job.DesiredWorkers = 1, 3, 3
		must.NoError(t, srv.state.CreateJob(job, now))
		_, err := srv.state.AssignWorkers(job.ID, []uint64{1}, now)
		must.NoError(t, err)

		// A new worker comes online before the next pass.
		seedWorkers(t, srv, 3, 1)
		must.NoError(t, srv.scheduler.Pass(context.Background()))

		out, _ := srv.state.JobByID(nil, job.ID)
		must.Len(t, 3, out.AssignedWorkers)
	})

	t.Run("tops up past the desired count to the max", func(t *testing.T) {
		srv := testServer(t, nil)
		seedWorkers(t, srv, 1, 3)

		job := mock.Job()
		job.MinWorkers, job.MaxWorkers, job.DesiredWorkers = 1, 3, 2
		must.NoError(t, srv.state.CreateJob(job, now))
		_, err := srv.state.AssignWorkers(job.ID, []uint64{1, 2}, now)
		must.NoError(t, err)

		must.NoError(t, srv.scheduler.Pass(context.Background()))

		out, _ := srv.state.JobByID(nil, job.ID)
		must.Len(t, 3, out.AssignedWorkers)
	})

	t.Run("capacity race resolves to one winner", func(t *testing.T) {
		srv := testServer(t, nil)

		only := mock.Worker()
		only.ID = 1
		only.MaxCapacity = 1
		must.NoError(t, srv.state.UpsertWorker(only))

		jobA, jobB := mock.Job(), mock.Job()
		must.NoError(t, srv.state.CreateJob(jobA, now))
		must.NoError(t, srv.state.CreateJob(jobB, now.Add(time.Millisecond)))

		must.NoError(t, srv.scheduler.Pass(context.Background()))

		outA, _ := srv.state.JobByID(nil, jobA.ID)
		outB, _ := srv.state.JobByID(nil, jobB.ID)

		assigned := 0
		for _, out := range []*structs.Job{outA, outB} {
			if out.Status == structs.JobStatusAssigned {
				assigned++
				must.Eq(t, []uint64{1}, out.AssignedWorkers)
			} else {
				must.Eq(t, structs.JobStatusPending, out.Status)
				must.Len(t, 0, out.AssignedWorkers)
			}
		}
		must.Eq(t, 1, assigned)

		load, err := srv.state.WorkerLoad(1)
		must.NoError(t, err)
		must.Eq(t, 1, load)
	})

	t.Run("batch size bounds the pass", func(t *testing.T) {
		srv := testServer(t, func(c *Config) {
			c.SchedulerBatchSize = 2
		})
		seedWorkers(t, srv, 1, 5)

		var ids []string
		for i := 0; i < 4; i++ {
			job := mock.Job()
			job.MaxWorkers, job.DesiredWorkers = 1, 1
			must.NoError(t, srv.state.CreateJob(job, now.Add(time.Duration(i)*time.Second)))
			ids = append(ids, job.ID)
		}

		must.NoError(t, srv.scheduler.Pass(context.Background()))

		// Oldest two got picked up; the rest wait for the next pass.
		for i, id := range ids {
			out, _ := srv.state.JobByID(nil, id)
			if i < 2 {
				must.Eq(t, structs.JobStatusAssigned, out.Status)
			} else {
				must.Eq(t, structs.JobStatusPending, out.Status)
			}
		}
	})

	t.Run("specialization is honored", func(t *testing.T) {
		srv := testServer(t, nil)

		tts := mock.Worker()
		tts.ID = 1
		tts.Specialization = []string{structs.JobKindTTS}
		must.NoError(t, srv.state.UpsertWorker(tts))

		job := mock.Job()
		job.Kind = structs.JobKindTranscription
		must.NoError(t, srv.state.CreateJob(job, now))

		must.NoError(t, srv.scheduler.Pass(context.Background()))

		out, _ := srv.state.JobByID(nil, job.ID)
		must.Eq(t, structs.JobStatusPending, out.Status)
	})
}
