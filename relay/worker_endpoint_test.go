// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/relay/ci"
	"github.com/hashicorp/relay/relay/mock"
	"github.com/hashicorp/relay/relay/structs"
)

func TestWorkerEndpoint_Report(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)

	snapA := mock.WorkerSnapshot()
	snapA.ID = 1
	snapB := mock.WorkerSnapshot()
	snapB.ID = 2

	var reply structs.WorkerReportResponse
	must.NoError(t, srv.Workers().Report(&structs.WorkerReportRequest{
		ValidatorID: "validator-1",
		Epoch:       42,
		Workers:     []*structs.WorkerSnapshot{snapA, snapB},
	}, &reply))
	must.Eq(t, 2, reply.Merged)

	out, _ := srv.state.WorkerByID(nil, 1)
	must.NotNil(t, out)
	must.Eq(t, []string{"validator-1"}, out.Reporters)
}

func TestWorkerEndpoint_ListJobs(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)
	now := time.Now()

	seedWorkers(t, srv, 1, 1)

	active := mock.Job()
	must.NoError(t, srv.state.CreateJob(active, now))
	_, err := srv.state.AssignWorkers(active.ID, []uint64{1}, now)
	must.NoError(t, err)

	settled := mock.Job()
	must.NoError(t, srv.state.CreateJob(settled, now))
	_, err = srv.state.AssignWorkers(settled.ID, []uint64{1}, now)
	must.NoError(t, err)
	_, _, err = srv.state.ApplyResponses(settled.ID,
		[]*structs.Response{mock.Response(1)}, structs.DefaultScoreWeights, now)
	must.NoError(t, err)

	t.Run("defaults to active states", func(t *testing.T) {
		var reply structs.WorkerListJobsResponse
		must.NoError(t, srv.Workers().ListJobs(&structs.WorkerListJobsRequest{WorkerID: 1}, &reply))
		must.Len(t, 1, reply.Jobs)
		must.Eq(t, active.ID, reply.Jobs[0].ID)
	})

	t.Run("terminal states filtered even when requested", func(t *testing.T) {
		var reply structs.WorkerListJobsResponse
		must.NoError(t, srv.Workers().ListJobs(&structs.WorkerListJobsRequest{
			WorkerID: 1,
			Statuses: []string{structs.JobStatusCompleted, structs.JobStatusCancelled},
		}, &reply))
		must.Len(t, 0, reply.Jobs)
	})

	t.Run("mixed request keeps only active", func(t *testing.T) {
		var reply structs.WorkerListJobsResponse
		must.NoError(t, srv.Workers().ListJobs(&structs.WorkerListJobsRequest{
			WorkerID: 1,
			Statuses: []string{structs.JobStatusAssigned, structs.JobStatusCompleted},
		}, &reply))
		must.Len(t, 1, reply.Jobs)
		must.Eq(t, active.ID, reply.Jobs[0].ID)
	})
}

func TestWorkerEndpoint_Leaderboard(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t, nil)
	now := time.Now()

	strong := mock.Worker()
	strong.ID = 1
	strong.PerformanceScore = 0.9
	must.NoError(t, srv.state.UpsertWorker(strong))

	weak := mock.Worker()
	weak.ID = 2
	weak.PerformanceScore = 0.3
	must.NoError(t, srv.state.UpsertWorker(weak))

	richTie := mock.Worker()
	richTie.ID = 3
	richTie.PerformanceScore = 0.9
	richTie.Stake = strong.Stake * 2
	must.NoError(t, srv.state.UpsertWorker(richTie))

	job := mock.Job()
	must.NoError(t, srv.state.CreateJob(job, now))
	_, err := srv.state.AssignWorkers(job.ID, []uint64{1}, now)
	must.NoError(t, err)
	must.NoError(t, srv.state.RecordResponse(job.ID, mock.Response(1), now))

	var reply structs.LeaderboardResponse
	must.NoError(t, srv.Workers().Leaderboard(&structs.LeaderboardRequest{}, &reply))
	must.Len(t, 3, reply.Rows)

	// Performance first, stake breaking the tie.
	must.Eq(t, uint64(3), reply.Rows[0].WorkerID)
	must.Eq(t, uint64(1), reply.Rows[1].WorkerID)
	must.Eq(t, uint64(2), reply.Rows[2].WorkerID)

	must.Eq(t, 1, reply.Rows[1].CompletedResponses)
	must.Eq(t, 0, reply.Rows[2].CompletedResponses)
}
