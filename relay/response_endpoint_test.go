// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/relay/ci"
	"github.com/hashicorp/relay/relay/mock"
	"github.com/hashicorp/relay/relay/structs"
)

func TestResponseEndpoint_Submit(t *testing.T) {
	ci.Parallel(t)

	t.Run("feeds the aggregator", func(t *testing.T) {
		srv := testServer(t, nil)
		job := setupAssignedJob(t, srv, 3, 3)

		resp := mock.Response(0)
		resp.WorkerID = 0 // endpoint stamps the worker id from the request

		var reply structs.ResponseSubmitResponse
		must.NoError(t, srv.Responses().Submit(&structs.ResponseSubmitRequest{
			JobID:    job.ID,
			WorkerID: 1,
			Response: resp,
		}, &reply))

		must.Eq(t, 1, srv.aggregator.BufferedResponses(job.ID))
	})

	t.Run("missing payload refused", func(t *testing.T) {
		srv := testServer(t, nil)

		var reply structs.ResponseSubmitResponse
		must.Error(t, srv.Responses().Submit(&structs.ResponseSubmitRequest{
			JobID:    "some-job",
			WorkerID: 1,
		}, &reply))
	})

	t.Run("unassigned worker surfaces the error", func(t *testing.T) {
		srv := testServer(t, nil)
		job := setupAssignedJob(t, srv, 3, 3)

		var reply structs.ResponseSubmitResponse
		err := srv.Responses().Submit(&structs.ResponseSubmitRequest{
			JobID:    job.ID,
			WorkerID: 99,
			Response: mock.Response(99),
		}, &reply)
		must.ErrorIs(t, err, structs.ErrWorkerNotAssigned)
	})
}
