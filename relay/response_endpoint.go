// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/relay/relay/structs"
)

// Response endpoint is the worker ingress feeding the aggregator.
type Response struct {
	srv    *Server
	logger hclog.Logger
}

// Submit accepts one worker response for a job. Duplicates are accepted
// and dropped silently; responses from workers not assigned to the job
// are refused.
func (r *Response) Submit(args *structs.ResponseSubmitRequest, reply *structs.ResponseSubmitResponse) error {
	defer metrics.MeasureSince([]string{"relay", "response", "submit"}, time.Now())

	if args.Response == nil {
		return fmt.Errorf("missing response payload")
	}
	resp := args.Response.Copy()
	resp.WorkerID = args.WorkerID
	if resp.SubmitTime.IsZero() {
		resp.SubmitTime = time.Now()
	}

	if err := r.srv.aggregator.Add(args.JobID, resp); err != nil {
		return err
	}
	r.logger.Debug("accepted response", "job_id", args.JobID, "worker_id", args.WorkerID)
	return nil
}
