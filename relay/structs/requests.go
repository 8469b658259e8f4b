// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// Args/reply payloads for the ingress and egress boundaries. Transport is
// an external collaborator; these are plain structs so any transport can
// carry them.

// JobSubmitRequest is the client ingress for new work. The replication
// window fields are pointers so an explicit zero can be refused while an
// omitted value picks up the configured default.
type JobSubmitRequest struct {
	Kind       string
	Priority   string
	MinWorkers *int
	MaxWorkers *int

	InputBlobID string
	InputTextID string

	Metadata map[string]string
}

type JobSubmitResponse struct {
	JobID string
}

// JobCancelRequest transitions a non-terminal job to cancelled.
type JobCancelRequest struct {
	JobID string
}

type JobCancelResponse struct{}

type JobGetRequest struct {
	JobID string
}

type JobGetResponse struct {
	Job *Job
}

// JobListRequest lists jobs by state for observability, newest first.
type JobListRequest struct {
	Status string
	Limit  int
}

type JobListResponse struct {
	Jobs []*JobStub
}

// JobMarkDoneRequest is the validator ingress advancing a completed job.
// The evaluation blob is persisted verbatim.
type JobMarkDoneRequest struct {
	JobID       string
	ValidatorID string
	Evaluation  string

	// Approve moves the job directly to approved instead of done.
	Approve bool
}

type JobMarkDoneResponse struct{}

// JobReadyForEvaluationRequest returns completed jobs the calling
// validator has not yet evaluated.
type JobReadyForEvaluationRequest struct {
	ValidatorID string
	Limit       int
}

type JobReadyForEvaluationResponse struct {
	Jobs []*Job
}

// JobResponsesRequest returns the best response and summary statistics for
// a job. Raw competing responses are included only for authorized callers.
type JobResponsesRequest struct {
	JobID      string
	Authorized bool
}

type JobResponsesResponse struct {
	JobID         string
	Status        string
	Best          *Response
	ResponseCount int
	WorkerCount   int

	// All is populated only when the request was authorized.
	All []*Response
}

// WorkerReportRequest is the validator ingress carrying observed worker
// snapshots for one epoch.
type WorkerReportRequest struct {
	ValidatorID string
	Epoch       uint64
	Workers     []*WorkerSnapshot
}

type WorkerReportResponse struct {
	Merged int
}

// WorkerListJobsRequest is the worker egress: jobs assigned to the worker
// in the requested active states. Terminal states are filtered out even
// when requested.
type WorkerListJobsRequest struct {
	WorkerID uint64
	Statuses []string
}

type WorkerListJobsResponse struct {
	Jobs []*Job
}

type LeaderboardRequest struct{}

type LeaderboardResponse struct {
	Rows []*LeaderboardRow
}

type StatisticsRequest struct{}

// StatisticsResponse carries counts by state plus the total. States
// missing from the store roll up as zero.
type StatisticsResponse struct {
	Counts map[string]int
	Total  int
}

// ResponseSubmitRequest is the worker ingress feeding the aggregator.
type ResponseSubmitRequest struct {
	JobID    string
	WorkerID uint64
	Response *Response
}

type ResponseSubmitResponse struct{}

// BlobRegisterRequest records object-storage metadata for a payload the
// ingress layer has already uploaded.
type BlobRegisterRequest struct {
	Blob *BlobMetadata
}

type BlobRegisterResponse struct {
	BlobID string
}
