// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/relay/ci"
	"github.com/hashicorp/relay/helper/pointer"
)

func TestValidJobTransition(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		from, to string
		ok       bool
	}{
		{JobStatusPending, JobStatusAssigned, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusAssigned, JobStatusInProgress, true},
		{JobStatusAssigned, JobStatusCompleted, true},
		{JobStatusAssigned, JobStatusCancelled, true},
		{JobStatusAssigned, JobStatusPending, false},
		{JobStatusInProgress, JobStatusCompleted, true},
		{JobStatusInProgress, JobStatusCancelled, true},
		{JobStatusCompleted, JobStatusDone, true},
		{JobStatusCompleted, JobStatusApproved, true},
		{JobStatusCompleted, JobStatusCancelled, false},
		{JobStatusDone, JobStatusApproved, true},
		{JobStatusApproved, JobStatusDone, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusCancelled, JobStatusAssigned, false},
	}
	for _, tc := range cases {
		must.Eq(t, tc.ok, ValidJobTransition(tc.from, tc.to),
			must.Sprintf("%s -> %s", tc.from, tc.to))
	}
}

func TestJob_Canonicalize(t *testing.T) {
	ci.Parallel(t)

	job := &Job{Kind: JobKindTTS}
	job.Canonicalize()

	must.Eq(t, JobPriorityNormal, job.Priority)
	must.Eq(t, 1, job.MinWorkers)
	must.Eq(t, 3, job.MaxWorkers)
	must.Eq(t, 3, job.DesiredWorkers)
	must.Eq(t, JobStatusPending, job.Status)
	must.NotNil(t, job.Metadata)
}

func TestJob_Validate(t *testing.T) {
	ci.Parallel(t)

	t.Run("ok", func(t *testing.T) {
		job := &Job{Kind: JobKindSummarization}
		job.Canonicalize()
		must.NoError(t, job.Validate())
	})

	t.Run("zero min workers", func(t *testing.T) {
		job := &Job{Kind: JobKindSummarization, MinWorkers: 0, MaxWorkers: 3, DesiredWorkers: 3}
		must.ErrorIs(t, job.Validate(), ErrInvalidReplication)
	})

	t.Run("max below min", func(t *testing.T) {
		job := &Job{Kind: JobKindSummarization, MinWorkers: 3, MaxWorkers: 2, DesiredWorkers: 3}
		must.ErrorIs(t, job.Validate(), ErrInvalidReplication)
	})

	t.Run("window checked before kind", func(t *testing.T) {
		job := &Job{Kind: "carrier-pigeon", MinWorkers: 0, MaxWorkers: 3, DesiredWorkers: 3}
		must.ErrorIs(t, job.Validate(), ErrInvalidReplication)
	})

	t.Run("unknown kind", func(t *testing.T) {
		job := &Job{Kind: "carrier-pigeon"}
		job.Canonicalize()
		must.ErrorIs(t, job.Validate(), ErrUnknownJobKind)
	})

	t.Run("both input refs", func(t *testing.T) {
		job := &Job{Kind: JobKindTranscription, InputBlobID: "b", InputTextID: "t"}
		job.Canonicalize()
		must.Error(t, job.Validate())
	})
}

func TestJob_NeededWorkers(t *testing.T) {
	ci.Parallel(t)

	job := &Job{MinWorkers: 2, MaxWorkers: 4}

	must.Eq(t, 4, job.NeededWorkers())

	job.AssignedWorkers = []uint64{1}
	must.Eq(t, 3, job.NeededWorkers())

	job.AssignedWorkers = []uint64{1, 2, 3, 4}
	must.Eq(t, 0, job.NeededWorkers())
}

func TestJob_Copy(t *testing.T) {
	ci.Parallel(t)

	job := &Job{
		ID:              "j1",
		Kind:            JobKindTranscription,
		AssignedWorkers: []uint64{1, 2},
		Assignments: []*Assignment{
			{ID: "a1", JobID: "j1", WorkerID: 1, Status: AssignmentStatusPending},
		},
		Responses: []*Response{
			{ID: "r1", WorkerID: 1, AccuracyScore: pointer.Of(0.5)},
		},
		Metadata: map[string]string{"k": "v"},
	}

	cp := job.Copy()
	cp.AssignedWorkers[0] = 99
	cp.Assignments[0].Status = AssignmentStatusCompleted
	*cp.Responses[0].AccuracyScore = 0.1
	cp.Metadata["k"] = "changed"

	must.Eq(t, uint64(1), job.AssignedWorkers[0])
	must.Eq(t, AssignmentStatusPending, job.Assignments[0].Status)
	must.Eq(t, 0.5, *job.Responses[0].AccuracyScore)
	must.Eq(t, "v", job.Metadata["k"])
}

func TestSelectBestResponse(t *testing.T) {
	ci.Parallel(t)

	t.Run("empty", func(t *testing.T) {
		must.Nil(t, SelectBestResponse(nil, DefaultScoreWeights))
	})

	t.Run("weighted score wins", func(t *testing.T) {
		a := &Response{ID: "a", AccuracyScore: pointer.Of(0.9), SpeedScore: 0.2, ProcessingTime: 5}
		b := &Response{ID: "b", AccuracyScore: pointer.Of(0.5), SpeedScore: 0.9, ProcessingTime: 1}

		best := SelectBestResponse([]*Response{a, b}, DefaultScoreWeights)
		must.Eq(t, "a", best.ID)
	})

	t.Run("tie broken by processing time", func(t *testing.T) {
		a := &Response{ID: "a", AccuracyScore: pointer.Of(0.8), SpeedScore: 0.5, ProcessingTime: 9}
		b := &Response{ID: "b", AccuracyScore: pointer.Of(0.8), SpeedScore: 0.5, ProcessingTime: 2}

		best := SelectBestResponse([]*Response{a, b}, DefaultScoreWeights)
		must.Eq(t, "b", best.ID)
	})

	t.Run("no accuracy falls back to fastest", func(t *testing.T) {
		a := &Response{ID: "a", SpeedScore: 0.9, ProcessingTime: 7}
		b := &Response{ID: "b", SpeedScore: 0.1, ProcessingTime: 3}

		best := SelectBestResponse([]*Response{a, b}, DefaultScoreWeights)
		must.Eq(t, "b", best.ID)
	})

	t.Run("order independent", func(t *testing.T) {
		a := &Response{ID: "a", AccuracyScore: pointer.Of(0.7), SpeedScore: 0.4, ProcessingTime: 4}
		b := &Response{ID: "b", AccuracyScore: pointer.Of(0.9), SpeedScore: 0.1, ProcessingTime: 8}
		c := &Response{ID: "c", SpeedScore: 0.8, ProcessingTime: 2}

		forward := SelectBestResponse([]*Response{a, b, c}, DefaultScoreWeights)
		reverse := SelectBestResponse([]*Response{c, b, a}, DefaultScoreWeights)
		must.Eq(t, forward.ID, reverse.ID)
	})
}
