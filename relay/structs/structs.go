// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the domain types shared by the relay dispatch
// core: jobs and their state machine, worker roster entries, responses and
// the request/reply payloads used at the ingress and egress boundaries.
package structs

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-set/v3"
)

const (
	// JobKindTranscription transcribes an audio blob to text.
	JobKindTranscription = "transcription"

	// JobKindTTS synthesizes speech from text.
	JobKindTTS = "tts"

	// JobKindSummarization produces a summary of a text payload.
	JobKindSummarization = "summarization"

	// JobKindTextTranslation translates a text payload.
	JobKindTextTranslation = "text_translation"

	// JobKindDocumentTranslation translates a document blob.
	JobKindDocumentTranslation = "document_translation"

	// JobKindVideoTranscription transcribes the audio track of a video
	// blob.
	JobKindVideoTranscription = "video_transcription"
)

// JobKinds enumerates every kind the core accepts at submission.
var JobKinds = []string{
	JobKindTranscription,
	JobKindTTS,
	JobKindSummarization,
	JobKindTextTranslation,
	JobKindDocumentTranslation,
	JobKindVideoTranscription,
}

// ValidJobKind returns whether kind is one of JobKinds.
func ValidJobKind(kind string) bool {
	for _, k := range JobKinds {
		if k == kind {
			return true
		}
	}
	return false
}

const (
	JobPriorityLow    = "low"
	JobPriorityNormal = "normal"
	JobPriorityHigh   = "high"
	JobPriorityUrgent = "urgent"
)

const (
	// JobStatusPending is the initial state; the job has no workers yet.
	JobStatusPending = "pending"

	// JobStatusAssigned means at least MinWorkers workers hold the job.
	JobStatusAssigned = "assigned"

	// JobStatusInProgress is an optional intermediate state a worker may
	// report while executing.
	JobStatusInProgress = "in_progress"

	// JobStatusCompleted means the replication requirement was met or the
	// stale-job reaper force-completed a partial result. Terminal from the
	// core's authority; validators may still advance it.
	JobStatusCompleted = "completed"

	// JobStatusDone means a validator has evaluated the completed job.
	JobStatusDone = "done"

	// JobStatusApproved means the evaluation was accepted for reward
	// accounting.
	JobStatusApproved = "approved"

	// JobStatusFailed means the job aged out without ever being assigned.
	JobStatusFailed = "failed"

	// JobStatusCancelled means the submitter withdrew the job.
	JobStatusCancelled = "cancelled"
)

// JobStatuses enumerates every job state, in lifecycle order. The
// statistics reporter iterates this list so that states with a zero count
// still appear in the output.
var JobStatuses = []string{
	JobStatusPending,
	JobStatusAssigned,
	JobStatusInProgress,
	JobStatusCompleted,
	JobStatusDone,
	JobStatusApproved,
	JobStatusFailed,
	JobStatusCancelled,
}

// jobTransitions is the set of legal state machine moves. Anything not
// listed is refused by the store.
var jobTransitions = map[string][]string{
	JobStatusPending:    {JobStatusAssigned, JobStatusFailed, JobStatusCancelled},
	JobStatusAssigned:   {JobStatusInProgress, JobStatusCompleted, JobStatusCancelled},
	JobStatusInProgress: {JobStatusCompleted, JobStatusCancelled},
	JobStatusCompleted:  {JobStatusDone, JobStatusApproved},
	JobStatusDone:       {JobStatusApproved},
}

// ValidJobTransition returns whether moving a job from one status to
// another follows the state machine.
func ValidJobTransition(from, to string) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	AssignmentStatusPending   = "pending"
	AssignmentStatusCompleted = "completed"
	AssignmentStatusFailed    = "failed"
	AssignmentStatusTimeout   = "timeout"
)

// Metadata keys recorded by the reaper and aggregator when they annotate a
// job with the reason it reached a terminal state.
const (
	MetaCompletionReason      = "completion_reason"
	MetaFailureReason         = "failure_reason"
	MetaFailureTimestamp      = "failure_timestamp"
	MetaActualResponseCount   = "actual_response_count"
	MetaExpectedResponseCount = "expected_response_count"
)

// Job is the primary entity of the dispatch core. A job is replicated to
// between MinWorkers and MaxWorkers distinct workers; their responses are
// aggregated and the best one surfaced to the submitter.
type Job struct {
	ID       string
	Kind     string
	Priority string
	Status   string

	// Replication window. MinWorkers >= 1 and
	// MinWorkers <= DesiredWorkers <= MaxWorkers always hold after
	// Canonicalize.
	MinWorkers     int
	MaxWorkers     int
	DesiredWorkers int

	// AssignedWorkers is the ordered set of workers holding the job.
	// Never contains duplicates; never longer than MaxWorkers.
	AssignedWorkers []uint64

	// Assignments carries one child record per assigned worker.
	Assignments []*Assignment

	// Responses holds at most one entry per assigned worker.
	Responses []*Response

	// BestResponseID points into Responses once replication is complete.
	BestResponseID string

	// Input references. At most one of the two is set; kinds whose
	// payload is embedded in Metadata set neither.
	InputBlobID string
	InputTextID string

	// Metadata is opaque submitter data plus reaper/aggregator
	// annotations.
	Metadata map[string]string

	// Evaluation is the validator's scoring blob, persisted verbatim by
	// MarkDone. The core never interprets it.
	Evaluation string

	// EvaluatedBy records which validators have evaluated the job, so the
	// ready-for-evaluation egress can exclude them.
	EvaluatedBy []string

	// LoadDecremented guards the one-shot load release for assigned
	// workers when the job terminalizes. It survives restarts via the
	// snapshot so a crash between commit and restart cannot double
	// decrement.
	LoadDecremented bool

	CreateTime       time.Time
	ModifyTime       time.Time
	DistributedTime  time.Time
	AllResponsesTime time.Time
	CompleteTime     time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

// Canonicalize fills submission defaults in place.
func (j *Job) Canonicalize() {
	if j.Priority == "" {
		j.Priority = JobPriorityNormal
	}
	if j.MinWorkers == 0 {
		j.MinWorkers = 1
	}
	if j.MaxWorkers == 0 {
		j.MaxWorkers = 3
	}
	if j.DesiredWorkers == 0 {
		j.DesiredWorkers = j.MaxWorkers
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
}

// Validate checks a job at submission time. Replication bounds are checked
// before kind so that a malformed window is reported even for unknown
// kinds.
func (j *Job) Validate() error {
	if j.MinWorkers < 1 {
		return fmt.Errorf("%w: min_workers must be >= 1, got %d", ErrInvalidReplication, j.MinWorkers)
	}
	if j.MaxWorkers < j.MinWorkers {
		return fmt.Errorf("%w: max_workers %d < min_workers %d", ErrInvalidReplication, j.MaxWorkers, j.MinWorkers)
	}
	if j.DesiredWorkers < j.MinWorkers || j.DesiredWorkers > j.MaxWorkers {
		return fmt.Errorf("%w: desired_workers %d outside [%d,%d]", ErrInvalidReplication, j.DesiredWorkers, j.MinWorkers, j.MaxWorkers)
	}
	if !ValidJobKind(j.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, j.Kind)
	}
	if j.InputBlobID != "" && j.InputTextID != "" {
		return fmt.Errorf("job accepts at most one of input_blob_id and input_text_id")
	}
	return nil
}

// TerminalStatus returns true for states the core performs no further
// transitions from. Completed is terminal from the core's authority even
// though validators may advance it to done/approved.
func (j *Job) TerminalStatus() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusDone, JobStatusApproved,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ActiveStatus returns true for states that count toward a worker's live
// load.
func (j *Job) ActiveStatus() bool {
	switch j.Status {
	case JobStatusPending, JobStatusAssigned, JobStatusInProgress:
		return true
	default:
		return false
	}
}

// HasWorker returns whether the worker is in the assignment list.
func (j *Job) HasWorker(workerID uint64) bool {
	for _, w := range j.AssignedWorkers {
		if w == workerID {
			return true
		}
	}
	return false
}

// WorkerSet returns the assigned workers as a set for membership math.
func (j *Job) WorkerSet() *set.Set[uint64] {
	return set.From(j.AssignedWorkers)
}

// WorkerResponse returns the response recorded for the worker, or nil.
func (j *Job) WorkerResponse(workerID uint64) *Response {
	for _, r := range j.Responses {
		if r.WorkerID == workerID {
			return r
		}
	}
	return nil
}

// WorkerAssignment returns the assignment child record for the worker, or
// nil.
func (j *Job) WorkerAssignment(workerID uint64) *Assignment {
	for _, a := range j.Assignments {
		if a.WorkerID == workerID {
			return a
		}
	}
	return nil
}

// NeededWorkers returns how many additional assignments the scheduler
// should attempt for the job this pass.
func (j *Job) NeededWorkers() int {
	current := len(j.AssignedWorkers)
	if current >= j.MaxWorkers {
		return 0
	}
	needed := j.MaxWorkers - current
	if current < j.MinWorkers && needed < j.MinWorkers-current {
		needed = j.MinWorkers - current
	}
	return needed
}

// BestResponse resolves BestResponseID against the response list.
func (j *Job) BestResponse() *Response {
	if j.BestResponseID == "" {
		return nil
	}
	for _, r := range j.Responses {
		if r.ID == j.BestResponseID {
			return r
		}
	}
	return nil
}

// Copy returns a deep copy of the job. Store readers receive shared
// pointers, so any mutation must happen on a copy.
func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := new(Job)
	*nj = *j

	nj.AssignedWorkers = append([]uint64(nil), j.AssignedWorkers...)
	nj.EvaluatedBy = append([]string(nil), j.EvaluatedBy...)

	if j.Assignments != nil {
		nj.Assignments = make([]*Assignment, len(j.Assignments))
		for i, a := range j.Assignments {
			na := new(Assignment)
			*na = *a
			nj.Assignments[i] = na
		}
	}
	if j.Responses != nil {
		nj.Responses = make([]*Response, len(j.Responses))
		for i, r := range j.Responses {
			nj.Responses[i] = r.Copy()
		}
	}
	if j.Metadata != nil {
		nj.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			nj.Metadata[k] = v
		}
	}
	return nj
}

// Stub trims a job down to the fields list egress needs.
func (j *Job) Stub() *JobStub {
	return &JobStub{
		ID:              j.ID,
		Kind:            j.Kind,
		Priority:        j.Priority,
		Status:          j.Status,
		MinWorkers:      j.MinWorkers,
		MaxWorkers:      j.MaxWorkers,
		AssignedWorkers: len(j.AssignedWorkers),
		Responses:       len(j.Responses),
		CreateTime:      j.CreateTime,
		ModifyTime:      j.ModifyTime,
	}
}

// JobStub is a summary row for list egress.
type JobStub struct {
	ID              string
	Kind            string
	Priority        string
	Status          string
	MinWorkers      int
	MaxWorkers      int
	AssignedWorkers int
	Responses       int
	CreateTime      time.Time
	ModifyTime      time.Time
}

// Assignment is the denormalised child record for one worker holding one
// job. Created by the scheduler; terminal when the response arrives or the
// reaper marks it timed out.
type Assignment struct {
	ID           string
	JobID        string
	WorkerID     uint64
	Status       string
	AssignTime   time.Time
	CompleteTime time.Time
}

// Response is one worker's answer for one job.
type Response struct {
	ID       string
	WorkerID uint64

	SubmitTime     time.Time
	ProcessingTime float64 // seconds

	// AccuracyScore is nil when the worker did not self-report accuracy.
	AccuracyScore *float64 // [0,1]
	SpeedScore    float64  // [0,1]

	// Output is the kind-specific structured result. Large payloads live
	// in object storage and are referenced by OutputBlobID instead.
	Output       map[string]string
	OutputBlobID string

	// Error is set when the worker reports a failed attempt.
	Error string
}

// Copy returns a deep copy of the response.
func (r *Response) Copy() *Response {
	if r == nil {
		return nil
	}
	nr := new(Response)
	*nr = *r
	if r.AccuracyScore != nil {
		v := *r.AccuracyScore
		nr.AccuracyScore = &v
	}
	if r.Output != nil {
		nr.Output = make(map[string]string, len(r.Output))
		for k, v := range r.Output {
			nr.Output[k] = v
		}
	}
	return nr
}

// ScoreWeights weighs a response's accuracy against its speed when picking
// the best response for a job.
type ScoreWeights struct {
	Accuracy float64
	Speed    float64
}

// DefaultScoreWeights mirror the validator-side reward weighting.
var DefaultScoreWeights = ScoreWeights{Accuracy: 0.7, Speed: 0.3}

// Score collapses a response into a single comparable scalar. Responses
// without a self-reported accuracy contribute only their speed component.
func (r *Response) Score(w ScoreWeights) float64 {
	s := w.Speed * r.SpeedScore
	if r.AccuracyScore != nil {
		s += w.Accuracy * *r.AccuracyScore
	}
	return s
}

// SelectBestResponse ranks responses by Score descending, breaking ties by
// lower processing time. When no response carries an accuracy score the
// ranking degenerates to lowest processing time. Scoring is commutative
// with respect to input order. Returns nil for an empty list.
func SelectBestResponse(responses []*Response, w ScoreWeights) *Response {
	if len(responses) == 0 {
		return nil
	}

	anyAccuracy := false
	for _, r := range responses {
		if r.AccuracyScore != nil {
			anyAccuracy = true
			break
		}
	}

	ranked := append([]*Response(nil), responses...)
	sort.SliceStable(ranked, func(i, k int) bool {
		a, b := ranked[i], ranked[k]
		if !anyAccuracy {
			return a.ProcessingTime < b.ProcessingTime
		}
		sa, sb := a.Score(w), b.Score(w)
		if sa != sb {
			return sa > sb
		}
		return a.ProcessingTime < b.ProcessingTime
	})
	return ranked[0]
}
