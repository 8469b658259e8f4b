// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "errors"

var (
	// ErrJobNotFound is returned when a job lookup by ID finds nothing.
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkerNotFound is returned when a worker lookup by ID finds
	// nothing.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrBlobNotFound is returned when a blob descriptor lookup by ID
	// finds nothing.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrMissingBlobID is returned when a blob registration carries no ID.
	ErrMissingBlobID = errors.New("missing blob ID")

	// ErrUnknownJobKind is returned when a submission names a kind the
	// dispatch core does not recognize.
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrInvalidReplication is returned when a submission carries a
	// replication window that violates min >= 1 or max >= min.
	ErrInvalidReplication = errors.New("invalid replication window")

	// ErrInvalidTransition is returned when a status update would move a
	// job against the state machine arrows.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobTerminal is returned when an operation targets a job that has
	// already reached a terminal state.
	ErrJobTerminal = errors.New("job is terminal")

	// ErrDuplicateResponse is returned when a worker submits a second
	// response for the same job. Callers treat it as a no-op.
	ErrDuplicateResponse = errors.New("duplicate response")

	// ErrWorkerNotAssigned is returned when a response arrives from a
	// worker that is not in the job's assignment list.
	ErrWorkerNotAssigned = errors.New("worker not assigned to job")

	// ErrQuotaExceeded is returned when an assignment would push a worker
	// past its declared capacity at commit time. The assignment is dropped
	// for that worker; the rest of the batch proceeds.
	ErrQuotaExceeded = errors.New("worker over capacity")
)

// IsDuplicate returns true when err means the operation was already
// applied. Duplicates are accepted silently per the error policy.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateResponse)
}
