// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

// DefaultWorkerCapacity is assumed for a worker that is first observed
// through load arithmetic rather than a validator report.
const DefaultWorkerCapacity = 5

// Worker is one roster entry. Identity is the pair (ID, IdentityKey): the
// numeric ID is network-assigned and may be reused, the identity key is the
// worker's persistent cryptographic identity. Rows are written only by
// validator report merges and by the load-counter arithmetic of the
// scheduler, aggregator and reapers.
type Worker struct {
	ID          uint64
	IdentityKey string

	Serving          bool
	Stake            float64
	PerformanceScore float64 // [0,1]

	// Specialization is the set of job kinds the worker accepts. Empty
	// means all kinds.
	Specialization []string

	MaxCapacity int
	Load        int

	LastSeen time.Time

	// Reporters is the set of validators whose observations have been
	// merged into this row. Its size weights the continuous-field merge.
	Reporters []string

	CreateIndex uint64
	ModifyIndex uint64
}

// WorkerSnapshot is a single validator's observation of a worker, carried
// in a report.
type WorkerSnapshot struct {
	ID               uint64
	IdentityKey      string
	Serving          bool
	Stake            float64
	PerformanceScore float64
	Specialization   []string
	MaxCapacity      int
	Load             int
}

// Copy returns a deep copy of the worker.
func (w *Worker) Copy() *Worker {
	if w == nil {
		return nil
	}
	nw := new(Worker)
	*nw = *w
	nw.Specialization = append([]string(nil), w.Specialization...)
	nw.Reporters = append([]string(nil), w.Reporters...)
	return nw
}

// NewWorkerFromSnapshot builds a fresh roster row from a first observation.
func NewWorkerFromSnapshot(snap *WorkerSnapshot, validatorID string, now time.Time) *Worker {
	w := &Worker{
		ID:               snap.ID,
		IdentityKey:      snap.IdentityKey,
		Serving:          snap.Serving,
		Stake:            snap.Stake,
		PerformanceScore: snap.PerformanceScore,
		Specialization:   append([]string(nil), snap.Specialization...),
		MaxCapacity:      snap.MaxCapacity,
		Load:             snap.Load,
		LastSeen:         now,
		Reporters:        []string{validatorID},
	}
	if w.MaxCapacity <= 0 {
		w.MaxCapacity = DefaultWorkerCapacity
	}
	return w
}

// IdentityMatches reports whether the snapshot describes the same worker
// entity as this row. A differing identity key for the same numeric ID
// means the ID was reused by a new worker; the existing row's history must
// not be applied to it.
func (w *Worker) IdentityMatches(snap *WorkerSnapshot) bool {
	return w.IdentityKey == snap.IdentityKey
}

// Merge folds a validator's observation into the row in place. Boolean
// fields are OR-wins, numeric fields where higher is safer use max, and
// continuous quality fields use a mean weighted by the number of reporting
// validators. Callers must have already checked IdentityMatches.
func (w *Worker) Merge(snap *WorkerSnapshot, validatorID string, now time.Time) {
	w.Serving = w.Serving || snap.Serving
	if snap.Stake > w.Stake {
		w.Stake = snap.Stake
	}
	if snap.MaxCapacity > w.MaxCapacity {
		w.MaxCapacity = snap.MaxCapacity
	}

	// Weighted mean: the existing value is backed by len(Reporters)
	// observations, the incoming one by a single validator. An empty
	// reporter set degenerates to a simple mean.
	n := float64(len(w.Reporters))
	if n == 0 {
		n = 1
	}
	w.PerformanceScore = (w.PerformanceScore*n + snap.PerformanceScore) / (n + 1)
	w.Load = int((float64(w.Load)*n + float64(snap.Load)) / (n + 1))

	w.Specialization = mergeSpecialization(w.Specialization, snap.Specialization)

	if !set.From(w.Reporters).Contains(validatorID) {
		w.Reporters = append(w.Reporters, validatorID)
	}
	w.LastSeen = now
}

// mergeSpecialization prefers the more specific capability set. An empty
// set claims all kinds and always loses to a named set; when one named set
// contains the other the superset wins; sets of equal specificity keep the
// existing value.
func mergeSpecialization(existing, incoming []string) []string {
	switch {
	case len(incoming) == 0:
		return existing
	case len(existing) == 0:
		return append([]string(nil), incoming...)
	}

	ex, in := set.From(existing), set.From(incoming)
	if ex.Subset(in) { // incoming is contained in existing
		return existing
	}
	if in.Subset(ex) { // existing is contained in incoming, superset wins
		return append([]string(nil), incoming...)
	}
	return existing
}

// Accepts returns whether the worker will take jobs of the given kind.
func (w *Worker) Accepts(kind string) bool {
	if len(w.Specialization) == 0 {
		return true
	}
	for _, k := range w.Specialization {
		if k == kind {
			return true
		}
	}
	return false
}

// Active returns whether the worker has been seen within the timeout. A
// last-seen exactly at the boundary counts as inactive.
func (w *Worker) Active(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastSeen) < timeout
}

// AvailabilityWeights weigh the components of the scheduler's worker
// ranking.
type AvailabilityWeights struct {
	Performance float64
	Capacity    float64
	Stake       float64
	Freshness   float64
}

// DefaultAvailabilityWeights mirror the dispatch ranking the validators
// expect.
var DefaultAvailabilityWeights = AvailabilityWeights{
	Performance: 0.4,
	Capacity:    0.3,
	Stake:       0.2,
	Freshness:   0.1,
}

// stakeSaturation is the stake at which the stake component of the
// availability score maxes out.
const stakeSaturation = 1000.0

// AvailabilityScore ranks a worker for assignment. effectiveLoad is the
// drift-resistant load (max of counter and live assignment count) computed
// by the store.
func (w *Worker) AvailabilityScore(effectiveLoad int, now time.Time, timeout time.Duration, aw AvailabilityWeights) float64 {
	capacity := 0.0
	if w.MaxCapacity > 0 {
		capacity = 1 - float64(effectiveLoad)/float64(w.MaxCapacity)
		if capacity < 0 {
			capacity = 0
		}
	}

	stake := w.Stake / stakeSaturation
	if stake > 1 {
		stake = 1
	}

	freshness := 1 - now.Sub(w.LastSeen).Seconds()/timeout.Seconds()
	if freshness < 0 {
		freshness = 0
	}

	return aw.Performance*w.PerformanceScore +
		aw.Capacity*capacity +
		aw.Stake*stake +
		aw.Freshness*freshness
}

// LeaderboardRow is one entry of the observer egress leaderboard.
type LeaderboardRow struct {
	WorkerID           uint64
	IdentityKey        string
	PerformanceScore   float64
	Stake              float64
	CompletedResponses int
	AvailabilityScore  float64
}
