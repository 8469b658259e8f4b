// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/relay/ci"
)

func TestWorker_Merge(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()

	t.Run("serving is or-wins", func(t *testing.T) {
		w := &Worker{ID: 1, Serving: true, Reporters: []string{"v1"}}
		w.Merge(&WorkerSnapshot{ID: 1, Serving: false}, "v2", now)
		must.True(t, w.Serving)
	})

	t.Run("stake and capacity take the max", func(t *testing.T) {
		w := &Worker{ID: 1, Stake: 500, MaxCapacity: 8, Reporters: []string{"v1"}}
		w.Merge(&WorkerSnapshot{ID: 1, Stake: 200, MaxCapacity: 4}, "v2", now)
		must.Eq(t, 500.0, w.Stake)
		must.Eq(t, 8, w.MaxCapacity)

		w.Merge(&WorkerSnapshot{ID: 1, Stake: 900, MaxCapacity: 10}, "v3", now)
		must.Eq(t, 900.0, w.Stake)
		must.Eq(t, 10, w.MaxCapacity)
	})

	t.Run("performance is reporter-weighted", func(t *testing.T) {
		w := &Worker{ID: 1, PerformanceScore: 0.5, Reporters: []string{"v1"}}
		w.Merge(&WorkerSnapshot{ID: 1, PerformanceScore: 1.0}, "v2", now)
		// (0.5*1 + 1.0) / 2
		must.Eq(t, 0.75, w.PerformanceScore)

		w.Merge(&WorkerSnapshot{ID: 1, PerformanceScore: 0.75}, "v3", now)
		// (0.75*2 + 0.75) / 3
		must.Eq(t, 0.75, w.PerformanceScore)
	})

	t.Run("reporter set deduplicates", func(t *testing.T) {
		w := &Worker{ID: 1, Reporters: []string{"v1"}}
		w.Merge(&WorkerSnapshot{ID: 1}, "v1", now)
		must.Len(t, 1, w.Reporters)
		w.Merge(&WorkerSnapshot{ID: 1}, "v2", now)
		must.Len(t, 2, w.Reporters)
	})

	t.Run("last seen advances", func(t *testing.T) {
		w := &Worker{ID: 1, LastSeen: now.Add(-time.Hour), Reporters: []string{"v1"}}
		w.Merge(&WorkerSnapshot{ID: 1}, "v2", now)
		must.Eq(t, now, w.LastSeen)
	})
}

func TestMergeSpecialization(t *testing.T) {
	ci.Parallel(t)

	t.Run("named set beats empty", func(t *testing.T) {
		out := mergeSpecialization(nil, []string{JobKindTTS})
		must.SliceContains(t, out, JobKindTTS)

		out = mergeSpecialization([]string{JobKindTTS}, nil)
		must.SliceContains(t, out, JobKindTTS)
	})

	t.Run("superset wins", func(t *testing.T) {
		out := mergeSpecialization(
			[]string{JobKindTTS},
			[]string{JobKindTTS, JobKindTranscription})
		must.Len(t, 2, out)

		out = mergeSpecialization(
			[]string{JobKindTTS, JobKindTranscription},
			[]string{JobKindTTS})
		must.Len(t, 2, out)
	})

	t.Run("incomparable sets keep existing", func(t *testing.T) {
		out := mergeSpecialization(
			[]string{JobKindTTS},
			[]string{JobKindSummarization})
		must.Eq(t, []string{JobKindTTS}, out)
	})
}

func TestWorker_IdentityMatches(t *testing.T) {
	ci.Parallel(t)

	w := &Worker{ID: 7, IdentityKey: "key-a"}
	must.True(t, w.IdentityMatches(&WorkerSnapshot{ID: 7, IdentityKey: "key-a"}))
	must.False(t, w.IdentityMatches(&WorkerSnapshot{ID: 7, IdentityKey: "key-b"}))
}

func TestWorker_Active(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	timeout := 900 * time.Second

	w := &Worker{LastSeen: now.Add(-899 * time.Second)}
	must.True(t, w.Active(now, timeout))

	// Exactly at the boundary counts as inactive.
	w.LastSeen = now.Add(-timeout)
	must.False(t, w.Active(now, timeout))

	w.LastSeen = now.Add(-901 * time.Second)
	must.False(t, w.Active(now, timeout))
}

func TestWorker_Accepts(t *testing.T) {
	ci.Parallel(t)

	w := &Worker{}
	must.True(t, w.Accepts(JobKindTTS))

	w.Specialization = []string{JobKindTranscription, JobKindVideoTranscription}
	must.True(t, w.Accepts(JobKindTranscription))
	must.False(t, w.Accepts(JobKindTTS))
}

func TestWorker_AvailabilityScore(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	timeout := 900 * time.Second

	t.Run("fresh idle staked worker scores full", func(t *testing.T) {
		w := &Worker{
			PerformanceScore: 1.0,
			Stake:            stakeSaturation,
			MaxCapacity:      5,
			LastSeen:         now,
		}
		score := w.AvailabilityScore(0, now, timeout, DefaultAvailabilityWeights)
		must.InDelta(t, 1.0, score, 0.0001)
	})

	t.Run("stake saturates", func(t *testing.T) {
		w := &Worker{Stake: stakeSaturation * 10, MaxCapacity: 5, LastSeen: now}
		over := w.AvailabilityScore(0, now, timeout, DefaultAvailabilityWeights)
		w.Stake = stakeSaturation
		at := w.AvailabilityScore(0, now, timeout, DefaultAvailabilityWeights)
		must.Eq(t, at, over)
	})

	t.Run("load reduces capacity component", func(t *testing.T) {
		w := &Worker{MaxCapacity: 4, LastSeen: now}
		idle := w.AvailabilityScore(0, now, timeout, DefaultAvailabilityWeights)
		busy := w.AvailabilityScore(4, now, timeout, DefaultAvailabilityWeights)
		must.InDelta(t, DefaultAvailabilityWeights.Capacity, idle-busy, 0.0001)
	})

	t.Run("staleness floors at zero", func(t *testing.T) {
		w := &Worker{MaxCapacity: 1, LastSeen: now.Add(-2 * timeout)}
		score := w.AvailabilityScore(0, now, timeout, DefaultAvailabilityWeights)
		must.Eq(t, DefaultAvailabilityWeights.Capacity, score)
	})
}
