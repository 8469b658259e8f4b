// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides fully populated domain objects for tests.
package mock

import (
	"time"

	"github.com/hashicorp/relay/helper/pointer"
	"github.com/hashicorp/relay/helper/uuid"
	"github.com/hashicorp/relay/relay/structs"
)

// Job returns a canonical pending job.
func Job() *structs.Job {
	job := &structs.Job{
		ID:         uuid.Generate(),
		Kind:       structs.JobKindTranscription,
		Priority:   structs.JobPriorityNormal,
		Status:     structs.JobStatusPending,
		MinWorkers: 1,
		MaxWorkers: 3,
		Metadata: map[string]string{
			"source_language": "en",
		},
		CreateTime: time.Now(),
		ModifyTime: time.Now(),
	}
	job.Canonicalize()
	return job
}

// Worker returns a serving roster entry with headroom.
func Worker() *structs.Worker {
	return &structs.Worker{
		ID:               1000,
		IdentityKey:      uuid.Generate(),
		Serving:          true,
		Stake:            250,
		PerformanceScore: 0.8,
		MaxCapacity:      5,
		Load:             0,
		LastSeen:         time.Now(),
		Reporters:        []string{"validator-1"},
	}
}

// WorkerSnapshot returns a validator observation matching Worker.
func WorkerSnapshot() *structs.WorkerSnapshot {
	return &structs.WorkerSnapshot{
		ID:               1000,
		IdentityKey:      uuid.Generate(),
		Serving:          true,
		Stake:            250,
		PerformanceScore: 0.8,
		MaxCapacity:      5,
		Load:             0,
	}
}

// Response returns a successful worker response.
func Response(workerID uint64) *structs.Response {
	return &structs.Response{
		ID:             uuid.Generate(),
		WorkerID:       workerID,
		SubmitTime:     time.Now(),
		ProcessingTime: 2.5,
		AccuracyScore:  pointer.Of(0.9),
		SpeedScore:     0.7,
		Output: map[string]string{
			"text": "the quick brown fox",
		},
	}
}

// BlobMetadata returns an object-storage descriptor.
func BlobMetadata() *structs.BlobMetadata {
	id := uuid.Generate()
	return &structs.BlobMetadata{
		ID:          id,
		Bucket:      "relay-inputs",
		Key:         "audio/" + id + ".wav",
		ContentType: "audio/wav",
		SizeBytes:   1 << 20,
		PublicURL:   "https://storage.example.com/relay-inputs/audio/" + id + ".wav",
		Hash:        uuid.Generate(),
		CreateTime:  time.Now(),
		ModifyTime:  time.Now(),
	}
}
