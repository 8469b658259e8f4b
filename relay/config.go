// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/hashicorp/relay/relay/structs"
)

// Config is used to parameterize the server.
type Config struct {
	// Logger is the root logger; components derive named sub-loggers from
	// it. Defaults to an hclog default logger when nil.
	Logger hclog.Logger

	// LogLevel is applied by the daemon entrypoint when it builds the root
	// logger.
	LogLevel string

	// SchedulerInterval is the sleep between assignment passes.
	SchedulerInterval time.Duration

	// SchedulerBatchSize caps how many jobs per state a single pass
	// examines.
	SchedulerBatchSize int

	// SchedulerJobParallelism bounds concurrent per-job assignment work
	// inside one pass.
	SchedulerJobParallelism int64

	// SchedulerPassRate paces per-job processing within a pass so a large
	// backlog cannot monopolize the store's write path.
	SchedulerPassRate  rate.Limit
	SchedulerPassBurst int

	// WorkerTimeout is the inactivity window after which a worker is
	// skipped by assignment and eligible for deletion.
	WorkerTimeout time.Duration

	// InactiveWorkerSweepInterval is the cadence of the roster purge loop.
	InactiveWorkerSweepInterval time.Duration

	// StaleJobSweepInterval is the cadence of the partial-response sweep.
	StaleJobSweepInterval time.Duration

	// StaleJobGrace is the age past which an assigned job may be
	// force-completed with whatever responses it has.
	StaleJobGrace time.Duration

	// OldJobSweepInterval is the cadence of terminal-job retention
	// enforcement.
	OldJobSweepInterval time.Duration

	// OldJobRetention is the age past which terminal jobs are deleted.
	OldJobRetention time.Duration

	// BufferFlushSize is the aggregator's count-based flush threshold.
	BufferFlushSize int

	// BufferFlushTimeout is the aggregator's age-based flush threshold.
	BufferFlushTimeout time.Duration

	// BufferScanInterval is the cadence of the aggregator's timeout scan.
	BufferScanInterval time.Duration

	// MinWorkersDefault and MaxWorkersDefault bound the replication window
	// applied to submissions that leave it unset.
	MinWorkersDefault int
	MaxWorkersDefault int

	// ScoreWeights weigh accuracy against speed in best-response selection.
	ScoreWeights structs.ScoreWeights

	// AvailabilityWeights weigh the components of worker ranking.
	AvailabilityWeights structs.AvailabilityWeights

	// BlobCacheSize is the entry capacity of the blob descriptor cache.
	BlobCacheSize int

	// SnapshotPath is the boltdb file the store persists to at shutdown
	// and restores from at startup. Empty disables snapshots.
	SnapshotPath string

	// MetricsInterval is the cadence of gauge emission.
	MetricsInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:                    "info",
		SchedulerInterval:           180 * time.Second,
		SchedulerBatchSize:          10,
		SchedulerJobParallelism:     4,
		SchedulerPassRate:           rate.Limit(32),
		SchedulerPassBurst:          8,
		WorkerTimeout:               900 * time.Second,
		InactiveWorkerSweepInterval: 300 * time.Second,
		StaleJobSweepInterval:       900 * time.Second,
		StaleJobGrace:               3600 * time.Second,
		OldJobSweepInterval:         24 * time.Hour,
		OldJobRetention:             7 * 24 * time.Hour,
		BufferFlushSize:             3,
		BufferFlushTimeout:          60 * time.Second,
		BufferScanInterval:          30 * time.Second,
		MinWorkersDefault:           1,
		MaxWorkersDefault:           3,
		ScoreWeights:                structs.DefaultScoreWeights,
		AvailabilityWeights:         structs.DefaultAvailabilityWeights,
		BlobCacheSize:               512,
		MetricsInterval:             60 * time.Second,
	}
}
