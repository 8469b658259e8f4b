// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/relay/relay"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	config := relay.DefaultConfig()

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	logLevel := fs.String("log-level", config.LogLevel, "log level (trace, debug, info, warn, error)")
	snapshotPath := fs.String("snapshot", config.SnapshotPath, "boltdb snapshot file; empty disables persistence")
	schedulerInterval := fs.Duration("scheduler-interval", config.SchedulerInterval, "sleep between assignment passes")
	workerTimeout := fs.Duration("worker-timeout", config.WorkerTimeout, "worker inactivity before skip and purge")
	staleJobGrace := fs.Duration("stale-job-grace", config.StaleJobGrace, "age after which an assigned job may be force-completed")
	oldJobRetention := fs.Duration("old-job-retention", config.OldJobRetention, "age after which terminal jobs are deleted")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "relay",
		Level: hclog.LevelFromString(*logLevel),
	})

	config.Logger = logger
	config.LogLevel = *logLevel
	config.SnapshotPath = *snapshotPath
	config.SchedulerInterval = *schedulerInterval
	config.WorkerTimeout = *workerTimeout
	config.StaleJobGrace = *staleJobGrace
	config.OldJobRetention = *oldJobRetention

	srv, err := relay.NewServer(config)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		return 1
	}
	logger.Info("server started",
		"scheduler_interval", config.SchedulerInterval,
		"snapshot", config.SnapshotPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("caught signal, shutting down", "signal", sig.String())

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}
