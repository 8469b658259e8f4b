// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package relay implements the dispatch core of a decentralized inference
// marketplace: a job state machine backed by an indexed store, a worker
// roster fed by validator reports, an assignment scheduler, a response
// aggregator and the reaper loops that keep the whole thing honest.
package relay

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/relay/relay/state"
)

// Server is the dispatch core. It owns the state store and every
// background loop, and hands out the endpoint structs that ingress and
// egress transports call into.
type Server struct {
	config *Config
	logger hclog.Logger

	state *state.StateStore

	scheduler  *Scheduler
	aggregator *Aggregator
	reaper     *Reaper
	blobs      *BlobCatalog

	endpoints endpoints

	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	shutdownWg   sync.WaitGroup
	shutdown     bool
}

type endpoints struct {
	Job      *Job
	Worker   *Worker
	Response *Response
	Blob     *Blob
}

// NewServer builds a server from the config, restores the snapshot when
// one is configured and present, and starts the background loops.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("relay")

	store, err := state.NewStateStore(logger)
	if err != nil {
		return nil, err
	}
	if config.SnapshotPath != "" {
		if err := store.Restore(config.SnapshotPath); err != nil {
			return nil, fmt.Errorf("snapshot restore failed: %w", err)
		}
	}

	blobs, err := newBlobCatalog(store, logger, config.BlobCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     logger,
		state:      store,
		blobs:      blobs,
		shutdownCh: make(chan struct{}),
	}
	s.scheduler = newScheduler(s)
	s.aggregator = newAggregator(s)
	s.reaper = newReaper(s)

	s.endpoints.Job = &Job{srv: s, logger: logger.Named("job")}
	s.endpoints.Worker = &Worker{srv: s, logger: logger.Named("worker")}
	s.endpoints.Response = &Response{srv: s, logger: logger.Named("response")}
	s.endpoints.Blob = &Blob{srv: s, logger: logger.Named("blob")}

	s.runLoop(s.scheduler.run)
	s.runLoop(s.aggregator.run)
	s.runLoop(s.reaper.run)
	s.runLoop(s.emitStats)

	return s, nil
}

// runLoop starts a shutdown-aware background loop tracked by the server's
// wait group.
func (s *Server) runLoop(fn func(shutdownCh <-chan struct{})) {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		fn(s.shutdownCh)
	}()
}

// Shutdown stops the background loops, flushes every buffered response
// and persists the snapshot when one is configured. Safe to call more
// than once.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if s.shutdown {
		return nil
	}
	s.shutdown = true
	s.logger.Info("shutting down")

	close(s.shutdownCh)
	s.shutdownWg.Wait()

	// Buffered responses must reach the store before the snapshot is cut.
	s.aggregator.ForceFlushAll()

	if s.config.SnapshotPath != "" {
		if err := s.state.Persist(s.config.SnapshotPath); err != nil {
			return fmt.Errorf("snapshot persist failed: %w", err)
		}
	}
	return nil
}

// State returns the underlying state store.
func (s *Server) State() *state.StateStore {
	return s.state
}

// Jobs returns the job ingress/egress endpoint.
func (s *Server) Jobs() *Job { return s.endpoints.Job }

// Workers returns the roster report and worker egress endpoint.
func (s *Server) Workers() *Worker { return s.endpoints.Worker }

// Responses returns the worker response ingress endpoint.
func (s *Server) Responses() *Response { return s.endpoints.Response }

// Blobs returns the blob metadata endpoint.
func (s *Server) Blobs() *Blob { return s.endpoints.Blob }
