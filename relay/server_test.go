// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"go.uber.org/goleak"

	"github.com/hashicorp/relay/ci"
	"github.com/hashicorp/relay/helper/testlog"
	"github.com/hashicorp/relay/relay/mock"
	"github.com/hashicorp/relay/relay/structs"
)

// testServer starts a server with test logging and shuts it down with the
// test. The default intervals are all long enough that background loops
// never fire mid-test; tests drive passes and sweeps directly.
func testServer(t *testing.T, cb func(*Config)) *Server {
	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	if cb != nil {
		cb(config)
	}
	srv, err := NewServer(config)
	must.NoError(t, err)
	t.Cleanup(func() { must.NoError(t, srv.Shutdown()) })
	return srv
}

// seedWorkers registers n serving workers with ids starting at base.
func seedWorkers(t *testing.T, srv *Server, base uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		w := mock.Worker()
		w.ID = base + uint64(i)
		must.NoError(t, srv.state.UpsertWorker(w))
	}
}

func TestServer_StartShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	srv, err := NewServer(config)
	must.NoError(t, err)

	must.NoError(t, srv.Shutdown())
	// Idempotent.
	must.NoError(t, srv.Shutdown())
}

func TestServer_ShutdownFlushesAndPersists(t *testing.T) {
	ci.Parallel(t)
	path := filepath.Join(t.TempDir(), "relay.db")

	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.SnapshotPath = path
	srv, err := NewServer(config)
	must.NoError(t, err)

	seedWorkers(t, srv, 1, 2)
	job := mock.Job()
	job.MinWorkers, job.MaxWorkers, job.DesiredWorkers = 2, 2, 2
	must.NoError(t, srv.state.CreateJob(job, time.Now()))
	_, err = srv.state.AssignWorkers(job.ID, []uint64{1, 2}, time.Now())
	must.NoError(t, err)

	// One response is below both flush thresholds, so it is still sitting
	// in the buffer when shutdown runs.
	must.NoError(t, srv.aggregator.Add(job.ID, mock.Response(1)))
	must.Eq(t, 1, srv.aggregator.BufferedResponses(job.ID))

	must.NoError(t, srv.Shutdown())

	config2 := DefaultConfig()
	config2.Logger = testlog.HCLogger(t)
	config2.SnapshotPath = path
	srv2, err := NewServer(config2)
	must.NoError(t, err)
	defer srv2.Shutdown()

	out, err := srv2.state.JobByID(nil, job.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, structs.JobStatusAssigned, out.Status)
	must.Len(t, 1, out.Responses)
}
