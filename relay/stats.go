// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/relay/relay/structs"
)

// emitStats publishes job and roster gauges until the server shuts down.
func (s *Server) emitStats(shutdownCh <-chan struct{}) {
	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCh:
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *Server) publishStats() {
	counts, total, err := s.state.JobCountsByStatus()
	if err != nil {
		s.logger.Error("failed to collect job stats", "error", err)
		return
	}
	for status, n := range counts {
		metrics.SetGauge([]string{"relay", "jobs", status}, float32(n))
	}
	metrics.SetGauge([]string{"relay", "jobs", "total"}, float32(total))

	workers, err := s.state.Workers(nil)
	if err != nil {
		s.logger.Error("failed to collect worker stats", "error", err)
		return
	}
	serving := 0
	for _, w := range workers {
		if w.Serving {
			serving++
		}
	}
	metrics.SetGauge([]string{"relay", "workers", "total"}, float32(len(workers)))
	metrics.SetGauge([]string{"relay", "workers", "serving"}, float32(serving))
}

// Statistics returns counts of jobs by state plus the total. States with
// no jobs report zero rather than being omitted.
func (j *Job) Statistics(args *structs.StatisticsRequest, reply *structs.StatisticsResponse) error {
	defer metrics.MeasureSince([]string{"relay", "job", "statistics"}, time.Now())

	counts, total, err := j.srv.state.JobCountsByStatus()
	if err != nil {
		return err
	}
	reply.Counts = counts
	reply.Total = total
	return nil
}
