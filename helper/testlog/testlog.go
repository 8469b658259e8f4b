// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so that log
// output from components under test lands in the test's own output.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a testing.T.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns a trace-level logger that writes through t. Set
// RELAY_TEST_LOG_LEVEL to raise the level when test output gets noisy.
func HCLogger(t LogPrinter) hclog.Logger {
	level := hclog.Trace
	if v := os.Getenv("RELAY_TEST_LOG_LEVEL"); v != "" {
		level = hclog.LevelFromString(v)
	}
	return hclog.New(&hclog.LoggerOptions{
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	})
}
