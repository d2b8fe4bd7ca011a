// store/store.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package store implements the server-side engine of the backup store:
// directory and file objects persisted through the striped raidfile
// layer, the per-account session context that mediates all mutations,
// the housekeeping pass that reclaims space, and the consistency
// checker that repairs a damaged account.

package store

import (
	u "github.com/mmp/bbstore/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// ProgressSink receives events from the long-running operations
// (housekeeping and the consistency checker) so callers control how
// progress and problems are reported.
type ProgressSink interface {
	Progress(format string, args ...interface{})
	Problem(format string, args ...interface{})
}

// loggerSink reports through the package logger: progress as verbose
// output, problems as warnings.
type loggerSink struct{}

func (loggerSink) Progress(format string, args ...interface{}) {
	log.Verbose(format, args...)
}

func (loggerSink) Problem(format string, args ...interface{}) {
	log.Warning(format, args...)
}
