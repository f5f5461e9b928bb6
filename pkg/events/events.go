// Package events implements the process-owned handler registry described
// in spec.md §4.J: a small set of typed events, each type dispatched in
// emission order by its own consumer goroutine, grounded on the teacher's
// pkg/push/progress.go progressPrinter (one goroutine draining a
// registryv1.Update channel) generalized from one fixed update shape to a
// registry of typed handlers.
package events

import (
	"time"
)

// Level mirrors the handful of severities the teacher's logrus-based
// logging already distinguishes; LogEvent carries one of these rather
// than a logrus.Level directly so pkg/events has no logging dependency of
// its own.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// LogEvent is a free-form diagnostic message (spec.md §4.J).
type LogEvent struct {
	Level   Level
	Message string
}

// ProgressEvent reports bytes (or other units) completed against a named
// allocation, e.g. a blob push (spec.md §4.J).
type ProgressEvent struct {
	Allocation string
	Units      int64
	Total      int64
}

// TimerState distinguishes the two ends of a TimerEvent pair.
type TimerState int

const (
	TimerStarted TimerState = iota
	TimerStopped
)

// TimerEvent brackets a named scope, e.g. "pull-base-image", with a
// duration reported on the Stopped event (spec.md §4.J).
type TimerEvent struct {
	Scope    string
	State    TimerState
	Duration time.Duration
}
