// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package daemonstate is the single reactor goroutine that owns every piece
// of process-wide mutable state: the item store, the discovery announcer,
// the metrics registry and the lifecycle status (spec.md §5, "Concurrency &
// resource model"). HttpFront and ControlPlane run their handlers on Go's
// ordinary per-request/per-call goroutines, but touch State only by
// submitting a closure through the reactor — never by taking a lock on it
// directly. This is the Go expression of "owned exclusively by the
// reactor, no locks" from spec.md §5: one real goroutine, not one thread
// pretending to be single-threaded via a mutex.
package daemonstate

import (
	"context"
	"log/slog"

	"github.com/hughsie/passim/internal/config"
	"github.com/hughsie/passim/internal/discovery"
	"github.com/hughsie/passim/internal/metrics"
	"github.com/hughsie/passim/internal/store"
)

// Status is the LifecycleSupervisor state machine value (spec.md §4.6).
type Status uint32

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusLoading
	StatusRunning
	StatusDisabledMetered
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusLoading:
		return "loading"
	case StatusRunning:
		return "running"
	case StatusDisabledMetered:
		return "disabled-metered"
	default:
		return "unknown"
	}
}

// PropertyNotifier pushes Status and accumulated-savings changes onto any
// externally-observable property surface — the D-Bus ControlPlane's
// PropertiesChanged signal — whenever State changes in a way a client may
// be watching (spec.md §4.4). It is set on State after the reactor starts,
// since the notifier (ControlPlane) itself needs a running reactor to
// construct.
type PropertyNotifier interface {
	NotifyStatus(Status)
	NotifySavings(downloadSaving uint64, carbonSaving float64)
}

// State is the process-wide singleton spec.md §3 describes: configuration
// snapshot, the hash→Item mapping (via Store), discovery/metrics handles,
// and the lifecycle Status.
type State struct {
	Config    *config.Config
	Store     *store.Store
	Announcer discovery.Announcer
	Metrics   *metrics.Registry
	Notifier  PropertyNotifier

	Status  Status
	Name    string
	Version string

	DownloadSaving uint64
	CarbonSaving   float64
}

// SetStatus updates Status and, if a PropertyNotifier is attached, pushes
// the new value out immediately. Callers must already be running on the
// reactor goroutine (spec.md §5).
func (s *State) SetStatus(status Status) {
	s.Status = status
	if s.Notifier != nil {
		s.Notifier.NotifyStatus(status)
	}
}

// RecordSavings accumulates a completed share's bandwidth/carbon saving and
// pushes the running totals out through the attached PropertyNotifier, if
// any. Callers must already be running on the reactor goroutine (spec.md
// §5); see internal/httpfront's "savings only count on a fully-sent share"
// rule.
func (s *State) RecordSavings(bytes uint64, carbonCostPerByte float64) {
	s.DownloadSaving += bytes
	s.CarbonSaving += float64(bytes) * carbonCostPerByte
	if s.Notifier != nil {
		s.Notifier.NotifySavings(s.DownloadSaving, s.CarbonSaving)
	}
}

// Reactor serializes every mutation of a State behind one channel, so the
// closures it runs never race with each other regardless of how many
// goroutines call Do/Call concurrently.
type Reactor struct {
	state *State
	cmds  chan func(*State)
	log   *slog.Logger
}

// New constructs a Reactor owning state. Run must be called once to start
// processing submitted closures.
func New(state *State, log *slog.Logger) *Reactor {
	return &Reactor{state: state, cmds: make(chan func(*State), 64), log: log}
}

// Run drives the reactor loop until ctx is canceled. It is meant to run on
// its own goroutine for the lifetime of the daemon.
func (r *Reactor) Run(ctx context.Context) {
	for {
		select {
		case fn := <-r.cmds:
			fn(r.state)
		case <-ctx.Done():
			r.log.Debug("reactor: shutting down")
			return
		}
	}
}

// Do submits fn to run on the reactor goroutine and blocks until it has.
func (r *Reactor) Do(fn func(*State)) {
	done := make(chan struct{})
	r.cmds <- func(s *State) {
		fn(s)
		close(done)
	}
	<-done
}

// Call runs fn on the reactor goroutine and returns its result, giving
// callers a synchronous "ask the reactor" round trip without ever touching
// State from outside it.
func Call[T any](r *Reactor, fn func(*State) T) T {
	var result T
	r.Do(func(s *State) { result = fn(s) })
	return result
}
