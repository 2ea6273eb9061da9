// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package supervisor drives the daemon-wide Starting → Loading → Running |
// DisabledMetered state machine, the hourly age sweep, metered-network
// transitions and orderly shutdown (spec.md §4.6).
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hughsie/passim/internal/daemonstate"
)

// SweepInterval is the age-sweep cadence spec.md §4.1 mandates.
const SweepInterval = time.Hour

// MeteredWatcher reports transitions of the host's network metered state.
// Changes delivers true on a metered-ON transition, false on metered-OFF.
type MeteredWatcher interface {
	Changes() <-chan bool
	Close() error
}

// NoopMeteredWatcher never reports a metered transition. It is the only
// MeteredWatcher in this package and the one passimd installs, so the
// daemon never enters DisabledMetered on its own.
type NoopMeteredWatcher struct{}

func (NoopMeteredWatcher) Changes() <-chan bool { return nil }
func (NoopMeteredWatcher) Close() error         { return nil }

// Supervisor owns the Status transitions and the background timers that
// drive them.
type Supervisor struct {
	reactor   *daemonstate.Reactor
	metered   MeteredWatcher
	log       *slog.Logger
	timedExit time.Duration // 0 disables the --timed-exit test hook
}

// Option configures optional Supervisor behavior.
type Option func(*Supervisor)

// WithTimedExit enables the "--timed-exit" test hook (spec.md §4.6): the
// process terminates unconditionally after d.
func WithTimedExit(d time.Duration) Option {
	return func(s *Supervisor) { s.timedExit = d }
}

// New builds a Supervisor. metered may be NoopMeteredWatcher{} when no
// network manager integration is available.
func New(reactor *daemonstate.Reactor, metered MeteredWatcher, log *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{reactor: reactor, metered: metered, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnterLoading performs the Starting → Loading transition, once the bus
// connection is up and the store has been scanned.
func (s *Supervisor) EnterLoading() {
	s.reactor.Do(func(st *daemonstate.State) { st.SetStatus(daemonstate.StatusLoading) })
}

// EnterRunning performs the Loading → Running transition, once the HTTPS
// listener is accepting and the initial discovery announcement has gone
// out.
func (s *Supervisor) EnterRunning() {
	s.reactor.Do(func(st *daemonstate.State) { st.SetStatus(daemonstate.StatusRunning) })
}

// Run drives the sweep timer, metered-network watcher, signal handling and
// optional timed-exit hook until ctx is canceled or a terminating signal
// arrives, then returns.
func (s *Supervisor) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sweepTicker := time.NewTicker(SweepInterval)
	defer sweepTicker.Stop()

	var timedExitCh <-chan time.Time
	if s.timedExit > 0 {
		timer := time.NewTimer(s.timedExit)
		defer timer.Stop()
		timedExitCh = timer.C
	}

	s.sweep() // startup sweep, per spec.md §4.1 "once per hour and at startup"

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			s.log.Info("supervisor: received signal, shutting down", "signal", sig.String())
			return
		case <-sweepTicker.C:
			s.sweep()
		case metered, ok := <-s.metered.Changes():
			if !ok {
				continue
			}
			s.handleMeteredChange(metered)
		case <-timedExitCh:
			s.log.Info("supervisor: timed-exit hook fired")
			return
		}
	}
}

func (s *Supervisor) sweep() {
	s.reactor.Do(func(st *daemonstate.State) {
		evicted := st.Store.Sweep(timeNow())
		if len(evicted) > 0 {
			s.log.Info("supervisor: age sweep evicted items", "count", len(evicted))
			announceEnabled(st)
		}
	})
}

func (s *Supervisor) handleMeteredChange(metered bool) {
	s.reactor.Do(func(st *daemonstate.State) {
		if metered {
			st.SetStatus(daemonstate.StatusDisabledMetered)
			if st.Announcer != nil {
				if err := st.Announcer.Announce(nil); err != nil {
					s.log.Warn("supervisor: unregister on metered-on failed", "err", err)
				}
			}
			s.log.Info("supervisor: metered network detected, publishing suspended")
			return
		}
		st.SetStatus(daemonstate.StatusRunning)
		announceEnabled(st)
		s.log.Info("supervisor: metered network cleared, publishing resumed")
	})
}

// announceEnabled re-derives the published hash set from the store and
// re-announces it; callers must already be running on the reactor
// goroutine.
func announceEnabled(st *daemonstate.State) {
	if st.Announcer == nil {
		return
	}
	items := st.Store.Items()
	hashes := make([]string, 0, len(items))
	for _, it := range items {
		if !it.Flags.Disabled() {
			hashes = append(hashes, it.Hash)
		}
	}
	_ = st.Announcer.Announce(hashes)
}

// timeNow is a var so tests can stub it without pulling in a clock
// abstraction for the whole package.
var timeNow = time.Now
