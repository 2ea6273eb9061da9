// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughsie/passim/internal/daemonstate"
	"github.com/hughsie/passim/internal/discovery"
	"github.com/hughsie/passim/internal/item"
	"github.com/hughsie/passim/internal/store"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeAnnouncer struct {
	mu        sync.Mutex
	announces [][]string
}

func (f *fakeAnnouncer) Announce(hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, append([]string(nil), hashes...))
	return nil
}
func (f *fakeAnnouncer) Find(context.Context, string) ([]discovery.Peer, error) { return nil, nil }
func (f *fakeAnnouncer) Close() error                                           { return nil }

func (f *fakeAnnouncer) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.announces) == 0 {
		return nil
	}
	return f.announces[len(f.announces)-1]
}

func (f *fakeAnnouncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announces)
}

type fakeMeteredWatcher struct {
	ch chan bool
}

func newFakeMeteredWatcher() *fakeMeteredWatcher { return &fakeMeteredWatcher{ch: make(chan bool, 1)} }
func (f *fakeMeteredWatcher) Changes() <-chan bool { return f.ch }
func (f *fakeMeteredWatcher) Close() error         { return nil }

func newTestReactor(t *testing.T, announcer discovery.Announcer) *daemonstate.Reactor {
	t.Helper()
	log := testLogger()
	state := &daemonstate.State{
		Store:     store.New(t.TempDir(), 1024, log),
		Announcer: announcer,
		Status:    daemonstate.StatusLoading,
	}
	r := daemonstate.New(state, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestEnterLoadingAndRunning(t *testing.T) {
	r := newTestReactor(t, &fakeAnnouncer{})
	s := New(r, NoopMeteredWatcher{}, testLogger())

	s.EnterLoading()
	assert.Equal(t, daemonstate.StatusLoading, daemonstate.Call(r, func(st *daemonstate.State) daemonstate.Status { return st.Status }))

	s.EnterRunning()
	assert.Equal(t, daemonstate.StatusRunning, daemonstate.Call(r, func(st *daemonstate.State) daemonstate.Status { return st.Status }))
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []daemonstate.Status
}

func (f *fakeNotifier) NotifyStatus(s daemonstate.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
}
func (f *fakeNotifier) NotifySavings(uint64, float64) {}

func (f *fakeNotifier) last() daemonstate.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return daemonstate.StatusUnknown
	}
	return f.statuses[len(f.statuses)-1]
}

func TestTransitionsReachAttachedNotifier(t *testing.T) {
	r := newTestReactor(t, &fakeAnnouncer{})
	notifier := &fakeNotifier{}
	daemonstate.Call(r, func(st *daemonstate.State) struct{} { st.Notifier = notifier; return struct{}{} })
	s := New(r, NoopMeteredWatcher{}, testLogger())

	s.EnterLoading()
	assert.Equal(t, daemonstate.StatusLoading, notifier.last())

	s.EnterRunning()
	assert.Equal(t, daemonstate.StatusRunning, notifier.last())

	s.handleMeteredChange(true)
	assert.Equal(t, daemonstate.StatusDisabledMetered, notifier.last())

	s.handleMeteredChange(false)
	assert.Equal(t, daemonstate.StatusRunning, notifier.last())
}

func TestMeteredTransitionSuspendsAndResumes(t *testing.T) {
	announcer := &fakeAnnouncer{}
	r := newTestReactor(t, announcer)
	watcher := newFakeMeteredWatcher()
	s := New(r, watcher, testLogger(), WithTimedExit(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	watcher.ch <- true
	require.Eventually(t, func() bool {
		return daemonstate.Call(r, func(st *daemonstate.State) daemonstate.Status { return st.Status }) == daemonstate.StatusDisabledMetered
	}, time.Second, 10*time.Millisecond)

	watcher.ch <- false
	require.Eventually(t, func() bool {
		return daemonstate.Call(r, func(st *daemonstate.State) daemonstate.Status { return st.Status }) == daemonstate.StatusRunning
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSweepEvictsAndReannounces(t *testing.T) {
	announcer := &fakeAnnouncer{}
	r := newTestReactor(t, announcer)
	s := New(r, NoopMeteredWatcher{}, testLogger())

	daemonstate.Call(r, func(st *daemonstate.State) struct{} {
		_, err := st.Store.Publish(strings.NewReader("x"), &item.Item{Basename: "f", MaxAge: 1})
		require.NoError(t, err)
		return struct{}{}
	})

	timeNow = func() time.Time { return time.Now().Add(10 * time.Hour) }
	defer func() { timeNow = time.Now }()

	s.sweep()
	assert.Equal(t, 1, announcer.count())
	assert.Empty(t, announcer.last())
}
