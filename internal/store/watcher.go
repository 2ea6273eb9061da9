// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package store

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// externalWatchDebounce is the quiet period spec.md §4.1 requires before a
// fragment-directory or external-directory change triggers a rescan.
const externalWatchDebounce = 500 * time.Millisecond

// ExternalWatcher coalesces fsnotify events on the config fragment directory
// and the adopted external directories into a single debounced signal.
type ExternalWatcher struct {
	watcher *fsnotify.Watcher
	changed chan struct{}
	log     *slog.Logger
}

// NewExternalWatcher starts watching dirs non-recursively and returns a
// watcher whose Changed channel fires once per debounce window.
func NewExternalWatcher(log *slog.Logger, dirs ...string) (*ExternalWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ew := &ExternalWatcher{watcher: w, changed: make(chan struct{}, 1), log: log}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			log.Warn("external watcher: cannot watch directory", "dir", d, "err", err)
		}
	}
	go ew.run()
	return ew, nil
}

// Changed emits a signal (non-blocking, buffered by 1) after a debounced
// burst of filesystem activity. Callers should re-resolve the current
// fragment/external-directory list and call Store.AdoptExternalDirs.
func (ew *ExternalWatcher) Changed() <-chan struct{} { return ew.changed }

// Rewatch replaces the set of watched directories, used after the fragment
// directory itself adds or removes a dnf.conf-style snippet.
func (ew *ExternalWatcher) Rewatch(dirs ...string) {
	for _, d := range ew.watcher.WatchList() {
		_ = ew.watcher.Remove(d)
	}
	for _, d := range dirs {
		if err := ew.watcher.Add(d); err != nil {
			ew.log.Warn("external watcher: cannot watch directory", "dir", d, "err", err)
		}
	}
}

func (ew *ExternalWatcher) run() {
	var debounceTimer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case event, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			ew.log.Debug("external watcher: event", "name", event.Name, "op", event.Op.String())
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(externalWatchDebounce)
			timerCh = debounceTimer.C
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.log.Warn("external watcher: fsnotify error", "err", err)
		case <-timerCh:
			timerCh = nil
			select {
			case ew.changed <- struct{}{}:
			default:
			}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (ew *ExternalWatcher) Close() error {
	return ew.watcher.Close()
}
