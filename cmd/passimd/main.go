// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Command passimd is the host-local cache daemon: it scans its data
// directory, announces cached items over mDNS/DNS-SD, serves them over
// HTTPS to other machines on the LAN, and exposes a D-Bus control plane for
// publishing and unpublishing (spec.md §1, §5).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hughsie/passim/internal/config"
	"github.com/hughsie/passim/internal/control"
	"github.com/hughsie/passim/internal/daemonstate"
	"github.com/hughsie/passim/internal/discovery"
	"github.com/hughsie/passim/internal/httpfront"
	"github.com/hughsie/passim/internal/logx"
	"github.com/hughsie/passim/internal/metrics"
	"github.com/hughsie/passim/internal/store"
	"github.com/hughsie/passim/internal/supervisor"
	"github.com/hughsie/passim/internal/tlsutil"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		sysconfDir    = flag.String("sysconfdir", "/etc", "Root of passim.conf and passim.d/")
		localStateDir = flag.String("localstatedir", "/var", "Root of the cache data directory")
		verbose       = flag.CountP("verbose", "v", "Increase log verbosity (-v for info, -vv for debug)")
		noColor       = flag.Bool("no-color", false, "Disable colored log output")
		showVersion   = flag.BoolP("version", "V", false, "Show version and exit")
		timedExit     = flag.Duration("timed-exit", 0, "Exit unconditionally after the given duration (test hook)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("passimd %s (%s)\n", version, commit)
		return
	}
	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	log := logx.New(os.Stderr, levelFromVerbosity(*verbose))

	if err := run(*sysconfDir, *localStateDir, *timedExit, log); err != nil {
		log.Error("passimd exiting", "err", err)
		os.Exit(1)
	}
}

func levelFromVerbosity(v int) slog.Level {
	switch {
	case v >= 2:
		return slog.LevelDebug
	case v >= 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

func run(sysconfDir, localStateDir string, timedExit time.Duration, log *slog.Logger) error {
	cfg, err := config.Load(sysconfDir, localStateDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	st := store.New(cfg.DataPath, cfg.MaxItemSize, log)
	if err := st.ScanOnStart(); err != nil {
		return fmt.Errorf("scan data directory: %w", err)
	}
	if err := st.AdoptExternalDirs(externalDirPaths(cfg)); err != nil {
		log.Warn("adopt external directories failed", "err", err)
	}

	certDir := localStateDir + "/lib/passim"
	certPaths, err := tlsutil.EnsureCertificate(certDir)
	if err != nil {
		return fmt.Errorf("ensure tls certificate: %w", err)
	}
	tlsConfig, err := tlsutil.LoadTLSConfig(certPaths)
	if err != nil {
		return fmt.Errorf("load tls config: %w", err)
	}

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	instance := fmt.Sprintf("Passim-%04X", os.Getpid()&0xffff)

	announcer := discovery.NewZeroconfAnnouncer(instance, int(cfg.Port), cfg.IPv6, log)
	defer announcer.Close()

	state := &daemonstate.State{
		Config:    cfg,
		Store:     st,
		Announcer: announcer,
		Metrics:   metricsReg,
		Status:    daemonstate.StatusStarting,
		Name:      instance,
		Version:   version,
	}
	reactor := daemonstate.New(state, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reactor.Run(ctx)

	var supOpts []supervisor.Option
	if timedExit > 0 {
		supOpts = append(supOpts, supervisor.WithTimedExit(timedExit))
	}
	sup := supervisor.New(reactor, supervisor.NoopMeteredWatcher{}, log, supOpts...)

	cp, err := control.New(reactor, version, log)
	if err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}
	sup.EnterLoading()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		_ = cp.Close()
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	tlsLn := tls.NewListener(ln, tlsConfig)

	httpSrv := httpfront.New(reactor, "/usr/share/passim/assets", reg, log)
	httpDone := make(chan error, 1)
	go func() { httpDone <- httpSrv.Serve(ctx, tlsLn) }()

	if err := announceCurrentItems(reactor); err != nil {
		log.Warn("initial discovery announcement failed", "err", err)
	}
	sup.EnterRunning()
	log.Info("passimd started", "port", cfg.Port, "data", cfg.DataPath)

	sup.Run(ctx)

	// spec.md §5: the reactor aborts in-flight operations first, then
	// discovery withdraws its announcement, then the IPC connection closes.
	cancel()
	if err := announcer.Close(); err != nil {
		log.Warn("discovery shutdown failed", "err", err)
	}
	if err := cp.Close(); err != nil {
		log.Warn("control plane shutdown failed", "err", err)
	}
	<-httpDone

	log.Info("passimd stopped")
	return nil
}

func externalDirPaths(cfg *config.Config) []string {
	dirs := cfg.ExternalDirs()
	paths := make([]string, 0, len(dirs))
	for _, d := range dirs {
		paths = append(paths, d.Path)
	}
	return paths
}

func announceCurrentItems(reactor *daemonstate.Reactor) error {
	return daemonstate.Call(reactor, func(s *daemonstate.State) error {
		if s.Announcer == nil {
			return nil
		}
		items := s.Store.Items()
		hashes := make([]string, 0, len(items))
		for _, it := range items {
			if !it.Flags.Disabled() {
				hashes = append(hashes, it.Hash)
			}
		}
		return s.Announcer.Announce(hashes)
	})
}
