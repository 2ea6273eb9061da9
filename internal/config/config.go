// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package config loads passim.conf and the passim.d/*.conf fragment
// directory. See spec.md §2 (ConfigLoader) and §6 (filesystem layout).
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/hughsie/passim/internal/errs"
)

const (
	DefaultPort        = 27500
	DefaultMaxItemSize = 100 * 1024 * 1024 // 100 MiB
	DefaultCarbonCost  = 0.026367          // kg CO2e per GB
	defaultPkgName     = "passim"
)

// Config is the typed view over passim.conf's [daemon] group.
type Config struct {
	Port        uint16
	DataPath    string
	MaxItemSize uint64
	IPv6        bool
	CarbonCost  float64

	SysconfDir    string
	LocalStateDir string
	FragmentDir   string
	fragments     []ExternalDir
}

// ExternalDir is one sysconfpkgdir fragment: a [passim] Path= entry naming a
// directory whose contents are adopted as non-expiring, never-shared-out
// items (spec.md §3, "External directories").
type ExternalDir struct {
	FragmentFile string
	Path         string
}

// Load reads <sysconfdir>/passim.conf, applies defaults for any missing key,
// and scans <sysconfdir>/passim.d/*.conf for external directory fragments.
func Load(sysconfDir, localStateDir string) (*Config, error) {
	cfg := &Config{
		Port:          DefaultPort,
		MaxItemSize:   DefaultMaxItemSize,
		CarbonCost:    DefaultCarbonCost,
		SysconfDir:    sysconfDir,
		LocalStateDir: localStateDir,
		FragmentDir:   filepath.Join(sysconfDir, "passim.d"),
	}
	cfg.DataPath = filepath.Join(localStateDir, "lib", defaultPkgName, "data")

	confPath := filepath.Join(sysconfDir, "passim.conf")
	if data, err := os.ReadFile(confPath); err == nil {
		f, err := ini.Load(data)
		if err != nil {
			return nil, errs.Wrap(errs.CorruptData, err, "parse %s", confPath)
		}
		sec := f.Section("daemon")
		if v := sec.Key("Port").MustUint(DefaultPort); v > 0 && v <= 0xffff {
			cfg.Port = uint16(v)
		}
		if v := sec.Key("Path").String(); v != "" {
			cfg.DataPath = v
		}
		cfg.MaxItemSize = sec.Key("MaxItemSize").MustUint64(DefaultMaxItemSize)
		cfg.IPv6 = sec.Key("IPv6").MustBool(false)
		cfg.CarbonCost = sec.Key("CarbonCost").MustFloat64(DefaultCarbonCost)
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.Io, err, "read %s", confPath)
	}

	fragments, err := loadFragments(cfg.FragmentDir)
	if err != nil {
		return nil, err
	}
	cfg.fragments = fragments

	return cfg, nil
}

// ExternalDirs returns the sysconfpkgdir fragments discovered at Load time.
func (c *Config) ExternalDirs() []ExternalDir { return c.fragments }

// ReloadFragments re-scans the fragment directory and replaces the list
// ExternalDirs returns. The daemon does not call it: passimd reads the
// fragments once, at startup, and no watcher on passim.d/ triggers a reload.
func (c *Config) ReloadFragments() error {
	fragments, err := loadFragments(c.FragmentDir)
	if err != nil {
		return err
	}
	c.fragments = fragments
	return nil
}

func loadFragments(dir string) ([]ExternalDir, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "read fragment dir %s", dir)
	}

	var out []ExternalDir
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := ini.Load(path)
		if err != nil {
			continue // malformed fragment: skip, don't fail the whole scan
		}
		p := f.Section("passim").Key("Path").String()
		if p == "" {
			continue
		}
		out = append(out, ExternalDir{FragmentFile: path, Path: p})
	}
	return out, nil
}
