// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package store

import (
	"os"
	"path/filepath"

	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
	"github.com/hughsie/passim/internal/xattrstore"
)

const checksumXattrName = "user.checksum.sha256"

func getChecksumXattr(path string) (string, error) {
	return xattrstore.GetString(path, checksumXattrName, "")
}

func setChecksumXattr(path, sum string) error {
	return xattrstore.SetString(path, checksumXattrName, sum)
}

// adoptedSentinel marks items created by AdoptExternalDirs: both fields
// pinned to U32Max so they never expire and are never share-limited
// (spec.md §4.1, "External-directory scan").
func adoptedSentinel(it *item.Item) bool {
	return it.MaxAge == item.U32Max && it.ShareLimit == item.U32Max
}

// AdoptExternalDirs re-derives every externally-adopted item from the given
// directories, replacing whatever the previous call adopted. Unlike
// Publish, the backing files are never copied or deleted: dirs typically
// point at read-only package-manager caches (spec.md §4.1, "External
// directories"; SPEC_FULL.md §4.1).
func (s *Store) AdoptExternalDirs(dirs []string) error {
	s.removeAdopted()

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.log.Warn("external scan: cannot read directory", "dir", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := s.adoptFile(path); err != nil {
				s.log.Warn("external scan: skipping file", "path", path, "err", err)
			}
		}
	}
	return nil
}

// removeAdopted drops every sentinel item from the map without touching the
// backing file on disk, ahead of a fresh AdoptExternalDirs pass.
func (s *Store) removeAdopted() {
	for hash, it := range s.items {
		if adoptedSentinel(it) {
			delete(s.items, hash)
		}
	}
}

func (s *Store) adoptFile(path string) error {
	hash, err := xattrChecksumOrCompute(path)
	if err != nil {
		return err
	}
	if existing, exists := s.items[hash]; exists && !adoptedSentinel(existing) {
		return errs.New(errs.AlreadyExists, "hash %s already published, not adopting %s", hash, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.Io, err, "stat %s", path)
	}

	s.items[hash] = &item.Item{
		Hash:       hash,
		Basename:   filepath.Base(path),
		Ctime:      fileCtime(info),
		MaxAge:     item.U32Max,
		ShareLimit: item.U32Max,
		Size:       uint64(info.Size()),
		Storage:    item.Storage{Path: path},
	}
	return nil
}

// xattrChecksumOrCompute returns the cached user.checksum.sha256 xattr when
// present, otherwise hashes the file and writes the xattr back so the next
// rescan is O(open+getxattr) instead of a full re-read (spec.md §4.1,
// "External-directory scan"). A failure to persist the cache is ignored:
// the freshly computed hash is still used for this scan.
func xattrChecksumOrCompute(path string) (string, error) {
	cached, err := getChecksumXattr(path)
	if err != nil {
		return "", err
	}
	if cached != "" {
		return cached, nil
	}
	sum, err := checksumFile(path)
	if err != nil {
		return "", err
	}
	if err := setChecksumXattr(path, sum); err != nil {
		return sum, nil //nolint:nilerr // caching is best-effort
	}
	return sum, nil
}
