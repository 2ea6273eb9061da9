// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package store implements the content-addressed cache described in
// spec.md §4.1: filesystem layout, atomic publish, eviction by age, share
// count or explicit unpublish, and scan-on-start.
//
// A Store is owned exclusively by the daemon's single reactor goroutine
// (spec.md §5); none of its methods take an internal lock.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
	"github.com/hughsie/passim/internal/xattrstore"
)

const chunkSize = 32 * 1024

// Store is the in-memory hash → Item map backed by dataDir on disk.
type Store struct {
	dataDir     string
	maxItemSize uint64
	items       map[string]*item.Item
	log         *slog.Logger
}

// New constructs a Store rooted at dataDir. The directory is not created
// until the first Publish (spec.md §4.1).
func New(dataDir string, maxItemSize uint64, log *slog.Logger) *Store {
	return &Store{
		dataDir:     dataDir,
		maxItemSize: maxItemSize,
		items:       make(map[string]*item.Item),
		log:         log,
	}
}

// DataDir returns the cache's root directory.
func (s *Store) DataDir() string { return s.dataDir }

// Get looks up an Item by hash.
func (s *Store) Get(hash string) (*item.Item, bool) {
	it, ok := s.items[hash]
	return it, ok
}

// Items returns a snapshot slice of all cached Items; order is unspecified
// (spec.md §4.1, "Enumerate contract").
func (s *Store) Items() []*item.Item {
	out := make([]*item.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out
}

// Publish reads at most maxItemSize bytes from r, hashes the content,
// writes it atomically under dataDir and persists the builder's metadata as
// extended attributes (spec.md §4.1, "Publish contract").
func (s *Store) Publish(r io.Reader, builder *item.Item) (*item.Item, error) {
	if err := item.ValidateBasename(builder.Basename); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return nil, errs.Wrap(errs.Io, err, "create data dir %s", s.dataDir)
	}

	tmp, err := os.CreateTemp(s.dataDir, ".passim-publish-*")
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "create temp file in %s", s.dataDir)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	var size uint64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			size += uint64(n)
			if size > s.maxItemSize {
				tmp.Close()
				return nil, errs.New(errs.TooLarge, "stream exceeds maximum item size of %d bytes", s.maxItemSize)
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				return nil, errs.Wrap(errs.Io, werr, "write %s", tmpPath)
			}
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			return nil, errs.Wrap(errs.Io, rerr, "read input stream")
		}
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, errs.Wrap(errs.Io, err, "chmod %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return nil, errs.Wrap(errs.Io, err, "close %s", tmpPath)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if _, exists := s.items[hash]; exists {
		return nil, errs.New(errs.AlreadyExists, "item with hash %s already published", hash)
	}

	shareLimit := item.NormalizeShareLimit(builder.ShareLimit)
	maxAge := builder.MaxAge
	if maxAge == 0 {
		maxAge = item.DefaultMaxAge
	}

	finalPath := filepath.Join(s.dataDir, hash+"-"+builder.Basename)
	if _, err := os.Stat(finalPath); err == nil {
		return nil, errs.New(errs.AlreadyExists, "file %s already exists on disk", finalPath)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, errs.Wrap(errs.Io, err, "rename %s to %s", tmpPath, finalPath)
	}
	removeTmp = false

	flags := builder.Flags
	now := time.Now().UTC()

	if err := xattrstore.SetUint32(finalPath, "user.max_age", maxAge); err != nil {
		return nil, err
	}
	if err := xattrstore.SetUint32(finalPath, "user.share_limit", shareLimit); err != nil {
		return nil, err
	}
	if err := xattrstore.SetString(finalPath, "user.cmdline", builder.Cmdline); err != nil {
		return nil, err
	}
	if flags.NextReboot() {
		flags |= item.FlagDisabled
		boot, err := currentBootTime()
		if err != nil {
			return nil, err
		}
		if err := xattrstore.SetBootTime(finalPath, boot); err != nil {
			return nil, err
		}
	}

	newItem := &item.Item{
		Hash:       hash,
		Basename:   builder.Basename,
		Cmdline:    builder.Cmdline,
		Ctime:      now,
		MaxAge:     maxAge,
		ShareLimit: shareLimit,
		ShareCount: 0,
		Size:       size,
		Flags:      flags,
		Storage:    item.Storage{Path: finalPath},
	}
	s.items[hash] = newItem
	s.log.Info("published item", "hash", hash, "basename", builder.Basename, "size", size)
	return newItem, nil
}

// Unpublish removes the on-disk file and the in-memory entry for hash
// (spec.md §4.1, "Unpublish contract").
func (s *Store) Unpublish(hash string) error {
	it, ok := s.items[hash]
	if !ok {
		return errs.New(errs.NotFound, "no item with hash %s", hash)
	}
	if err := os.Remove(it.Storage.Path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Io, err, "remove %s", it.Storage.Path)
	}
	delete(s.items, hash)
	s.log.Info("unpublished item", "hash", hash)
	return nil
}

// RecordShare increments share_count for a successful transfer and evicts
// the item if share_count has reached share_limit (spec.md §4.3, §8 "Share
// accounting"; the increment occurs only after the response body has been
// fully sent — see internal/httpfront).
func (s *Store) RecordShare(hash string) (evicted bool, err error) {
	it, ok := s.items[hash]
	if !ok {
		return false, errs.New(errs.NotFound, "no item with hash %s", hash)
	}
	it.ShareCount++
	if it.AtOrOverShareLimit() {
		if uerr := s.Unpublish(hash); uerr != nil {
			return false, uerr
		}
		return true, nil
	}
	return false, nil
}

// Sweep deletes every non-sentinel item whose age now exceeds MaxAge,
// returning the hashes removed (spec.md §4.1, "Age sweep"). Called once per
// hour and once at startup by LifecycleSupervisor.
func (s *Store) Sweep(now time.Time) []string {
	var evicted []string
	for hash, it := range s.items {
		if it.Expired(now) {
			if err := s.Unpublish(hash); err != nil {
				s.log.Warn("age sweep: failed to evict item", "hash", hash, "err", err)
				continue
			}
			evicted = append(evicted, hash)
		}
	}
	return evicted
}
