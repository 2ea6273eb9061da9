// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
	"github.com/hughsie/passim/internal/xattrstore"
)

// bootTimeOverride lets tests pin "the current boot" without reading
// /proc/stat; zero means "use the real system boot time".
var bootTimeOverride int64

// currentBootTime returns the Unix timestamp the running kernel booted at,
// read from /proc/stat's "btime" line. This is the "current boot identity"
// spec.md §3 compares a NEXT_REBOOT item's recorded user.boot_time against.
func currentBootTime() (int64, error) {
	if bootTimeOverride != 0 {
		return bootTimeOverride, nil
	}
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, errs.Wrap(errs.Io, err, "read /proc/stat")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			v, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, errs.Wrap(errs.CorruptData, err, "parse /proc/stat btime")
			}
			return v, nil
		}
	}
	return 0, errs.New(errs.Io, "no btime line in /proc/stat")
}

// isHashToken reports whether s looks like a lowercase hex SHA-256 digest.
func isHashToken(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// splitCacheFilename splits "<hash>-<basename>" as scan-on-start does: the
// filename is authoritative and the hash is never recomputed from content
// (spec.md §4.1, "Scan-on-start").
func splitCacheFilename(name string) (hash, basename string, ok bool) {
	if len(name) < 66 || name[64] != '-' {
		return "", "", false
	}
	token := name[:64]
	if !isHashToken(token) {
		return "", "", false
	}
	return token, name[65:], true
}

// ScanOnStart loads every <hash>-<basename> regular file under dataDir into
// the in-memory map (spec.md §4.1, "Scan-on-start"). Symlinks are skipped
// with a PermissionDenied log entry to avoid TOCTOU; files are opened with
// symlink-following disabled.
func (s *Store) ScanOnStart() error {
	entries, err := os.ReadDir(s.dataDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Io, err, "read data dir %s", s.dataDir)
	}

	boot, berr := currentBootTime()
	if berr != nil {
		s.log.Warn("scan: could not determine current boot time, NEXT_REBOOT items stay disabled", "err", berr)
	}

	for _, e := range entries {
		hash, basename, ok := splitCacheFilename(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dataDir, e.Name())

		info, err := os.Lstat(path)
		if err != nil {
			s.log.Warn("scan: stat failed", "path", path, "err", err)
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			s.log.Warn("scan: skipping symlink", "path", path, "kind", errs.PermissionDenied)
			continue
		}

		f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
		if err != nil {
			s.log.Warn("scan: open failed", "path", path, "err", err)
			continue
		}
		st, err := f.Stat()
		f.Close()
		if err != nil {
			s.log.Warn("scan: fstat failed", "path", path, "err", err)
			continue
		}
		if !st.Mode().IsRegular() {
			continue
		}

		if _, exists := s.items[hash]; exists {
			s.log.Warn("scan: duplicate hash, keeping first seen", "hash", hash, "path", path)
			continue
		}

		maxAge, err := xattrstore.GetUint32(path, "user.max_age", item.DefaultMaxAge)
		if err != nil {
			s.log.Warn("scan: corrupt user.max_age, using default", "path", path, "err", err)
			maxAge = item.DefaultMaxAge
		}
		shareLimit, err := xattrstore.GetUint32(path, "user.share_limit", item.DefaultShareLimit)
		if err != nil {
			s.log.Warn("scan: corrupt user.share_limit, using default", "path", path, "err", err)
			shareLimit = item.DefaultShareLimit
		}
		cmdline, err := xattrstore.GetString(path, "user.cmdline", "")
		if err != nil {
			s.log.Warn("scan: corrupt user.cmdline, using empty", "path", path, "err", err)
		}

		var flags item.Flags
		if recorded, hasBoot, err := xattrstore.GetBootTime(path); err == nil && hasBoot {
			if berr == nil && recorded == boot {
				flags = item.FlagDisabled | item.FlagNextReboot
			} // else: a reboot has happened since publish, item is now enabled
		} else if err != nil {
			s.log.Warn("scan: corrupt user.boot_time", "path", path, "err", err)
		}

		s.items[hash] = &item.Item{
			Hash:       hash,
			Basename:   basename,
			Cmdline:    cmdline,
			Ctime:      fileCtime(st),
			MaxAge:     maxAge,
			ShareLimit: shareLimit,
			ShareCount: 0,
			Size:       uint64(st.Size()),
			Flags:      flags,
			Storage:    item.Storage{Path: path},
		}
	}
	s.log.Info("scan-on-start complete", "items", len(s.items))
	return nil
}

// fileCtime extracts the inode change time when the platform exposes it,
// falling back to ModTime otherwise.
func fileCtime(fi os.FileInfo) time.Time {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Ctim.Sec, st.Ctim.Nsec).UTC()
	}
	return fi.ModTime().UTC()
}

// checksumFile computes SHA-256 of the file at path, streaming in
// chunkSize blocks like Publish does.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.Io, err, "open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Wrap(errs.Io, err, "read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
