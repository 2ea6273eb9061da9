// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package xattrstore gets and sets the named extended attributes passim
// persists on cached files: user.max_age, user.share_limit, user.cmdline,
// user.boot_time, user.checksum.sha256 (spec.md §2 and §6).
package xattrstore

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/xattr"

	"github.com/hughsie/passim/internal/errs"
)

// GetUint32 reads a 4-byte little-endian xattr, returning fallback when the
// attribute is absent. A present-but-wrong-sized value is CorruptData, never
// silently ignored (spec.md §7).
func GetUint32(path, name string, fallback uint32) (uint32, error) {
	data, err := xattr.Get(path, name)
	if err != nil {
		if xattr.IsNotExist(err) {
			return fallback, nil
		}
		return 0, errs.Wrap(errs.Io, err, "get xattr %s on %s", name, path)
	}
	if len(data) != 4 {
		return 0, errs.New(errs.CorruptData, "xattr %s on %s has %d bytes, want 4", name, path, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// SetUint32 writes a 4-byte little-endian xattr.
func SetUint32(path, name string, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	if err := xattr.Set(path, name, data); err != nil {
		return errs.Wrap(errs.Io, err, "set xattr %s on %s", name, path)
	}
	return nil
}

// GetString reads a UTF-8 xattr, returning fallback when absent.
func GetString(path, name, fallback string) (string, error) {
	data, err := xattr.Get(path, name)
	if err != nil {
		if xattr.IsNotExist(err) {
			return fallback, nil
		}
		return "", errs.Wrap(errs.Io, err, "get xattr %s on %s", name, path)
	}
	return string(data), nil
}

// SetString writes a UTF-8 xattr.
func SetString(path, name, value string) error {
	if err := xattr.Set(path, name, []byte(value)); err != nil {
		return errs.Wrap(errs.Io, err, "set xattr %s on %s", name, path)
	}
	return nil
}

// HasAttr reports whether the named xattr is present at all, used for
// user.boot_time (whose mere presence indicates FlagNextReboot — spec.md §3).
func HasAttr(path, name string) (bool, error) {
	_, err := xattr.Get(path, name)
	if err == nil {
		return true, nil
	}
	if xattr.IsNotExist(err) {
		return false, nil
	}
	return false, errs.Wrap(errs.Io, err, "get xattr %s on %s", name, path)
}

// GetBootTime reads user.boot_time as a UTF-8 decimal seconds string,
// returning ok=false when absent.
func GetBootTime(path string) (value int64, ok bool, err error) {
	s, gerr := GetString(path, "user.boot_time", "")
	if gerr != nil {
		return 0, false, gerr
	}
	if s == "" {
		return 0, false, nil
	}
	v, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil {
		return 0, false, errs.Wrap(errs.CorruptData, perr, "user.boot_time on %s", path)
	}
	return v, true, nil
}

// SetBootTime writes user.boot_time as a UTF-8 decimal seconds string.
func SetBootTime(path string, value int64) error {
	return SetString(path, "user.boot_time", strconv.FormatInt(value, 10))
}
