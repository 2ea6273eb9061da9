// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package xattrstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughsie/passim/internal/errs"
)

func tempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "item")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	return path
}

func TestUint32RoundTrip(t *testing.T) {
	path := tempFile(t)
	v, err := GetUint32(path, "user.max_age", 3600)
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), v, "fallback used when absent")

	require.NoError(t, SetUint32(path, "user.max_age", 42))
	v, err = GetUint32(path, "user.max_age", 3600)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func TestStringRoundTrip(t *testing.T) {
	path := tempFile(t)
	s, err := GetString(path, "user.cmdline", "")
	require.NoError(t, err)
	assert.Equal(t, "", s)

	require.NoError(t, SetString(path, "user.cmdline", "dnf"))
	s, err = GetString(path, "user.cmdline", "")
	require.NoError(t, err)
	assert.Equal(t, "dnf", s)
}

func TestBootTimeAbsence(t *testing.T) {
	path := tempFile(t)
	has, err := HasAttr(path, "user.boot_time")
	require.NoError(t, err)
	assert.False(t, has)

	_, ok, err := GetBootTime(path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetBootTime(path, 12345))
	has, err = HasAttr(path, "user.boot_time")
	require.NoError(t, err)
	assert.True(t, has)

	v, ok, err := GetBootTime(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 12345, v)
}

func TestCorruptUint32(t *testing.T) {
	path := tempFile(t)
	// Write a wrong-sized value directly to provoke CorruptData.
	require.NoError(t, SetString(path, "user.share_limit", "x"))
	_, err := GetUint32(path, "user.share_limit", 5)
	require.Error(t, err)
	assert.Equal(t, errs.CorruptData, errs.KindOf(err))
}
