// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBasename(t *testing.T) {
	assert.NoError(t, ValidateBasename("greet"))
	assert.Error(t, ValidateBasename(""))
	assert.Error(t, ValidateBasename("a/b"))
}

func TestNormalizeShareLimit(t *testing.T) {
	assert.Equal(t, DefaultShareLimit, NormalizeShareLimit(0))
	assert.Equal(t, uint32(5), NormalizeShareLimit(5))
	assert.Equal(t, U32Max, NormalizeShareLimit(U32Max))
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	it := &Item{Ctime: now.Add(-2 * time.Hour), MaxAge: 3600}
	assert.True(t, it.Expired(now))

	it.MaxAge = U32Max
	assert.False(t, it.Expired(now))
}

func TestAtOrOverShareLimit(t *testing.T) {
	it := &Item{ShareLimit: 5, ShareCount: 4}
	assert.False(t, it.AtOrOverShareLimit())
	it.ShareCount = 5
	assert.True(t, it.AtOrOverShareLimit())

	it.ShareLimit = U32Max
	it.ShareCount = 1_000_000
	assert.False(t, it.AtOrOverShareLimit())
}

func TestVariantRoundTrip(t *testing.T) {
	orig := &Item{
		Hash:       "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Basename:   "greet",
		Cmdline:    "dnf",
		MaxAge:     3600,
		ShareLimit: 5,
		ShareCount: 2,
		Flags:      FlagDisabled,
	}
	m := orig.ToVariantMap()
	assert.Equal(t, orig.Filename(), m["filename"])

	// GetItems' "filename" is the on-disk "<hash>-<basename>" name, which
	// FromSnapshotVariantMap decodes; FromVariantMap reads "filename" as the
	// Publish-side basename, so put the clean basename back before decoding.
	m["filename"] = orig.Basename
	got, err := FromVariantMap(m)
	require.NoError(t, err)
	assert.Equal(t, orig.Basename, got.Basename)
	assert.Equal(t, orig.Cmdline, got.Cmdline)
	assert.Equal(t, orig.MaxAge, got.MaxAge)
	assert.Equal(t, orig.ShareLimit, got.ShareLimit)
	assert.Equal(t, orig.Flags, got.Flags)
}

func TestFromVariantMapMissingFilename(t *testing.T) {
	_, err := FromVariantMap(map[string]any{"max-age": uint32(10)})
	require.Error(t, err)
}

func TestFromVariantMapIgnoresUnknownKeys(t *testing.T) {
	got, err := FromVariantMap(map[string]any{
		"filename":    "foo",
		"unknown-key": "should be ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "foo", got.Basename)
}
