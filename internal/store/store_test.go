// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
	"github.com/hughsie/passim/internal/xattrstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), 1024*1024, testLogger())
}

func TestPublishAndGet(t *testing.T) {
	s := newTestStore(t)
	builder := &item.Item{Basename: "greet", Cmdline: "dnf", MaxAge: 3600, ShareLimit: 3}

	it, err := s.Publish(strings.NewReader("hello world"), builder)
	require.NoError(t, err)
	assert.Equal(t, "greet", it.Basename)
	assert.Equal(t, uint64(len("hello world")), it.Size)
	assert.NotEmpty(t, it.Hash)

	got, ok := s.Get(it.Hash)
	require.True(t, ok)
	assert.Equal(t, it.Hash, got.Hash)

	data, err := os.ReadFile(filepath.Join(s.DataDir(), it.Filename()))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	maxAge, err := xattrstore.GetUint32(got.Storage.Path, "user.max_age", 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), maxAge)
}

func TestPublishDuplicateIsAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	builder := &item.Item{Basename: "greet"}
	_, err := s.Publish(strings.NewReader("same bytes"), builder)
	require.NoError(t, err)

	_, err = s.Publish(strings.NewReader("same bytes"), &item.Item{Basename: "other-name"})
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}

func TestPublishTooLarge(t *testing.T) {
	s := New(t.TempDir(), 4, testLogger())
	_, err := s.Publish(strings.NewReader("way too many bytes"), &item.Item{Basename: "big"})
	require.Error(t, err)
	assert.Equal(t, errs.TooLarge, errs.KindOf(err))
}

func TestPublishRejectsBadBasename(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "a/b"})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgs, errs.KindOf(err))
}

func TestPublishShareLimitZeroDefaults(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f", ShareLimit: 0})
	require.NoError(t, err)
	assert.Equal(t, item.DefaultShareLimit, it.ShareLimit)
}

func TestPublishNextRebootSetsDisabled(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f", Flags: item.FlagNextReboot})
	require.NoError(t, err)
	assert.True(t, it.Flags.Disabled())
	assert.True(t, it.Flags.NextReboot())

	has, err := xattrstore.HasAttr(it.Storage.Path, "user.boot_time")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestUnpublish(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f"})
	require.NoError(t, err)

	require.NoError(t, s.Unpublish(it.Hash))
	_, ok := s.Get(it.Hash)
	assert.False(t, ok)
	_, err = os.Stat(it.Storage.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestUnpublishNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Unpublish("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestRecordShareEvictsAtLimit(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f", ShareLimit: 2})
	require.NoError(t, err)

	evicted, err := s.RecordShare(it.Hash)
	require.NoError(t, err)
	assert.False(t, evicted)

	evicted, err = s.RecordShare(it.Hash)
	require.NoError(t, err)
	assert.True(t, evicted)

	_, ok := s.Get(it.Hash)
	assert.False(t, ok)
}

func TestSweepEvictsExpired(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f", MaxAge: 1})
	require.NoError(t, err)

	evicted := s.Sweep(time.Now().Add(10 * time.Hour))
	assert.Equal(t, []string{it.Hash}, evicted)
	_, ok := s.Get(it.Hash)
	assert.False(t, ok)
}

func TestSweepKeepsUnexpired(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f", MaxAge: item.U32Max})
	require.NoError(t, err)

	evicted := s.Sweep(time.Now().Add(1000 * time.Hour))
	assert.Empty(t, evicted)
	_, ok := s.Get(it.Hash)
	assert.True(t, ok)
}

func TestScanOnStartLoadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	hash := strings.Repeat("a", 64)
	path := filepath.Join(dir, hash+"-greet")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o600))
	require.NoError(t, xattrstore.SetUint32(path, "user.max_age", 60))
	require.NoError(t, xattrstore.SetUint32(path, "user.share_limit", 2))
	require.NoError(t, xattrstore.SetString(path, "user.cmdline", "dnf"))

	s := New(dir, 1024, testLogger())
	require.NoError(t, s.ScanOnStart())

	it, ok := s.Get(hash)
	require.True(t, ok)
	assert.Equal(t, "greet", it.Basename)
	assert.Equal(t, uint32(60), it.MaxAge)
	assert.Equal(t, uint32(2), it.ShareLimit)
	assert.Equal(t, "dnf", it.Cmdline)
}

func TestScanOnStartAppliesDefaultsWhenXattrsAbsent(t *testing.T) {
	dir := t.TempDir()
	hash := strings.Repeat("b", 64)
	path := filepath.Join(dir, hash+"-nodata")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o600))

	s := New(dir, 1024, testLogger())
	require.NoError(t, s.ScanOnStart())

	it, ok := s.Get(hash)
	require.True(t, ok)
	assert.Equal(t, item.DefaultMaxAge, it.MaxAge)
	assert.Equal(t, item.DefaultShareLimit, it.ShareLimit)
}

func TestScanOnStartSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	hash := strings.Repeat("c", 64)
	real := filepath.Join(dir, "real-file")
	require.NoError(t, os.WriteFile(real, []byte("hi"), 0o600))
	link := filepath.Join(dir, hash+"-link")
	require.NoError(t, os.Symlink(real, link))

	s := New(dir, 1024, testLogger())
	require.NoError(t, s.ScanOnStart())

	_, ok := s.Get(hash)
	assert.False(t, ok)
}

func TestScanOnStartNextRebootStaysDisabledForCurrentBoot(t *testing.T) {
	bootTimeOverride = 111
	defer func() { bootTimeOverride = 0 }()

	dir := t.TempDir()
	hash := strings.Repeat("d", 64)
	path := filepath.Join(dir, hash+"-f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o600))
	require.NoError(t, xattrstore.SetBootTime(path, 111))

	s := New(dir, 1024, testLogger())
	require.NoError(t, s.ScanOnStart())

	it, ok := s.Get(hash)
	require.True(t, ok)
	assert.True(t, it.Flags.Disabled())
	assert.True(t, it.Flags.NextReboot())
}

func TestScanOnStartNextRebootClearsAfterReboot(t *testing.T) {
	bootTimeOverride = 222
	defer func() { bootTimeOverride = 0 }()

	dir := t.TempDir()
	hash := strings.Repeat("e", 64)
	path := filepath.Join(dir, hash+"-f")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o600))
	require.NoError(t, xattrstore.SetBootTime(path, 111)) // a different, earlier boot

	s := New(dir, 1024, testLogger())
	require.NoError(t, s.ScanOnStart())

	it, ok := s.Get(hash)
	require.True(t, ok)
	assert.False(t, it.Flags.Disabled())
}

func TestAdoptExternalDirs(t *testing.T) {
	extDir := t.TempDir()
	extFile := filepath.Join(extDir, "package.rpm")
	require.NoError(t, os.WriteFile(extFile, []byte("rpm contents"), 0o644))

	s := newTestStore(t)
	require.NoError(t, s.AdoptExternalDirs([]string{extDir}))

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "package.rpm", items[0].Basename)
	assert.Equal(t, item.U32Max, items[0].MaxAge)
	assert.Equal(t, item.U32Max, items[0].ShareLimit)
	assert.Equal(t, extFile, items[0].Storage.Path)

	// Backing file must not be touched or removed by adoption.
	data, err := os.ReadFile(extFile)
	require.NoError(t, err)
	assert.Equal(t, "rpm contents", string(data))
}

func TestAdoptExternalDirsRescanDropsStale(t *testing.T) {
	extDir := t.TempDir()
	keep := filepath.Join(extDir, "keep.rpm")
	remove := filepath.Join(extDir, "remove.rpm")
	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0o644))
	require.NoError(t, os.WriteFile(remove, []byte("remove"), 0o644))

	s := newTestStore(t)
	require.NoError(t, s.AdoptExternalDirs([]string{extDir}))
	require.Len(t, s.Items(), 2)

	require.NoError(t, os.Remove(remove))
	require.NoError(t, s.AdoptExternalDirs([]string{extDir}))

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "keep.rpm", items[0].Basename)
}

func TestAdoptExternalDirsDoesNotEvictPublishedItems(t *testing.T) {
	s := newTestStore(t)
	published, err := s.Publish(strings.NewReader("x"), &item.Item{Basename: "f"})
	require.NoError(t, err)

	require.NoError(t, s.AdoptExternalDirs(nil))

	_, ok := s.Get(published.Hash)
	assert.True(t, ok)
}
