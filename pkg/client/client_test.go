// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package client

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
)

func TestApplyPropertiesUpdatesCache(t *testing.T) {
	c := &ClientLibrary{}
	c.applyProperties(map[string]dbus.Variant{
		"DaemonVersion":  dbus.MakeVariant("1.2.3"),
		"Status":         dbus.MakeVariant(uint32(3)),
		"DownloadSaving": dbus.MakeVariant(uint64(1024)),
		"CarbonSaving":   dbus.MakeVariant(float64(0.5)),
		"Name":           dbus.MakeVariant("host.local"),
		"Uri":            dbus.MakeVariant("https://host.local:27500/"),
	})

	assert.Equal(t, "1.2.3", c.GetVersion())
	assert.Equal(t, uint32(3), c.GetStatus())
	assert.Equal(t, uint64(1024), c.GetDownloadSaving())
	assert.Equal(t, 0.5, c.GetCarbonSaving())
	assert.Equal(t, "host.local", c.GetName())
	assert.Equal(t, "https://host.local:27500/", c.GetURI())
}

func TestApplyPropertiesPartialUpdateKeepsOthers(t *testing.T) {
	c := &ClientLibrary{}
	c.applyProperties(map[string]dbus.Variant{"Name": dbus.MakeVariant("first")})
	c.applyProperties(map[string]dbus.Variant{"Status": dbus.MakeVariant(uint32(2))})

	assert.Equal(t, "first", c.GetName())
	assert.Equal(t, uint32(2), c.GetStatus())
}

func TestApplyPropertiesIgnoresWrongType(t *testing.T) {
	c := &ClientLibrary{}
	c.applyProperties(map[string]dbus.Variant{"Status": dbus.MakeVariant("not-a-number")})
	assert.Equal(t, uint32(0), c.GetStatus())
}

func TestOpenStorageFDFromPath(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/payload.bin"
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	c := &ClientLibrary{}
	f, err := c.openStorageFD(&item.Item{Storage: item.Storage{Path: path}})
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOpenStorageFDFromBytes(t *testing.T) {
	c := &ClientLibrary{}
	f, err := c.openStorageFD(&item.Item{Storage: item.Storage{Bytes: []byte("sealed-content")}})
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "sealed-content", string(data))
}

func TestOpenStorageFDFromStream(t *testing.T) {
	c := &ClientLibrary{}
	f, err := c.openStorageFD(&item.Item{
		Storage: item.Storage{Stream: io.NopCloser(strings.NewReader("streamed"))},
	})
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(data))
}

func TestOpenStorageFDNoSourceIsInvalidArgs(t *testing.T) {
	c := &ClientLibrary{}
	_, err := c.openStorageFD(&item.Item{})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgs, errs.KindOf(err))
}

func TestGetItemsDecodesSnapshot(t *testing.T) {
	m := map[string]any{
		"hash":        "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		"filename":    "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824-hello.txt",
		"cmdline":     "/usr/bin/passimctl publish hello.txt",
		"max-age":     uint32(3600),
		"share-limit": uint32(5),
		"share-count": uint32(1),
		"flags":       uint32(0),
	}
	it, err := item.FromSnapshotVariantMap(m)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", it.Basename)
	assert.Equal(t, uint32(3600), it.MaxAge)
	assert.Equal(t, uint32(1), it.ShareCount)
}
