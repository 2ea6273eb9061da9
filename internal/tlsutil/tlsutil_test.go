// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

package tlsutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCertificateGeneratesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	paths, err := EnsureCertificate(dir)
	require.NoError(t, err)

	keyInfo, err := os.Stat(paths.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	certInfo, err := os.Stat(paths.CertPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), certInfo.Mode().Perm())
}

func TestEnsureCertificateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := EnsureCertificate(dir)
	require.NoError(t, err)
	firstKey, err := os.ReadFile(first.KeyPath)
	require.NoError(t, err)

	second, err := EnsureCertificate(dir)
	require.NoError(t, err)
	secondKey, err := os.ReadFile(second.KeyPath)
	require.NoError(t, err)

	assert.Equal(t, firstKey, secondKey, "an existing key/cert pair must not be regenerated")
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	paths, err := EnsureCertificate(dir)
	require.NoError(t, err)

	cfg, err := LoadTLSConfig(paths)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}
