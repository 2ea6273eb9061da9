// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package tlsutil generates and persists the self-signed certificate
// HttpFront serves over HTTPS (spec.md §4.3, "Transport security").
package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/hughsie/passim/internal/errs"
)

const rsaKeyBits = 2048

// CertPaths names the on-disk locations of the key and certificate.
type CertPaths struct {
	KeyPath  string
	CertPath string
}

// EnsureCertificate loads an existing key/cert pair from dir, generating
// one on first run. The certificate carries no expiry date (spec.md §4.3:
// a passim instance is expected to run indefinitely on a trusted LAN, and
// a cache outage over an expired cert would be worse than the very small
// risk a self-signed, non-CA-rooted cert already accepts).
func EnsureCertificate(dir string) (CertPaths, error) {
	paths := CertPaths{
		KeyPath:  filepath.Join(dir, "secret.key"),
		CertPath: filepath.Join(dir, "cert.pem"),
	}
	_, keyErr := os.Stat(paths.KeyPath)
	_, certErr := os.Stat(paths.CertPath)
	if keyErr == nil && certErr == nil {
		return paths, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return paths, errs.Wrap(errs.Io, err, "create tls dir %s", dir)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return paths, errs.Wrap(errs.Io, err, "generate RSA key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return paths, errs.Wrap(errs.Io, err, "generate certificate serial")
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "passim"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return paths, errs.Wrap(errs.Io, err, "create certificate")
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return paths, errs.Wrap(errs.Io, err, "marshal private key")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := os.WriteFile(paths.KeyPath, keyPEM, 0o600); err != nil {
		return paths, errs.Wrap(errs.Io, err, "write %s", paths.KeyPath)
	}
	if err := os.WriteFile(paths.CertPath, certPEM, 0o644); err != nil {
		return paths, errs.Wrap(errs.Io, err, "write %s", paths.CertPath)
	}
	return paths, nil
}

// LoadTLSConfig reads the key/cert pair at paths into a server-ready
// *tls.Config.
func LoadTLSConfig(paths CertPaths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "load tls key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
