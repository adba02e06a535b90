// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cert loads the agent's X.509 client identity and the platform
// trust anchor used to validate the cloud's server certificate (spec §6:
// "Framed TLS uplink"). Certificate and key material provided as in-memory
// PEM streams is written to an ephemeral temp file only because the TLS
// library (and the uplink's mutual-auth dial) wants a path; those files are
// removed on Close.
package cert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/smok-edge/agent/pkg/log"
)

// ErrInvalidCredentials is returned (wrapped) when the certificate or key
// material fails to parse — spec §7's InvalidCredentials, fatal at startup.
type ErrInvalidCredentials struct {
	Reason string
}

func (e *ErrInvalidCredentials) Error() string {
	return fmt.Sprintf("invalid credentials: %s", e.Reason)
}

// Source describes where to find the device certificate, private key, and
// (for the uplink) the trust anchor used to verify the cloud's server cert.
type Source struct {
	CertPath string
	CertPEM  string
	KeyPath  string
	KeyPEM   string

	DeviceCAPath string
	RootCAPath   string
}

// Identity is the loaded, ready-to-use credential material plus the temp
// files created to hold any inline PEM streams, tracked so Close can remove
// them (spec §5: "files are deleted on close").
type Identity struct {
	Certificate tls.Certificate
	DeviceID    string // environment identifier embedded in the leaf cert
	TrustPool   *x509.CertPool

	tempFiles []string
}

// Load materializes an Identity from src. Inline PEM is written to a
// restrictively-permissioned temp file before being handed to tls.LoadX509KeyPair
// (which only accepts paths), exactly as the uplink's TLS dial needs.
func Load(src Source) (*Identity, error) {
	id := &Identity{}

	certPath, err := id.materialize(src.CertPath, src.CertPEM, "agent-cert-*.pem")
	if err != nil {
		return nil, &ErrInvalidCredentials{Reason: err.Error()}
	}
	keyPath, err := id.materialize(src.KeyPath, src.KeyPEM, "agent-key-*.pem")
	if err != nil {
		id.Close()
		return nil, &ErrInvalidCredentials{Reason: err.Error()}
	}

	tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		id.Close()
		return nil, &ErrInvalidCredentials{Reason: fmt.Sprintf("loading key pair: %v", err)}
	}
	id.Certificate = tlsCert

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		id.Close()
		return nil, &ErrInvalidCredentials{Reason: fmt.Sprintf("parsing leaf certificate: %v", err)}
	}
	id.DeviceID = deviceIDFromCert(leaf)

	pool, err := trustPool(src.DeviceCAPath, src.RootCAPath)
	if err != nil {
		id.Close()
		return nil, &ErrInvalidCredentials{Reason: err.Error()}
	}
	id.TrustPool = pool

	return id, nil
}

// deviceIDFromCert derives the uplink's TLS ServerName from the subject
// common name, matching §6 "server hostname derived from certificate-embedded
// environment identifier".
func deviceIDFromCert(leaf *x509.Certificate) string {
	if leaf.Subject.CommonName != "" {
		return leaf.Subject.CommonName
	}
	if len(leaf.DNSNames) > 0 {
		return leaf.DNSNames[0]
	}
	return leaf.Subject.SerialNumber
}

// trustPool concatenates the device CA and root CA (spec §6: "a
// concatenation of the platform's device CA and root CA") into a single
// pool used to validate the cloud's server certificate.
func trustPool(deviceCAPath, rootCAPath string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	loaded := false
	for _, p := range []string{deviceCAPath, rootCAPath} {
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading trust anchor %s: %w", p, err)
		}
		if !pool.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("no PEM certificates found in %s", p)
		}
		loaded = true
	}
	if !loaded {
		// Fall back to the system pool; still usable in non-production
		// environments where the server cert chains to a public CA.
		sys, err := x509.SystemCertPool()
		if err != nil {
			return x509.NewCertPool(), nil
		}
		return sys, nil
	}
	return pool, nil
}

func (id *Identity) materialize(path, pem_ string, pattern string) (string, error) {
	if path != "" {
		return path, nil
	}
	if pem_ == "" {
		return "", fmt.Errorf("neither a path nor inline PEM was provided")
	}
	block, _ := pem.Decode([]byte(pem_))
	if block == nil {
		return "", fmt.Errorf("inline PEM did not decode to at least one block")
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := f.WriteString(pem_); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	id.tempFiles = append(id.tempFiles, f.Name())
	return f.Name(), nil
}

// Close removes any temp files created for inline PEM material. Safe to
// call multiple times.
func (id *Identity) Close() {
	for _, f := range id.tempFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.Warnf("cert: removing temp file %s: %v", f, err)
		}
	}
	id.tempFiles = nil
}

// ClientTLSConfig builds the mutual-TLS config used to dial the uplink:
// the agent's own certificate for client auth, and TrustPool to verify the
// server (spec §6: "TLS 1.2+, mutual auth").
func (id *Identity) ClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{id.Certificate},
		RootCAs:      id.TrustPool,
		ServerName:   serverName,
	}
}
