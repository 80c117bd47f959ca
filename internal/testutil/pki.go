// Package testutil generates throwaway PKI material for tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

// Chain is a leaf certificate with its key, issued through a chain of
// intermediates up to a self-signed root.
type Chain struct {
	Key           crypto.Signer
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
	Root          *x509.Certificate
}

// CACerts returns the intermediates followed by the root, the order a
// PKCS#12 exporter typically stores them in.
func (c *Chain) CACerts() []*x509.Certificate {
	out := append([]*x509.Certificate{}, c.Intermediates...)
	return append(out, c.Root)
}

// Roots returns a pool holding only the chain's root.
func (c *Chain) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.Root)
	return pool
}

// NewChain issues a leaf for commonName below `intermediates` intermediate
// CAs. The leaf key is RSA when rsaLeaf is set, ECDSA P-256 otherwise.
func NewChain(t testing.TB, commonName string, intermediates int, rsaLeaf bool) *Chain {
	t.Helper()

	rootKey := newECKey(t)
	root := issue(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"p12rekey tests"}},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil, rootKey.Public(), rootKey)

	chain := &Chain{Root: root}
	parent, parentKey := root, crypto.Signer(rootKey)
	for i := 0; i < intermediates; i++ {
		key := newECKey(t)
		cert := issue(t, &x509.Certificate{
			Subject:               pkix.Name{CommonName: "Test Intermediate CA " + string(rune('A'+i))},
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign,
		}, parent, key.Public(), parentKey)
		// Stored leaf-ward first.
		chain.Intermediates = append([]*x509.Certificate{cert}, chain.Intermediates...)
		parent, parentKey = cert, key
	}

	var leafKey crypto.Signer
	if rsaLeaf {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate rsa key: %v", err)
		}
		leafKey = k
	} else {
		leafKey = newECKey(t)
	}
	chain.Key = leafKey
	chain.Leaf = issue(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: commonName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
	}, parent, leafKey.Public(), parentKey)
	return chain
}

func newECKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	return k
}

var serial atomic.Int64

func issue(t testing.TB, tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	tmpl.SerialNumber = big.NewInt(1000 + serial.Add(1))
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}
