// Package rekey moves key material out of one PKCS#12 container and into a
// freshly encrypted one.
package rekey

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
)

// KeyMaterial is the decrypted content of a container. It owns its private
// key: call Zero once the material has been re-encrypted.
type KeyMaterial struct {
	PrivateKey   crypto.Signer
	Leaf         *x509.Certificate
	Chain        []*x509.Certificate
	FriendlyName string
	LocalKeyID   []byte

	// Stats describes what the extractor saw; nothing depends on it.
	Stats ExtractStats

	pkcs8 []byte
}

// ExtractStats counts the bags met while extracting.
type ExtractStats struct {
	KeyBags     int
	CertBags    int
	SkippedBags int
}

// Fingerprint returns the SHA-256 of the leaf certificate.
func Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// Zero wipes the private key and the decrypted PKCS#8 buffer. The material
// cannot be built again afterwards.
func (m *KeyMaterial) Zero() {
	if m == nil {
		return
	}
	pbe.Zero(m.pkcs8)
	m.pkcs8 = nil
	if m.PrivateKey != nil {
		pbe.ZeroPrivateKey(m.PrivateKey)
		m.PrivateKey = nil
	}
}

// SortedChain returns the chain ordered issuer-ward starting at the leaf's
// issuer. Certificates that do not link up are appended in their original
// order.
func (m *KeyMaterial) SortedChain() []*x509.Certificate {
	remaining := append([]*x509.Certificate{}, m.Chain...)
	sorted := make([]*x509.Certificate, 0, len(remaining))
	current := m.Leaf
	for current != nil && len(remaining) > 0 {
		next := -1
		for i, c := range remaining {
			if bytes.Equal(c.RawSubject, current.RawIssuer) && current.CheckSignatureFrom(c) == nil {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		current = remaining[next]
		sorted = append(sorted, current)
		remaining = append(remaining[:next], remaining[next+1:]...)
		// Self-signed root ends the walk.
		if bytes.Equal(current.RawSubject, current.RawIssuer) {
			break
		}
	}
	return append(sorted, remaining...)
}

// matchesKey reports whether cert carries pub, comparing the encoded
// SubjectPublicKeyInfo first and the key values second.
func matchesKey(cert *x509.Certificate, pub crypto.PublicKey) bool {
	if spki, err := x509.MarshalPKIXPublicKey(pub); err == nil && bytes.Equal(spki, cert.RawSubjectPublicKeyInfo) {
		return true
	}
	eq, ok := pub.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(cert.PublicKey)
}
