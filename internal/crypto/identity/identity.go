// Package identity hands rebuilt containers to identity stores: a local
// vault, the platform keychain or an NSS database.
package identity

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// Store status codes reported through failure.Error.Status by the stores in
// this package. Platform stores report their native status text instead.
const (
	StatusWrongPassword = "wrong-password"
	StatusInvalidFile   = "invalid-file"
	StatusUnsupported   = "unsupported"
	StatusDuplicate     = "duplicate"
	StatusUnavailable   = "unavailable"
	StatusStoreError    = "store-error"
)

var (
	ErrStoreUnavailable = errors.New("identity store unavailable in this build")
	ErrDuplicate        = errors.New("identity already present in store")
	ErrNotFound         = errors.New("identity not found")
)

// Handle is an identity held by a store: a certificate plus access to its
// private key.
type Handle interface {
	ID() string
	Certificate() *x509.Certificate
	Signer() (crypto.Signer, error)
}

// ImportedItem is one identity a store reports after an import. Both
// handles are optional.
type ImportedItem struct {
	Label    string
	Identity Handle
	Trust    trust.Handle
}

// Importer imports a PKCS#12 container into an identity store. An empty,
// nil-error result means the store accepted the data but exposed nothing.
// Failures are *failure.Error values of kind ImportRejected.
type Importer interface {
	Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error)
}

// Discard accepts every container and imports nothing.
type Discard struct{}

func (Discard) Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error) {
	return nil, ctx.Err()
}

// Fingerprint returns the SHA-256 fingerprint for a certificate.
func Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

type decoded struct {
	signer crypto.Signer
	cert   *x509.Certificate
	chain  []*x509.Certificate
	label  string
}

// decode reads a single-identity container the way third-party consumers
// will: the first certificate is the leaf.
func decode(op string, data []byte, p pbe.Passphrase) (*decoded, error) {
	priv, cert, chain, err := pkcs12.DecodeChain(data, p.Reveal())
	if err != nil {
		return nil, failure.Rejected(op, decodeStatus(err), err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, failure.Rejected(op, StatusUnsupported, fmt.Errorf("private key of type %T cannot sign", priv))
	}
	d := &decoded{signer: signer, cert: cert, chain: chain, label: cert.Subject.CommonName}
	if name := friendlyName(data, p); name != "" {
		d.label = name
	}
	return d, nil
}

func decodeStatus(err error) string {
	var notImpl pkcs12.NotImplementedError
	switch {
	case errors.Is(err, pkcs12.ErrIncorrectPassword), errors.Is(err, pkcs12.ErrDecryption):
		return StatusWrongPassword
	case errors.As(err, &notImpl):
		return StatusUnsupported
	}
	return StatusInvalidFile
}

// friendlyName returns the friendlyName of the first bag carrying one, or
// "" when the attributes cannot be read.
func friendlyName(data []byte, p pbe.Passphrase) string {
	blocks, err := pkcs12.ToPEM(data, p.Reveal())
	if err != nil {
		return ""
	}
	for _, b := range blocks {
		if name := b.Headers["friendlyName"]; name != "" {
			return name
		}
	}
	return ""
}

func certPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func parseCertPEM(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// memoryHandle is an identity whose signer is already in memory.
type memoryHandle struct {
	id     string
	cert   *x509.Certificate
	signer crypto.Signer
}

func (h *memoryHandle) ID() string                     { return h.id }
func (h *memoryHandle) Certificate() *x509.Certificate { return h.cert }
func (h *memoryHandle) Signer() (crypto.Signer, error) { return h.signer, nil }
