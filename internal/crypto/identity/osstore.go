//go:build (darwin || windows) && cgo

package identity

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/github/smimesign/certstore"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// OSStore imports into the platform identity store: the login keychain on
// macOS, the user's MY store on Windows.
type OSStore struct {
	Label string
	Log   *slog.Logger
}

// Available reports whether this build can reach the platform store.
func (s *OSStore) Available() bool { return true }

func (s *OSStore) Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error) {
	const op = "system store import"
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Rejected(op, StatusStoreError, err)
	}
	// Learn which leaf to look for before handing the bytes over.
	d, err := decode(op, data, p)
	if err != nil {
		return nil, err
	}
	pbe.ZeroPrivateKey(d.signer)

	st, err := certstore.Open()
	if err != nil {
		return nil, failure.Rejected(op, err.Error(), fmt.Errorf("open system store: %w", err))
	}
	defer st.Close()

	if err := st.Import(data, p.Reveal()); err != nil {
		return nil, failure.Rejected(op, err.Error(), err)
	}

	identities, err := st.Identities()
	if err != nil {
		return nil, failure.Rejected(op, err.Error(), fmt.Errorf("list system identities: %w", err))
	}
	want := Fingerprint(d.cert)
	var items []ImportedItem
	for _, ident := range identities {
		cert, err := ident.Certificate()
		if err != nil || cert == nil {
			ident.Close()
			continue
		}
		fp := Fingerprint(cert)
		if !bytes.Equal(fp[:], want[:]) {
			ident.Close()
			continue
		}
		chain, err := ident.CertificateChain()
		if err != nil || len(chain) == 0 {
			chain = append([]*x509.Certificate{cert}, d.chain...)
		}
		items = append(items, ImportedItem{
			Label:    d.label,
			Identity: &osHandle{ident: ident, cert: cert},
			Trust:    trust.NewChainHandle(cert, chain[1:]),
		})
	}
	log.Debug("system store import finished", "store", s.Label, "items", len(items))
	return items, nil
}

type osHandle struct {
	ident certstore.Identity
	cert  *x509.Certificate
}

func (h *osHandle) ID() string                     { return fmt.Sprintf("os:%x", Fingerprint(h.cert)) }
func (h *osHandle) Certificate() *x509.Certificate { return h.cert }
func (h *osHandle) Signer() (crypto.Signer, error) { return h.ident.Signer() }
