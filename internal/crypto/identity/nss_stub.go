//go:build !cgo

package identity

import (
	"context"
	"log/slog"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// NSSStore needs cgo to load the softoken module.
type NSSStore struct {
	LibPath    string
	ProfileDir string
	Label      string
	Log        *slog.Logger
}

func (s *NSSStore) Available() bool { return false }

func (s *NSSStore) Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error) {
	return nil, failure.Rejected("nss import", StatusUnavailable, ErrStoreUnavailable)
}
