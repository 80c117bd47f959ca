//go:build !((darwin || windows) && cgo)

package identity

import (
	"context"
	"log/slog"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// OSStore is unavailable outside macOS and Windows cgo builds.
type OSStore struct {
	Label string
	Log   *slog.Logger
}

func (s *OSStore) Available() bool { return false }

func (s *OSStore) Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error) {
	return nil, failure.Rejected("system store import", StatusUnavailable, ErrStoreUnavailable)
}
