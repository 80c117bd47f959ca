package identity

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// VaultStore keeps identities in a directory: one JSON metadata file and
// one sealed PKCS#8 key per identity, both readable only by the owner.
type VaultStore struct {
	mu      sync.Mutex
	dir     string
	vaultPW []byte
	log     *slog.Logger
}

// Identity is a stored vault entry.
type Identity struct {
	ID           string
	FriendlyName string
	Cert         *x509.Certificate
	Chain        []*x509.Certificate
	Fingerprint  [32]byte
	ImportedAt   time.Time
}

type identityMeta struct {
	ID             string    `json:"id"`
	FriendlyName   string    `json:"friendlyName"`
	CertPEM        string    `json:"certPem"`
	ChainPEM       []string  `json:"chainPem"`
	FingerprintHex string    `json:"fingerprintHex"`
	ImportedAt     time.Time `json:"importedAt"`
}

// NewVaultStore opens (creating if needed) a vault in dir. vaultPW seals the
// stored private keys.
func NewVaultStore(dir string, vaultPW []byte, log *slog.Logger) (*VaultStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &VaultStore{dir: dir, vaultPW: append([]byte{}, vaultPW...), log: log}, nil
}

// Import stores the identity of a single-key container and reports it.
func (s *VaultStore) Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error) {
	const op = "vault import"
	if err := ctx.Err(); err != nil {
		return nil, failure.Rejected(op, StatusStoreError, err)
	}
	d, err := decode(op, data, p)
	if err != nil {
		return nil, err
	}
	defer pbe.ZeroPrivateKey(d.signer)

	s.mu.Lock()
	defer s.mu.Unlock()

	fp := Fingerprint(d.cert)
	if s.existsLocked(fp) {
		return nil, failure.Rejected(op, StatusDuplicate, ErrDuplicate)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(d.signer)
	if err != nil {
		return nil, failure.Rejected(op, StatusUnsupported, err)
	}
	sealed, err := seal(pkcs8, s.vaultPW)
	pbe.Zero(pkcs8)
	if err != nil {
		return nil, failure.Rejected(op, StatusStoreError, fmt.Errorf("seal private key: %w", err))
	}

	id := uuid.NewString()
	keyPath := s.keyPath(id)
	if err := os.WriteFile(keyPath, sealed, 0o600); err != nil {
		return nil, failure.Rejected(op, StatusStoreError, fmt.Errorf("save sealed key: %w", err))
	}

	meta := identityMeta{
		ID:             id,
		FriendlyName:   d.label,
		CertPEM:        certPEM(d.cert),
		FingerprintHex: fmt.Sprintf("%x", fp),
		ImportedAt:     time.Now().UTC(),
	}
	for _, c := range d.chain {
		meta.ChainPEM = append(meta.ChainPEM, certPEM(c))
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = os.WriteFile(s.metaPath(id), metaBytes, 0o600)
	}
	if err != nil {
		os.Remove(keyPath)
		return nil, failure.Rejected(op, StatusStoreError, fmt.Errorf("save metadata: %w", err))
	}

	s.log.Debug("identity stored in vault", "id", id, "fingerprint", meta.FingerprintHex)
	return []ImportedItem{{
		Label:    d.label,
		Identity: &vaultHandle{store: s, id: id, cert: d.cert},
		Trust:    trust.NewChainHandle(d.cert, d.chain),
	}}, nil
}

// List returns every readable identity in the vault. Unreadable entries are
// skipped and logged.
func (s *VaultStore) List(ctx context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Identity, 0, len(metas))
	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := meta.identity()
		if err != nil {
			s.log.Warn("skipping unreadable vault entry", "id", meta.ID, "error", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Delete removes an identity and its sealed key.
func (s *VaultStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.metaPath(id)); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	var errs []error
	for _, p := range []string{s.metaPath(id), s.keyPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle returns a signing handle for a stored identity.
func (s *VaultStore) Handle(ctx context.Context, id string) (Handle, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read vault metadata: %w", err)
	}
	var meta identityMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode vault metadata: %w", err)
	}
	cert, err := parseCertPEM(meta.CertPEM)
	if err != nil {
		return nil, err
	}
	return &vaultHandle{store: s, id: id, cert: cert}, nil
}

// Exists reports whether an identity with this certificate fingerprint is
// stored.
func (s *VaultStore) Exists(fingerprint [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(fingerprint)
}

// Unlock opens the sealed key of an identity.
func (s *VaultStore) Unlock(ctx context.Context, id string) (crypto.Signer, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.keyPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read sealed key: %w", err)
	}
	pkcs8, err := open(sealed, s.vaultPW)
	if err != nil {
		return nil, fmt.Errorf("unseal private key: %w", err)
	}
	defer pbe.Zero(pkcs8)

	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}
	return signer, nil
}

func (s *VaultStore) existsLocked(fingerprint [32]byte) bool {
	metas, err := s.readAllLocked()
	if err != nil {
		return false
	}
	fpHex := fmt.Sprintf("%x", fingerprint)
	for _, meta := range metas {
		if meta.FingerprintHex == fpHex {
			return true
		}
	}
	return false
}

func (s *VaultStore) readAllLocked() ([]identityMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read vault dir: %w", err)
	}
	var metas []identityMeta
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta identityMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			s.log.Warn("skipping corrupt vault metadata", "file", entry.Name(), "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *VaultStore) metaPath(id string) string { return filepath.Join(s.dir, id+".json") }
func (s *VaultStore) keyPath(id string) string  { return filepath.Join(s.dir, id+".key.enc") }

func (m identityMeta) identity() (Identity, error) {
	cert, err := parseCertPEM(m.CertPEM)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		ID:           m.ID,
		FriendlyName: m.FriendlyName,
		Cert:         cert,
		Fingerprint:  Fingerprint(cert),
		ImportedAt:   m.ImportedAt,
	}
	for _, p := range m.ChainPEM {
		if c, err := parseCertPEM(p); err == nil {
			id.Chain = append(id.Chain, c)
		}
	}
	return id, nil
}

// validID rejects anything that is not a bare uuid, keeping lookups inside
// the vault directory.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.ContainsAny(id, `/\`)
}

type vaultHandle struct {
	store *VaultStore
	id    string
	cert  *x509.Certificate
}

func (h *vaultHandle) ID() string                     { return h.id }
func (h *vaultHandle) Certificate() *x509.Certificate { return h.cert }
func (h *vaultHandle) Signer() (crypto.Signer, error) {
	return h.store.Unlock(context.Background(), h.id)
}
