package rekey

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/container"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
)

// DefaultMinIterations is the lowest KDF iteration count Build uses unless
// overridden.
const DefaultMinIterations = 10000

const iterationJitter = 1024

var ErrAbsentPassphrase = errors.New("target passphrase must be set; use an empty passphrase for no password")

// Profile selects the algorithms of a built container.
type Profile string

const (
	// ProfileModern uses PBES2 with AES-256-CBC and an HMAC-SHA256 MAC.
	ProfileModern Profile = "modern"
	// ProfileLegacy uses PKCS#12 3DES everywhere and an HMAC-SHA1 MAC.
	ProfileLegacy Profile = "legacy"
	// ProfileLegacyRC2 encrypts certificates with 40-bit RC2, the key with
	// 3DES and uses an HMAC-SHA1 MAC, as older Windows exports do.
	ProfileLegacyRC2 Profile = "legacy-rc2"
)

// ParseProfile accepts a profile name, case-insensitively.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileModern, ProfileLegacy, ProfileLegacyRC2:
		return p, nil
	case "":
		return ProfileModern, nil
	}
	return "", fmt.Errorf("unknown profile %q", s)
}

type profileAlgs struct {
	certs   pbe.Scheme
	key     pbe.Scheme
	mac     asn1.ObjectIdentifier
	saltLen int
}

func (p Profile) algs() (profileAlgs, error) {
	switch p {
	case ProfileModern, "":
		return profileAlgs{certs: pbe.PBES2AES256, key: pbe.PBES2AES256, mac: pbe.OIDSHA256, saltLen: 16}, nil
	case ProfileLegacy:
		return profileAlgs{certs: pbe.SHA3DES, key: pbe.SHA3DES, mac: pbe.OIDSHA1, saltLen: 8}, nil
	case ProfileLegacyRC2:
		return profileAlgs{certs: pbe.SHARC2With40Bit, key: pbe.SHA3DES, mac: pbe.OIDSHA1, saltLen: 8}, nil
	}
	return profileAlgs{}, fmt.Errorf("unknown profile %q", string(p))
}

type buildOptions struct {
	rand          io.Reader
	profile       Profile
	minIterations int
}

// BuildOption customizes Build.
type BuildOption func(*buildOptions)

// WithRand sets the randomness source for salts, IVs and iteration jitter.
func WithRand(r io.Reader) BuildOption {
	return func(o *buildOptions) { o.rand = r }
}

// WithProfile selects the algorithm profile.
func WithProfile(p Profile) BuildOption {
	return func(o *buildOptions) { o.profile = p }
}

// WithMinIterations sets the minimum KDF iteration count.
func WithMinIterations(n int) BuildOption {
	return func(o *buildOptions) { o.minIterations = n }
}

// Build encrypts m into a new container under target. Every encrypted safe,
// the key bag and the MAC get their own salt and iteration count. The
// returned bytes are the DER encoding of the returned container.
func Build(m *KeyMaterial, target pbe.Passphrase, friendlyName string, opts ...BuildOption) (*container.Container, []byte, error) {
	o := buildOptions{rand: rand.Reader, profile: ProfileModern, minIterations: DefaultMinIterations}
	for _, opt := range opts {
		opt(&o)
	}
	if target.IsAbsent() {
		return nil, nil, ErrAbsentPassphrase
	}
	if m == nil || m.PrivateKey == nil || m.Leaf == nil {
		return nil, nil, errors.New("key material is incomplete")
	}
	if o.minIterations < 1 {
		return nil, nil, fmt.Errorf("invalid minimum iteration count %d", o.minIterations)
	}
	algs, err := o.profile.algs()
	if err != nil {
		return nil, nil, err
	}

	attrs, err := bagAttributes(m, friendlyName)
	if err != nil {
		return nil, nil, err
	}
	nameOnly := attrs[:1]

	certBags := make([]container.SafeBag, 0, 1+len(m.Chain))
	leafBag, err := container.MarshalCertBag(m.Leaf.Raw)
	if err != nil {
		return nil, nil, fmt.Errorf("encode leaf certificate bag: %w", err)
	}
	certBags = append(certBags, container.SafeBag{ID: container.OIDCertBag, Value: leafBag, Attributes: attrs})
	for _, cert := range m.SortedChain() {
		value, err := container.MarshalCertBag(cert.Raw)
		if err != nil {
			return nil, nil, fmt.Errorf("encode chain certificate bag: %w", err)
		}
		certBags = append(certBags, container.SafeBag{ID: container.OIDCertBag, Value: value, Attributes: nameOnly})
	}
	certContents, err := container.MarshalSafeContents(certBags)
	if err != nil {
		return nil, nil, err
	}
	certAlg, certCT, err := o.encrypt(target, algs.certs, algs.saltLen, certContents)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt certificates: %w", err)
	}

	keyBag, err := o.shroudKey(m, target, algs)
	if err != nil {
		return nil, nil, err
	}
	keyBag.Attributes = attrs
	keyContents, err := container.MarshalSafeContents([]container.SafeBag{keyBag})
	if err != nil {
		return nil, nil, err
	}

	infos := []container.ContentInfo{
		{ContentType: container.OIDEncryptedData, Algorithm: certAlg, EncryptedContent: certCT},
		{ContentType: container.OIDData, Content: keyContents},
	}
	authSafe, err := container.MarshalAuthenticatedSafe(infos)
	if err != nil {
		return nil, nil, err
	}

	mac, err := o.mac(target, algs, authSafe)
	if err != nil {
		return nil, nil, err
	}
	der, err := container.EncodeRaw(authSafe, mac)
	if err != nil {
		return nil, nil, err
	}
	c := &container.Container{Version: 3, AuthSafe: infos, MacData: mac, AuthSafeRaw: authSafe}
	return c, der, nil
}

func bagAttributes(m *KeyMaterial, friendlyName string) ([]container.Attribute, error) {
	name, err := container.FriendlyNameAttribute(friendlyName)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(m.Leaf.Raw)
	id, err := container.LocalKeyIDAttribute(sum[:])
	if err != nil {
		return nil, err
	}
	return []container.Attribute{name, id}, nil
}

func (o *buildOptions) shroudKey(m *KeyMaterial, target pbe.Passphrase, algs profileAlgs) (container.SafeBag, error) {
	if m.pkcs8 == nil {
		der, err := x509.MarshalPKCS8PrivateKey(m.PrivateKey)
		if err != nil {
			return container.SafeBag{}, fmt.Errorf("encode private key: %w", err)
		}
		m.pkcs8 = der
	}
	alg, ct, err := o.encrypt(target, algs.key, algs.saltLen, m.pkcs8)
	if err != nil {
		return container.SafeBag{}, fmt.Errorf("encrypt private key: %w", err)
	}
	value, err := container.MarshalEncryptedPrivateKeyInfo(alg, ct)
	if err != nil {
		return container.SafeBag{}, fmt.Errorf("encode shrouded key bag: %w", err)
	}
	return container.SafeBag{ID: container.OIDPKCS8ShroudedKeyBag, Value: value}, nil
}

func (o *buildOptions) encrypt(p pbe.Passphrase, scheme pbe.Scheme, saltLen int, plaintext []byte) (pkix.AlgorithmIdentifier, []byte, error) {
	iter, err := o.iterations()
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, err
	}
	return pbe.Encrypt(o.rand, p, pbe.Params{Scheme: scheme, Iterations: iter, SaltLen: saltLen}, plaintext)
}

func (o *buildOptions) mac(p pbe.Passphrase, algs profileAlgs, authSafe []byte) (*container.MacData, error) {
	iter, err := o.iterations()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, algs.saltLen)
	if _, err := io.ReadFull(o.rand, salt); err != nil {
		return nil, fmt.Errorf("generate mac salt: %w", err)
	}
	digest, err := pbe.ComputeMAC(algs.mac, p, salt, iter, authSafe)
	if err != nil {
		return nil, fmt.Errorf("compute mac: %w", err)
	}
	return &container.MacData{
		Algorithm:  pkix.AlgorithmIdentifier{Algorithm: algs.mac, Parameters: asn1.NullRawValue},
		Digest:     digest,
		Salt:       salt,
		Iterations: iter,
	}, nil
}

func (o *buildOptions) iterations() (int, error) {
	var b [2]byte
	if _, err := io.ReadFull(o.rand, b[:]); err != nil {
		return 0, fmt.Errorf("generate iteration count: %w", err)
	}
	return o.minIterations + int(binary.BigEndian.Uint16(b[:]))%iterationJitter, nil
}
