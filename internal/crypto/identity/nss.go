//go:build cgo

package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"unsafe"

	"github.com/miekg/pkcs11"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/trust"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

// ckaNSSDB carries the public value NSS keeps beside EC private keys.
const ckaNSSDB uint = 0xD5A0DB00

// NSSStore imports into an NSS database through the softoken PKCS#11
// module.
type NSSStore struct {
	LibPath    string
	ProfileDir string
	Label      string
	Log        *slog.Logger
}

func (s *NSSStore) Available() bool { return s.LibPath != "" && s.ProfileDir != "" }

func (s *NSSStore) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

type nssSession struct {
	ctx     *pkcs11.Ctx
	slot    uint
	session pkcs11.SessionHandle
}

// openNSS loads the softoken against profileDir and opens a session on the
// key slot, which NSS lists last.
func openNSS(lib, profileDir string, readWrite bool) (*nssSession, error) {
	p := pkcs11.New(lib)
	if p == nil {
		return nil, fmt.Errorf("load PKCS#11 module %s", lib)
	}
	params := fmt.Sprintf("configdir='sql:%s' certPrefix='' keyPrefix='' secmod='secmod.db'", profileDir)
	if !readWrite {
		params += " flags=readOnly"
	}
	buf := append([]byte(params), 0)
	if err := p.Initialize(pkcs11.InitializeWithReserved(unsafe.Pointer(&buf[0]))); err != nil &&
		!errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
		p.Destroy()
		return nil, err
	}
	slots, err := p.GetSlotList(true)
	if err == nil && len(slots) == 0 {
		err = errors.New("no PKCS#11 slot with a token")
	}
	if err != nil {
		_ = p.Finalize()
		p.Destroy()
		return nil, err
	}
	slot := slots[len(slots)-1]
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if readWrite {
		flags |= pkcs11.CKF_RW_SESSION
	}
	session, err := p.OpenSession(slot, flags)
	if err != nil {
		_ = p.Finalize()
		p.Destroy()
		return nil, err
	}
	if err := p.Login(session, pkcs11.CKU_USER, ""); err != nil &&
		!errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		_ = p.CloseSession(session)
		_ = p.Finalize()
		p.Destroy()
		return nil, err
	}
	return &nssSession{ctx: p, slot: slot, session: session}, nil
}

func (n *nssSession) Close() {
	_ = n.ctx.Logout(n.session)
	_ = n.ctx.CloseSession(n.session)
	_ = n.ctx.Finalize()
	n.ctx.Destroy()
}

func (n *nssSession) find(template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := n.ctx.FindObjectsInit(n.session, template); err != nil {
		return nil, err
	}
	objs, _, err := n.ctx.FindObjects(n.session, max)
	if ferr := n.ctx.FindObjectsFinal(n.session); err == nil {
		err = ferr
	}
	return objs, err
}

func (n *nssSession) hasCertificate(cert *x509.Certificate) (bool, error) {
	objs, err := n.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, cert.Raw),
	}, 1)
	return len(objs) > 0, err
}

func (s *NSSStore) Import(ctx context.Context, data []byte, p pbe.Passphrase) ([]ImportedItem, error) {
	const op = "nss import"
	log := s.logger().With("store", s.Label, "profile", s.ProfileDir)
	if !s.Available() {
		return nil, failure.Rejected(op, StatusUnavailable, ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Rejected(op, StatusStoreError, err)
	}
	d, err := decode(op, data, p)
	if err != nil {
		return nil, err
	}
	defer pbe.ZeroPrivateKey(d.signer)

	n, err := openNSS(s.LibPath, s.ProfileDir, true)
	if err != nil {
		return nil, failure.Rejected(op, err.Error(), fmt.Errorf("open nss database: %w", err))
	}
	defer n.Close()

	dup, err := n.hasCertificate(d.cert)
	if err != nil {
		return nil, failure.Rejected(op, err.Error(), err)
	}
	if dup {
		return nil, failure.Rejected(op, StatusDuplicate, ErrDuplicate)
	}

	keyAttrs, id, err := privateKeyTemplate(d.signer, d.label)
	if err != nil {
		return nil, failure.Rejected(op, StatusUnsupported, err)
	}
	if _, err := n.ctx.CreateObject(n.session, keyAttrs); err != nil {
		return nil, failure.Rejected(op, err.Error(), fmt.Errorf("store private key: %w", err))
	}
	if _, err := n.ctx.CreateObject(n.session, certTemplate(d.cert, d.label, id)); err != nil {
		return nil, failure.Rejected(op, err.Error(), fmt.Errorf("store certificate: %w", err))
	}
	for _, ca := range d.chain {
		if present, err := n.hasCertificate(ca); err != nil || present {
			continue
		}
		if _, err := n.ctx.CreateObject(n.session, certTemplate(ca, ca.Subject.CommonName, nil)); err != nil {
			log.Warn("chain certificate not stored", "subject", ca.Subject.String(), "error", err)
		}
	}
	log.Info("identity imported into nss", "label", d.label)

	handle := &nssHandle{
		store: s.Label,
		cert:  d.cert,
		signer: &p11Signer{
			LibPath:    s.LibPath,
			ProfileDir: s.ProfileDir,
			ID:         id,
			PublicKey:  d.cert.PublicKey,
			log:        log,
		},
	}
	return []ImportedItem{{
		Label:    d.label,
		Identity: handle,
		Trust:    trust.NewChainHandle(d.cert, d.chain),
	}}, nil
}

func certTemplate(cert *x509.Certificate, label string, id []byte) []*pkcs11.Attribute {
	serial, _ := asn1.Marshal(cert.SerialNumber)
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, cert.RawSubject),
		pkcs11.NewAttribute(pkcs11.CKA_ISSUER, cert.RawIssuer),
		pkcs11.NewAttribute(pkcs11.CKA_SERIAL_NUMBER, serial),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, cert.Raw),
	}
	if id != nil {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	return attrs
}

var curveOIDs = map[elliptic.Curve]asn1.ObjectIdentifier{
	elliptic.P256(): {1, 2, 840, 10045, 3, 1, 7},
	elliptic.P384(): {1, 3, 132, 0, 34},
	elliptic.P521(): {1, 3, 132, 0, 35},
}

// privateKeyTemplate returns the object template for key and the CKA_ID
// NSS derives from the public value.
func privateKeyTemplate(key crypto.Signer, label string) ([]*pkcs11.Attribute, []byte, error) {
	common := func(keyType uint, id []byte) []*pkcs11.Attribute {
		return []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		}
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if len(k.Primes) != 2 {
			return nil, nil, errors.New("multi-prime RSA keys are not supported")
		}
		k.Precompute()
		sum := sha1.Sum(k.N.Bytes())
		id := sum[:]
		return append(common(pkcs11.CKK_RSA, id),
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, k.N.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(k.E)).Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_PRIVATE_EXPONENT, k.D.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_PRIME_1, k.Primes[0].Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_PRIME_2, k.Primes[1].Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_EXPONENT_1, k.Precomputed.Dp.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_EXPONENT_2, k.Precomputed.Dq.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_COEFFICIENT, k.Precomputed.Qinv.Bytes()),
		), id, nil
	case *ecdsa.PrivateKey:
		oid, ok := curveOIDs[k.Curve]
		if !ok {
			return nil, nil, fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
		}
		params, err := asn1.Marshal(oid)
		if err != nil {
			return nil, nil, err
		}
		ecdhKey, err := k.ECDH()
		if err != nil {
			return nil, nil, err
		}
		point := ecdhKey.PublicKey().Bytes()
		sum := sha1.Sum(point)
		id := sum[:]
		return append(common(pkcs11.CKK_EC, id),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, ecdhKey.Bytes()),
			pkcs11.NewAttribute(ckaNSSDB, point),
		), id, nil
	}
	return nil, nil, fmt.Errorf("unsupported key type %T", key)
}

type nssHandle struct {
	store  string
	cert   *x509.Certificate
	signer *p11Signer
}

func (h *nssHandle) ID() string                     { return fmt.Sprintf("nss:%s:%x", h.store, Fingerprint(h.cert)) }
func (h *nssHandle) Certificate() *x509.Certificate { return h.cert }
func (h *nssHandle) Signer() (crypto.Signer, error) { return h.signer, nil }

// p11Signer signs with a private key held in an NSS database, opening the
// database for each signature.
type p11Signer struct {
	LibPath    string
	ProfileDir string
	ID         []byte
	PublicKey  crypto.PublicKey
	log        *slog.Logger
}

func (s *p11Signer) Public() crypto.PublicKey { return s.PublicKey }

func (s *p11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var mech *pkcs11.Mechanism
	input := digest
	switch s.PublicKey.(type) {
	case *rsa.PublicKey:
		if _, ok := opts.(*rsa.PSSOptions); ok {
			return nil, errors.New("RSA-PSS is not supported by this signer")
		}
		prefix, err := digestInfoPrefix(opts.HashFunc())
		if err != nil {
			return nil, err
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		input = append(prefix, digest...)
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, fmt.Errorf("unsupported key type %T", s.PublicKey)
	}

	n, err := openNSS(s.LibPath, s.ProfileDir, false)
	if err != nil {
		return nil, fmt.Errorf("open nss database: %w", err)
	}
	defer n.Close()

	objs, err := n.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, s.ID),
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("private key %x not found in %s", s.ID, s.ProfileDir)
	}
	if err := n.ctx.SignInit(n.session, []*pkcs11.Mechanism{mech}, objs[0]); err != nil {
		return nil, err
	}
	sig, err := n.ctx.Sign(n.session, input)
	if err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("pkcs11 signature", "slot", n.slot, "size", len(sig))
	}
	if _, ok := s.PublicKey.(*ecdsa.PublicKey); ok {
		return ecdsaDER(sig)
	}
	return sig, nil
}

// ecdsaDER converts a PKCS#11 r||s signature to ASN.1.
func ecdsaDER(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length %d", len(sig))
	}
	half := len(sig) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(sig[:half]),
		new(big.Int).SetBytes(sig[half:]),
	})
}

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   pbe.OIDSHA1,
	crypto.SHA256: pbe.OIDSHA256,
	crypto.SHA384: pbe.OIDSHA384,
	crypto.SHA512: pbe.OIDSHA512,
}

// digestInfoPrefix returns the DER DigestInfo header CKM_RSA_PKCS expects
// in front of the raw digest.
func digestInfoPrefix(h crypto.Hash) ([]byte, error) {
	oid, ok := digestOIDs[h]
	if !ok {
		return nil, fmt.Errorf("unsupported hash %v", h)
	}
	full, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		Digest    []byte
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
		Digest:    make([]byte, h.Size()),
	})
	if err != nil {
		return nil, err
	}
	return full[:len(full)-h.Size()], nil
}
