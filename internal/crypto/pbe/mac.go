package pbe

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
)

// ErrMACMismatch is returned by VerifyMAC when the computed digest differs
// from the stored one; with a well-formed container this means the wrong
// passphrase was supplied.
var ErrMACMismatch = errors.New("mac verification failed")

var (
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// DigestFor returns the hash constructor registered for a MAC digest OID.
func DigestFor(oid asn1.ObjectIdentifier) (func() hash.Hash, error) {
	switch {
	case oid.Equal(OIDSHA1):
		return sha1.New, nil
	case oid.Equal(OIDSHA224):
		return sha256.New224, nil
	case oid.Equal(OIDSHA256):
		return sha256.New, nil
	case oid.Equal(OIDSHA384):
		return sha512.New384, nil
	case oid.Equal(OIDSHA512):
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: mac digest %v", ErrUnsupportedAlgorithm, oid)
}

// ComputeMAC returns the PKCS#12 integrity MAC of data: an HMAC keyed with
// the KDF output for diversifier 3, using the same hash for both.
func ComputeMAC(digest asn1.ObjectIdentifier, p Passphrase, salt []byte, iterations int, data []byte) ([]byte, error) {
	if err := checkIterations(iterations); err != nil {
		return nil, err
	}
	h, err := DigestFor(digest)
	if err != nil {
		return nil, err
	}
	bmp, err := p.BMPString()
	if err != nil {
		return nil, err
	}
	defer Zero(bmp)
	key := DeriveKey(h, salt, bmp, iterations, MACMaterialID, h().Size())
	defer Zero(key)

	mac := hmac.New(h, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyMAC checks expected against the MAC computed from p.
func VerifyMAC(digest asn1.ObjectIdentifier, p Passphrase, salt []byte, iterations int, data, expected []byte) error {
	got, err := ComputeMAC(digest, p, salt, iterations, data)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, expected) {
		return ErrMACMismatch
	}
	return nil
}
