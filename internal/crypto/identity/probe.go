package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

var oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

type essCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	CertHash      []byte
}

// Probe signs a random nonce with h's key as CMS SignedData and verifies the
// result, proving the store can use the identity it reported.
func Probe(h Handle) error {
	cert := h.Certificate()
	if cert == nil {
		return errors.New("identity has no certificate")
	}
	signer, err := h.Signer()
	if err != nil {
		return fmt.Errorf("open signer: %w", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sd, err := pkcs7.NewSignedData(nonce)
	if err != nil {
		return fmt.Errorf("create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	certHash := sha256.Sum256(cert.Raw)
	attr, err := asn1.Marshal(signingCertificateV2{Certs: []essCertIDv2{{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: pkcs7.OIDDigestAlgorithmSHA256, Parameters: asn1.NullRawValue},
		CertHash:      certHash[:],
	}}})
	if err != nil {
		return fmt.Errorf("encode signingCertificateV2: %w", err)
	}
	cfg := pkcs7.SignerInfoConfig{ExtraSignedAttributes: []pkcs7.Attribute{
		{Type: oidSigningCertificateV2, Value: asn1.RawValue{FullBytes: attr}},
	}}
	if err := sd.AddSigner(cert, signer, cfg); err != nil {
		return fmt.Errorf("sign probe: %w", err)
	}
	der, err := sd.Finish()
	if err != nil {
		return fmt.Errorf("finish probe signature: %w", err)
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return fmt.Errorf("parse probe signature: %w", err)
	}
	if err := p7.Verify(); err != nil {
		return fmt.Errorf("verify probe signature: %w", err)
	}
	if !bytes.Equal(p7.Content, nonce) {
		return errors.New("probe signature covers different content")
	}
	var got signingCertificateV2
	if err := p7.UnmarshalSignedAttribute(oidSigningCertificateV2, &got); err != nil {
		return fmt.Errorf("read signingCertificateV2: %w", err)
	}
	if len(got.Certs) == 0 || !bytes.Equal(got.Certs[0].CertHash, certHash[:]) {
		return errors.New("probe signature names a different certificate")
	}
	if signed := p7.GetOnlySigner(); signed == nil || !bytes.Equal(signed.Raw, cert.Raw) {
		return errors.New("probe signature carries a different signer certificate")
	}
	return nil
}
