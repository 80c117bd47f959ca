package rekey

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/container"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

const maxSafeContentsDepth = 8

// Extract verifies the container's integrity MAC with p, decrypts its bags
// and returns the key material. The first key bag in stored order is used;
// the leaf is the certificate carrying that key's public key and every other
// X.509 certificate goes to the chain.
func Extract(c *container.Container, p pbe.Passphrase) (*KeyMaterial, error) {
	if c.MacData != nil {
		if err := verifyIntegrity(c, p); err != nil {
			return nil, err
		}
	}

	var bags []container.SafeBag
	for i, ci := range c.AuthSafe {
		var contents []byte
		switch {
		case ci.ContentType.Equal(container.OIDData):
			contents = ci.Content
		case ci.IsEncrypted():
			plain, err := pbe.Decrypt(ci.Algorithm, p, ci.EncryptedContent)
			if err != nil {
				return nil, decryptFailure(fmt.Sprintf("decrypt safe %d", i), err)
			}
			contents = plain
		default:
			// Enveloped safes need a recipient key we do not have.
			continue
		}
		parsed, err := c.ParseSafeContents(contents)
		if err != nil {
			if ci.IsEncrypted() {
				return nil, failure.New(failure.DecryptionFailed, fmt.Sprintf("decrypt safe %d", i), err)
			}
			return nil, err
		}
		flat, err := flatten(c, parsed, 0)
		if err != nil {
			return nil, err
		}
		bags = append(bags, flat...)
	}

	m := &KeyMaterial{}
	var keyBag *container.SafeBag
	var certs []*x509.Certificate
	var certBags []container.SafeBag
	for i := range bags {
		bag := bags[i]
		switch {
		case bag.ID.Equal(container.OIDKeyBag), bag.ID.Equal(container.OIDPKCS8ShroudedKeyBag):
			m.Stats.KeyBags++
			if keyBag == nil {
				keyBag = &bags[i]
			} else {
				m.Stats.SkippedBags++
			}
		case bag.ID.Equal(container.OIDCertBag):
			typ, der, err := container.ParseCertBag(bag.Value)
			if err != nil {
				return nil, err
			}
			if !typ.Equal(container.OIDCertTypeX509) {
				m.Stats.SkippedBags++
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, failure.New(failure.MalformedContainer, "parse certificate", err)
			}
			m.Stats.CertBags++
			certs = append(certs, cert)
			certBags = append(certBags, bag)
		default:
			m.Stats.SkippedBags++
		}
	}

	if keyBag == nil {
		return nil, failure.New(failure.NoKeyFound, "extract", errors.New("container holds no key bag"))
	}
	if len(certs) == 0 {
		return nil, failure.New(failure.NoCertificateFound, "extract", errors.New("container holds no certificate bag"))
	}

	key, pkcs8, err := decryptKey(*keyBag, p)
	if err != nil {
		return nil, err
	}
	m.PrivateKey, m.pkcs8 = key, pkcs8

	leafIdx := -1
	for i, cert := range certs {
		if matchesKey(cert, key.Public()) {
			leafIdx = i
			break
		}
	}
	if leafIdx < 0 {
		m.Zero()
		return nil, failure.New(failure.NoCertificateFound, "extract", errors.New("no certificate matches the private key"))
	}
	m.Leaf = certs[leafIdx]
	for i, cert := range certs {
		if i == leafIdx || bytes.Equal(cert.Raw, m.Leaf.Raw) || containsCert(m.Chain, cert) {
			continue
		}
		m.Chain = append(m.Chain, cert)
	}

	m.LocalKeyID = keyBag.LocalKeyID()
	if name, ok := keyBag.FriendlyName(); ok {
		m.FriendlyName = name
	} else if name, ok := certBags[leafIdx].FriendlyName(); ok {
		m.FriendlyName = name
	}
	return m, nil
}

func verifyIntegrity(c *container.Container, p pbe.Passphrase) error {
	md := c.MacData
	err := pbe.VerifyMAC(md.Algorithm.Algorithm, p, md.Salt, md.Iterations, c.AuthSafeRaw, md.Digest)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pbe.ErrIterationCount):
		return failure.New(failure.MalformedContainer, "verify mac", err)
	}
	return failure.New(failure.IntegrityCheckFailed, "verify mac", err)
}

// decryptFailure classifies a pbe.Decrypt error. An out of range iteration
// count is a property of the file, not of the passphrase.
func decryptFailure(op string, err error) error {
	if errors.Is(err, pbe.ErrIterationCount) {
		return failure.New(failure.MalformedContainer, op, err)
	}
	return failure.New(failure.DecryptionFailed, op, err)
}

// flatten expands nested SafeContentsBags in place.
func flatten(c *container.Container, bags []container.SafeBag, depth int) ([]container.SafeBag, error) {
	if depth > maxSafeContentsDepth {
		return nil, failure.Newf(failure.MalformedContainer, "parse safe contents", "nesting deeper than %d", maxSafeContentsDepth)
	}
	var out []container.SafeBag
	for _, bag := range bags {
		if !bag.ID.Equal(container.OIDSafeContentsBag) {
			out = append(out, bag)
			continue
		}
		inner, err := c.ParseSafeContents(bag.Value)
		if err != nil {
			return nil, err
		}
		expanded, err := flatten(c, inner, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func decryptKey(bag container.SafeBag, p pbe.Passphrase) (crypto.Signer, []byte, error) {
	pkcs8 := bag.Value
	if bag.ID.Equal(container.OIDPKCS8ShroudedKeyBag) {
		alg, ct, err := container.ParseEncryptedPrivateKeyInfo(bag.Value)
		if err != nil {
			return nil, nil, err
		}
		if pkcs8, err = pbe.Decrypt(alg, p, ct); err != nil {
			return nil, nil, decryptFailure("decrypt key bag", err)
		}
	} else {
		pkcs8 = append([]byte{}, pkcs8...)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		pbe.Zero(pkcs8)
		return nil, nil, failure.New(failure.DecryptionFailed, "parse private key", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		pbe.Zero(pkcs8)
		return nil, nil, failure.Newf(failure.DecryptionFailed, "parse private key", "unsupported key type %T", parsed)
	}
	return signer, pkcs8, nil
}

func containsCert(list []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range list {
		if bytes.Equal(c.Raw, cert.Raw) {
			return true
		}
	}
	return false
}
