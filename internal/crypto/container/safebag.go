package container

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

var (
	OIDKeyBag              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 1}
	OIDPKCS8ShroudedKeyBag = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 2}
	OIDCertBag             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 3}
	OIDCRLBag              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 4}
	OIDSecretBag           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 5}
	OIDSafeContentsBag     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 10, 1, 6}

	OIDCertTypeX509 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 22, 1}
	OIDCertTypeSDSI = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 22, 2}

	OIDFriendlyName = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 20}
	OIDLocalKeyID   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 21}
)

// SafeBag is one bag of a SafeContents.
type SafeBag struct {
	ID asn1.ObjectIdentifier
	// Value is the DER of the bag value, without the [0] EXPLICIT wrapper.
	Value      []byte
	Attributes []Attribute
}

// Attribute is a PKCS#12 bag attribute. Values hold complete DER elements.
type Attribute struct {
	ID     asn1.ObjectIdentifier
	Values [][]byte
}

// ParseSafeContents parses DER SafeContents into bags, in stored order.
func ParseSafeContents(der []byte) ([]SafeBag, error) {
	bags, err := parseSafeContents(der)
	if err != nil {
		return nil, failure.New(failure.MalformedContainer, "parse safe contents", err)
	}
	return bags, nil
}

func parseSafeContents(der []byte) ([]SafeBag, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, errors.New("safe contents is not a DER SEQUENCE")
	}
	var bags []SafeBag
	for !seq.Empty() {
		bag, err := readSafeBag(&seq)
		if err != nil {
			return nil, fmt.Errorf("bag %d: %w", len(bags), err)
		}
		bags = append(bags, bag)
	}
	return bags, nil
}

func readSafeBag(s *cryptobyte.String) (SafeBag, error) {
	var bag SafeBag
	var seq, value cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return bag, errors.New("not a SEQUENCE")
	}
	if !seq.ReadASN1ObjectIdentifier(&bag.ID) {
		return bag, errors.New("invalid bag id")
	}
	if !seq.ReadASN1(&value, cbasn1.Tag(0).Constructed().ContextSpecific()) {
		return bag, errors.New("invalid bag value")
	}
	bag.Value = []byte(value)

	if seq.PeekASN1Tag(cbasn1.SET) {
		var set cryptobyte.String
		if !seq.ReadASN1(&set, cbasn1.SET) {
			return bag, errors.New("invalid bag attributes")
		}
		for !set.Empty() {
			attr, err := readAttribute(&set)
			if err != nil {
				return bag, err
			}
			bag.Attributes = append(bag.Attributes, attr)
		}
	}
	if !seq.Empty() {
		return bag, errors.New("trailing data in SafeBag")
	}
	return bag, nil
}

func readAttribute(s *cryptobyte.String) (Attribute, error) {
	var attr Attribute
	var seq, values cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) ||
		!seq.ReadASN1ObjectIdentifier(&attr.ID) ||
		!seq.ReadASN1(&values, cbasn1.SET) ||
		!seq.Empty() {
		return attr, errors.New("invalid bag attribute")
	}
	for !values.Empty() {
		var elem cryptobyte.String
		var tag cbasn1.Tag
		if !values.ReadAnyASN1Element(&elem, &tag) {
			return attr, errors.New("invalid bag attribute value")
		}
		attr.Values = append(attr.Values, []byte(elem))
	}
	return attr, nil
}

// MarshalSafeContents serializes bags as DER SafeContents.
func MarshalSafeContents(bags []SafeBag) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, bag := range bags {
			addSafeBag(b, bag)
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode safe contents: %w", err)
	}
	return out, nil
}

func addSafeBag(b *cryptobyte.Builder, bag SafeBag) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(bag.ID)
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(bag.Value)
		})
		if len(bag.Attributes) == 0 {
			return
		}
		encoded := make([][]byte, 0, len(bag.Attributes))
		for _, attr := range bag.Attributes {
			der, err := marshalAttribute(attr)
			if err != nil {
				b.SetError(err)
				return
			}
			encoded = append(encoded, der)
		}
		addSetOf(b, encoded)
	})
}

func marshalAttribute(attr Attribute) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(attr.ID)
		addSetOf(b, attr.Values)
	})
	return b.Bytes()
}

// addSetOf writes a DER SET OF, whose elements must be sorted by encoding.
func addSetOf(b *cryptobyte.Builder, elems [][]byte) {
	sorted := slices.Clone(elems)
	slices.SortFunc(sorted, bytes.Compare)
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		for _, e := range sorted {
			b.AddBytes(e)
		}
	})
}

// FriendlyName returns the bag's friendlyName attribute.
func (bag SafeBag) FriendlyName() (string, bool) {
	for _, attr := range bag.Attributes {
		if !attr.ID.Equal(OIDFriendlyName) || len(attr.Values) == 0 {
			continue
		}
		var raw asn1.RawValue
		if _, err := asn1.Unmarshal(attr.Values[0], &raw); err != nil || raw.Tag != asn1.TagBMPString {
			return "", false
		}
		name, err := decodeBMPString(raw.Bytes)
		if err != nil {
			return "", false
		}
		return name, true
	}
	return "", false
}

// LocalKeyID returns the bag's localKeyID attribute, or nil.
func (bag SafeBag) LocalKeyID() []byte {
	for _, attr := range bag.Attributes {
		if !attr.ID.Equal(OIDLocalKeyID) || len(attr.Values) == 0 {
			continue
		}
		var id []byte
		if _, err := asn1.Unmarshal(attr.Values[0], &id); err != nil {
			return nil
		}
		return id
	}
	return nil
}

// FriendlyNameAttribute builds a friendlyName attribute holding name as a
// BMPString.
func FriendlyNameAttribute(name string) (Attribute, error) {
	u := utf16.Encode([]rune(name))
	raw := make([]byte, 0, 2*len(u))
	for _, c := range u {
		raw = append(raw, byte(c>>8), byte(c))
	}
	der, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagBMPString, Bytes: raw})
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{ID: OIDFriendlyName, Values: [][]byte{der}}, nil
}

// LocalKeyIDAttribute builds a localKeyID attribute.
func LocalKeyIDAttribute(id []byte) (Attribute, error) {
	der, err := asn1.Marshal(id)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{ID: OIDLocalKeyID, Values: [][]byte{der}}, nil
}

func decodeBMPString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("odd-length BMPString")
	}
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
	}
	// Some encoders include the NUL terminator.
	if n := len(u); n > 0 && u[n-1] == 0 {
		u = u[:n-1]
	}
	return string(utf16.Decode(u)), nil
}

type certBag struct {
	ID   asn1.ObjectIdentifier
	Data []byte `asn1:"tag:0,explicit"`
}

// ParseCertBag returns the certificate type and the encoded certificate of
// a CertBag value.
func ParseCertBag(value []byte) (asn1.ObjectIdentifier, []byte, error) {
	var cb certBag
	rest, err := asn1.Unmarshal(value, &cb)
	if err != nil {
		return nil, nil, failure.New(failure.MalformedContainer, "parse cert bag", err)
	}
	if len(rest) != 0 {
		return nil, nil, failure.Newf(failure.MalformedContainer, "parse cert bag", "trailing data")
	}
	return cb.ID, cb.Data, nil
}

// MarshalCertBag wraps an X.509 certificate as a CertBag value.
func MarshalCertBag(certDER []byte) ([]byte, error) {
	return asn1.Marshal(certBag{ID: OIDCertTypeX509, Data: certDER})
}

type encryptedPrivateKeyInfo struct {
	Algorithm     pkix.AlgorithmIdentifier
	EncryptedData []byte
}

// ParseEncryptedPrivateKeyInfo splits a PKCS8ShroudedKeyBag value.
func ParseEncryptedPrivateKeyInfo(value []byte) (pkix.AlgorithmIdentifier, []byte, error) {
	var info encryptedPrivateKeyInfo
	rest, err := asn1.Unmarshal(value, &info)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, failure.New(failure.MalformedContainer, "parse shrouded key bag", err)
	}
	if len(rest) != 0 {
		return pkix.AlgorithmIdentifier{}, nil, failure.Newf(failure.MalformedContainer, "parse shrouded key bag", "trailing data")
	}
	return info.Algorithm, info.EncryptedData, nil
}

// MarshalEncryptedPrivateKeyInfo builds a PKCS8ShroudedKeyBag value.
func MarshalEncryptedPrivateKeyInfo(alg pkix.AlgorithmIdentifier, ciphertext []byte) ([]byte, error) {
	return asn1.Marshal(encryptedPrivateKeyInfo{Algorithm: alg, EncryptedData: ciphertext})
}
