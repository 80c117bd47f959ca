// Package container parses and serializes the PKCS#12 (RFC 7292) ASN.1
// structure. It performs no cryptography: encrypted contents and the
// integrity MAC are carried as opaque values.
package container

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
)

var (
	OIDData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDEncryptedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 6}
)

const pfxVersion = 3

// minContainerLen is the size of the smallest structure that could possibly
// be a PFX; anything shorter is rejected without parsing.
const minContainerLen = 10

// Container is a decoded PFX.
type Container struct {
	Version  int
	AuthSafe []ContentInfo
	// MacData is nil when the container carries no integrity MAC.
	MacData *MacData
	// AuthSafeRaw holds the content octets of the authenticated safe exactly
	// as the MAC covers them.
	AuthSafeRaw []byte

	lenient bool
}

// ContentInfo is one element of the authenticated safe: either plain Data
// carrying DER SafeContents, or EncryptedData.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	// Content holds the SafeContents octets of a Data element.
	Content []byte
	// Algorithm and EncryptedContent describe an EncryptedData element.
	Algorithm        pkix.AlgorithmIdentifier
	EncryptedContent []byte
}

func (ci ContentInfo) IsEncrypted() bool {
	return ci.ContentType.Equal(OIDEncryptedData)
}

// MacData is the PFX integrity block.
type MacData struct {
	Algorithm  pkix.AlgorithmIdentifier
	Digest     []byte
	Salt       []byte
	Iterations int
}

// DecodeOptions tunes Decode.
type DecodeOptions struct {
	// AllowBER accepts BER input (indefinite lengths, constructed OCTET
	// STRINGs) by normalizing it to DER first. Some legacy exporters
	// still produce it.
	AllowBER bool
}

// Decode parses a DER encoded PFX. Every failure is a MalformedContainer.
func Decode(der []byte) (*Container, error) {
	return DecodeWithOptions(der, DecodeOptions{})
}

// DecodeWithOptions is Decode with options.
func DecodeWithOptions(der []byte, opts DecodeOptions) (*Container, error) {
	c, err := decode(der, opts)
	if err != nil {
		return nil, failure.New(failure.MalformedContainer, "decode", err)
	}
	return c, nil
}

func decode(der []byte, opts DecodeOptions) (*Container, error) {
	if len(der) < minContainerLen {
		return nil, fmt.Errorf("input too short (%d bytes)", len(der))
	}
	if opts.AllowBER {
		normalized, err := normalizeBER(der, false)
		if err != nil {
			return nil, err
		}
		der = normalized
	}

	input := cryptobyte.String(der)
	var pfx cryptobyte.String
	if !input.ReadASN1(&pfx, cbasn1.SEQUENCE) {
		return nil, errors.New("not a DER SEQUENCE")
	}
	if !input.Empty() {
		return nil, errors.New("trailing data after PFX")
	}

	c := &Container{lenient: opts.AllowBER}
	if !pfx.ReadASN1Integer(&c.Version) {
		return nil, errors.New("invalid version")
	}
	if c.Version != pfxVersion {
		return nil, fmt.Errorf("unsupported PFX version %d", c.Version)
	}

	authSafe, err := readContentInfo(&pfx, opts.AllowBER)
	if err != nil {
		return nil, fmt.Errorf("authSafe: %w", err)
	}
	if !authSafe.ContentType.Equal(OIDData) {
		if authSafe.ContentType.Equal(OIDSignedData) {
			return nil, errors.New("public-key integrity mode is not supported")
		}
		return nil, fmt.Errorf("unexpected authSafe content type %v", authSafe.ContentType)
	}
	c.AuthSafeRaw = authSafe.Content

	if !pfx.Empty() {
		mac, err := readMacData(&pfx)
		if err != nil {
			return nil, fmt.Errorf("macData: %w", err)
		}
		c.MacData = mac
	}
	if !pfx.Empty() {
		return nil, errors.New("trailing data in PFX")
	}

	inner := c.AuthSafeRaw
	if opts.AllowBER {
		if inner, err = normalizeBER(inner, true); err != nil {
			return nil, fmt.Errorf("authenticated safe: %w", err)
		}
	}
	if c.AuthSafe, err = parseAuthenticatedSafe(inner, opts.AllowBER); err != nil {
		return nil, err
	}
	return c, nil
}

func parseAuthenticatedSafe(der []byte, lenient bool) ([]ContentInfo, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, errors.New("authenticated safe is not a DER SEQUENCE")
	}
	var infos []ContentInfo
	for !seq.Empty() {
		ci, err := readContentInfo(&seq, lenient)
		if err != nil {
			return nil, fmt.Errorf("content info %d: %w", len(infos), err)
		}
		infos = append(infos, ci)
	}
	return infos, nil
}

func readContentInfo(s *cryptobyte.String, lenient bool) (ContentInfo, error) {
	var ci ContentInfo
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return ci, errors.New("not a SEQUENCE")
	}
	if !seq.ReadASN1ObjectIdentifier(&ci.ContentType) {
		return ci, errors.New("invalid content type")
	}
	var explicit cryptobyte.String
	var present bool
	if !seq.ReadOptionalASN1(&explicit, &present, cbasn1.Tag(0).Constructed().ContextSpecific()) {
		return ci, errors.New("invalid content")
	}
	if !seq.Empty() {
		return ci, errors.New("trailing data in ContentInfo")
	}
	if !present {
		return ci, errors.New("missing content")
	}

	switch {
	case ci.ContentType.Equal(OIDData):
		var octets cryptobyte.String
		if !explicit.ReadASN1(&octets, cbasn1.OCTET_STRING) || !explicit.Empty() {
			return ci, errors.New("data content is not an OCTET STRING")
		}
		ci.Content = []byte(octets)
	case ci.ContentType.Equal(OIDEncryptedData):
		if err := readEncryptedData(&explicit, &ci, lenient); err != nil {
			return ci, err
		}
	default:
		// Kept opaque; the extractor decides whether it matters.
		ci.Content = []byte(explicit)
	}
	return ci, nil
}

func readEncryptedData(s *cryptobyte.String, ci *ContentInfo, lenient bool) error {
	var ed, eci cryptobyte.String
	var version int
	if !s.ReadASN1(&ed, cbasn1.SEQUENCE) || !s.Empty() {
		return errors.New("encrypted data is not a SEQUENCE")
	}
	if !ed.ReadASN1Integer(&version) || (version != 0 && version != 2) {
		return errors.New("invalid encrypted data version")
	}
	if !ed.ReadASN1(&eci, cbasn1.SEQUENCE) {
		return errors.New("invalid encrypted content info")
	}
	var contentType asn1.ObjectIdentifier
	if !eci.ReadASN1ObjectIdentifier(&contentType) || !contentType.Equal(OIDData) {
		return errors.New("encrypted content is not id-data")
	}
	alg, err := readAlgorithmIdentifier(&eci)
	if err != nil {
		return err
	}
	ci.Algorithm = alg
	var content cryptobyte.String
	switch {
	case eci.PeekASN1Tag(cbasn1.Tag(0).ContextSpecific()):
		if !eci.ReadASN1(&content, cbasn1.Tag(0).ContextSpecific()) {
			return errors.New("invalid encrypted content")
		}
		ci.EncryptedContent = []byte(content)
	case lenient && eci.PeekASN1Tag(cbasn1.Tag(0).Constructed().ContextSpecific()):
		// Segmented form left over from BER input.
		if !eci.ReadASN1(&content, cbasn1.Tag(0).Constructed().ContextSpecific()) {
			return errors.New("invalid encrypted content")
		}
		for !content.Empty() {
			var seg cryptobyte.String
			if !content.ReadASN1(&seg, cbasn1.OCTET_STRING) {
				return errors.New("invalid encrypted content segment")
			}
			ci.EncryptedContent = append(ci.EncryptedContent, seg...)
		}
	default:
		return errors.New("missing encrypted content")
	}
	if !eci.Empty() {
		return errors.New("trailing data in encrypted content info")
	}
	// unprotectedAttrs [1] may follow; they carry nothing we use.
	return nil
}

func readMacData(s *cryptobyte.String) (*MacData, error) {
	var seq, digestInfo cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, errors.New("not a SEQUENCE")
	}
	if !seq.ReadASN1(&digestInfo, cbasn1.SEQUENCE) {
		return nil, errors.New("invalid digest info")
	}
	md := &MacData{Iterations: 1}
	alg, err := readAlgorithmIdentifier(&digestInfo)
	if err != nil {
		return nil, err
	}
	md.Algorithm = alg
	var digest, salt cryptobyte.String
	if !digestInfo.ReadASN1(&digest, cbasn1.OCTET_STRING) || !digestInfo.Empty() {
		return nil, errors.New("invalid digest")
	}
	if !seq.ReadASN1(&salt, cbasn1.OCTET_STRING) {
		return nil, errors.New("invalid salt")
	}
	md.Digest, md.Salt = []byte(digest), []byte(salt)
	if !seq.Empty() {
		if !seq.ReadASN1Integer(&md.Iterations) || md.Iterations < 1 {
			return nil, errors.New("invalid iteration count")
		}
		if md.Iterations > pbe.MaxIterations {
			return nil, fmt.Errorf("mac iteration count %d above %d", md.Iterations, pbe.MaxIterations)
		}
	}
	if !seq.Empty() {
		return nil, errors.New("trailing data in MacData")
	}
	return md, nil
}

func readAlgorithmIdentifier(s *cryptobyte.String) (pkix.AlgorithmIdentifier, error) {
	var alg pkix.AlgorithmIdentifier
	var elem cryptobyte.String
	if !s.ReadASN1Element(&elem, cbasn1.SEQUENCE) {
		return alg, errors.New("invalid algorithm identifier")
	}
	rest, err := asn1.Unmarshal(elem, &alg)
	if err != nil || len(rest) != 0 {
		return alg, errors.New("invalid algorithm identifier")
	}
	return alg, nil
}

// ParseSafeContents parses SafeContents octets taken from this container,
// normalizing BER first when the container was decoded leniently.
func (c *Container) ParseSafeContents(der []byte) ([]SafeBag, error) {
	if c.lenient {
		normalized, err := normalizeBER(der, true)
		if err != nil {
			return nil, failure.New(failure.MalformedContainer, "parse safe contents", err)
		}
		der = normalized
	}
	return ParseSafeContents(der)
}

// Encode serializes contentInfos and mac into a DER PFX. The output depends
// only on the inputs.
func Encode(contentInfos []ContentInfo, mac *MacData) ([]byte, error) {
	authSafe, err := MarshalAuthenticatedSafe(contentInfos)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(authSafe, mac)
}

// EncodeRaw serializes a PFX around already marshaled authenticated safe
// octets, as returned by MarshalAuthenticatedSafe.
func EncodeRaw(authSafe []byte, mac *MacData) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(pfxVersion)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDData)
			b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(authSafe)
			})
		})
		if mac != nil {
			addMacData(b, mac)
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode PFX: %w", err)
	}
	return out, nil
}

// Encode re-serializes c.
func (c *Container) Encode() ([]byte, error) {
	return Encode(c.AuthSafe, c.MacData)
}

// MarshalAuthenticatedSafe returns the DER AuthenticatedSafe, which is the
// data the integrity MAC is computed over.
func MarshalAuthenticatedSafe(contentInfos []ContentInfo) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, ci := range contentInfos {
			addContentInfo(b, ci)
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode authenticated safe: %w", err)
	}
	return out, nil
}

func addContentInfo(b *cryptobyte.Builder, ci ContentInfo) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(ci.ContentType)
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			switch {
			case ci.ContentType.Equal(OIDData):
				b.AddASN1OctetString(ci.Content)
			case ci.ContentType.Equal(OIDEncryptedData):
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(0)
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(OIDData)
						addAlgorithmIdentifier(b, ci.Algorithm)
						b.AddASN1(cbasn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
							b.AddBytes(ci.EncryptedContent)
						})
					})
				})
			default:
				b.AddBytes(ci.Content)
			}
		})
	})
}

func addMacData(b *cryptobyte.Builder, mac *MacData) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addAlgorithmIdentifier(b, mac.Algorithm)
			b.AddASN1OctetString(mac.Digest)
		})
		b.AddASN1OctetString(mac.Salt)
		if mac.Iterations > 1 {
			b.AddASN1Int64(int64(mac.Iterations))
		}
	})
}

func addAlgorithmIdentifier(b *cryptobyte.Builder, alg pkix.AlgorithmIdentifier) {
	der, err := asn1.Marshal(alg)
	if err != nil {
		b.SetError(fmt.Errorf("marshal algorithm identifier: %w", err))
		return
	}
	b.AddBytes(der)
}
