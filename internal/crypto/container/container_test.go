package container

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
	"github.com/vocdoni/gofirma/p12rekey/internal/testutil"
)

func encodeFixture(t *testing.T, enc *pkcs12.Encoder) []byte {
	t.Helper()
	chain := testutil.NewChain(t, "Container Test", 2, false)
	der, err := enc.Encode(chain.Key, chain.Leaf, chain.CACerts(), "12345678")
	require.NoError(t, err)
	return der
}

func TestDecodeTruncatedBlob(t *testing.T) {
	_, err := Decode([]byte{0x30, 0x82, 0x01, 0x00, 0x02, 0x01, 0x03, 0x30, 0x00, 0x00})
	require.ErrorIs(t, err, failure.ErrMalformedContainer)
}

func TestDecodeRejectsShortAndGarbage(t *testing.T) {
	for _, in := range [][]byte{nil, {0x30}, []byte("not-a-pkcs12-container")} {
		_, err := Decode(in)
		if !errors.Is(err, failure.ErrMalformedContainer) {
			t.Fatalf("input %x: expected ErrMalformedContainer, got %v", in, err)
		}
	}
}

func TestDecodeTruncatedValidContainer(t *testing.T) {
	der := encodeFixture(t, pkcs12.Modern2023)
	for _, n := range []int{10, len(der) / 2, len(der) - 1} {
		_, err := Decode(der[:n])
		require.ErrorIs(t, err, failure.ErrMalformedContainer, "prefix of %d bytes", n)
	}
}

func TestDecodeInteropEncoders(t *testing.T) {
	for name, enc := range map[string]*pkcs12.Encoder{
		"modern":    pkcs12.Modern2023,
		"legacyDES": pkcs12.LegacyDES,
		"legacyRC2": pkcs12.LegacyRC2,
	} {
		t.Run(name, func(t *testing.T) {
			der := encodeFixture(t, enc)
			c, err := Decode(der)
			require.NoError(t, err)
			require.Equal(t, 3, c.Version)
			require.NotNil(t, c.MacData)
			require.NotEmpty(t, c.AuthSafe)

			var bags int
			for _, ci := range c.AuthSafe {
				if ci.IsEncrypted() {
					require.NotEmpty(t, ci.EncryptedContent)
					continue
				}
				parsed, err := c.ParseSafeContents(ci.Content)
				require.NoError(t, err)
				bags += len(parsed)
			}
			require.Positive(t, bags)

			// Re-encoding a strictly decoded container reproduces it byte for byte.
			out, err := c.Encode()
			require.NoError(t, err)
			require.Equal(t, der, out)
		})
	}
}

func TestDecodeBoundsMacIterations(t *testing.T) {
	c, err := Decode(encodeFixture(t, pkcs12.Modern2023))
	require.NoError(t, err)

	mac := *c.MacData
	mac.Iterations = pbe.MaxIterations + 1
	der, err := EncodeRaw(c.AuthSafeRaw, &mac)
	require.NoError(t, err)
	_, err = Decode(der)
	require.ErrorIs(t, err, failure.ErrMalformedContainer)

	mac.Iterations = pbe.MaxIterations
	der, err = EncodeRaw(c.AuthSafeRaw, &mac)
	require.NoError(t, err)
	got, err := Decode(der)
	require.NoError(t, err)
	require.Equal(t, pbe.MaxIterations, got.MacData.Iterations)
}

func TestDecodeRejectsWrongTopLevelOID(t *testing.T) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(3)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDEncryptedData)
			b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1OctetString([]byte{0x30, 0x00})
			})
		})
	})
	der, err := b.Bytes()
	require.NoError(t, err)

	_, err = Decode(der)
	require.ErrorIs(t, err, failure.ErrMalformedContainer)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	der := encodeFixture(t, pkcs12.Modern2023)
	_, err := Decode(append(der, 0x00))
	require.ErrorIs(t, err, failure.ErrMalformedContainer)
}

func TestDecodeBER(t *testing.T) {
	der := encodeFixture(t, pkcs12.LegacyDES)
	ber := indefiniteOuter(t, der)

	_, err := Decode(ber)
	require.ErrorIs(t, err, failure.ErrMalformedContainer, "strict decode must reject BER")

	c, err := DecodeWithOptions(ber, DecodeOptions{AllowBER: true})
	require.NoError(t, err)
	strict, err := Decode(der)
	require.NoError(t, err)
	require.Equal(t, strict.AuthSafeRaw, c.AuthSafeRaw)
	require.Len(t, c.AuthSafe, len(strict.AuthSafe))
}

func TestEncodeDeterministic(t *testing.T) {
	fn, err := FriendlyNameAttribute("Friendly name")
	require.NoError(t, err)
	id, err := LocalKeyIDAttribute([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	certBag, err := MarshalCertBag([]byte{0x30, 0x03, 0x02, 0x01, 0x01})
	require.NoError(t, err)

	sc, err := MarshalSafeContents([]SafeBag{{ID: OIDCertBag, Value: certBag, Attributes: []Attribute{id, fn}}})
	require.NoError(t, err)
	infos := []ContentInfo{{ContentType: OIDData, Content: sc}}

	a, err := Encode(infos, nil)
	require.NoError(t, err)
	b, err := Encode(infos, nil)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b))

	c, err := Decode(a)
	require.NoError(t, err)
	require.Nil(t, c.MacData)
	bags, err := c.ParseSafeContents(c.AuthSafe[0].Content)
	require.NoError(t, err)
	require.Len(t, bags, 1)

	name, ok := bags[0].FriendlyName()
	require.True(t, ok)
	require.Equal(t, "Friendly name", name)
	require.Equal(t, []byte{1, 2, 3, 4}, bags[0].LocalKeyID())

	typ, value, err := ParseCertBag(bags[0].Value)
	require.NoError(t, err)
	require.True(t, typ.Equal(OIDCertTypeX509))
	require.Equal(t, []byte{0x30, 0x03, 0x02, 0x01, 0x01}, value)
}

func TestFriendlyNameAttributeSurrogatePairs(t *testing.T) {
	fn, err := FriendlyNameAttribute("key \U0001F511")
	require.NoError(t, err)
	require.Len(t, fn.Values, 1)
	require.Equal(t, []byte{0x00, 'k', 0x00, 'e', 0x00, 'y', 0x00, ' ', 0xd8, 0x3d, 0xdd, 0x11}, fn.Values[0][2:])

	name, ok := SafeBag{ID: OIDCertBag, Attributes: []Attribute{fn}}.FriendlyName()
	require.True(t, ok)
	require.Equal(t, "key \U0001F511", name)
}

// indefiniteOuter re-encodes the outer PFX SEQUENCE with an indefinite
// length and splits the authSafe OCTET STRING into two segments.
func indefiniteOuter(t *testing.T, der []byte) []byte {
	t.Helper()
	input := cryptobyte.String(der)
	var pfx cryptobyte.String
	require.True(t, input.ReadASN1(&pfx, cbasn1.SEQUENCE))

	var version, authSafe cryptobyte.String
	require.True(t, pfx.ReadASN1Element(&version, cbasn1.INTEGER))
	require.True(t, pfx.ReadASN1(&authSafe, cbasn1.SEQUENCE))
	rest := []byte(pfx)

	var oid, explicit, octets cryptobyte.String
	require.True(t, authSafe.ReadASN1Element(&oid, cbasn1.OBJECT_IDENTIFIER))
	require.True(t, authSafe.ReadASN1(&explicit, cbasn1.Tag(0).Constructed().ContextSpecific()))
	require.True(t, explicit.ReadASN1(&octets, cbasn1.OCTET_STRING))

	half := len(octets) / 2
	var seg cryptobyte.Builder
	seg.AddASN1OctetString(octets[:half])
	seg.AddASN1OctetString(octets[half:])
	segments, err := seg.Bytes()
	require.NoError(t, err)

	out := []byte{0x30, 0x80}
	out = append(out, version...)
	out = append(out, 0x30, 0x80)
	out = append(out, oid...)
	out = append(out, 0xa0, 0x80, 0x24, 0x80)
	out = append(out, segments...)
	out = append(out, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
	out = append(out, rest...)
	return append(out, 0x00, 0x00)
}
