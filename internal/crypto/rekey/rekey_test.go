package rekey

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/container"
	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
	"github.com/vocdoni/gofirma/p12rekey/internal/failure"
	"github.com/vocdoni/gofirma/p12rekey/internal/testutil"
)

// fast keeps KDF work small; production builds use DefaultMinIterations.
var fast = WithMinIterations(100)

func extractBytes(t *testing.T, der []byte, p pbe.Passphrase) (*KeyMaterial, error) {
	t.Helper()
	c, err := container.Decode(der)
	require.NoError(t, err)
	return Extract(c, p)
}

func requireSameMaterial(t *testing.T, want, got *KeyMaterial) {
	t.Helper()
	key, ok := want.PrivateKey.(interface{ Equal(crypto.PrivateKey) bool })
	require.True(t, ok)
	require.True(t, key.Equal(got.PrivateKey), "private keys differ")
	require.True(t, want.Leaf.Equal(got.Leaf), "leaf certificates differ")
	require.ElementsMatch(t, rawSet(want.Chain), rawSet(got.Chain))
}

func rawSet(certs []*x509.Certificate) []string {
	out := make([]string, 0, len(certs))
	for _, c := range certs {
		out = append(out, string(c.Raw))
	}
	return out
}

func materialFor(chain *testutil.Chain) *KeyMaterial {
	return &KeyMaterial{PrivateKey: chain.Key, Leaf: chain.Leaf, Chain: chain.CACerts()}
}

func TestRoundTrip(t *testing.T) {
	for _, profile := range []Profile{ProfileModern, ProfileLegacy, ProfileLegacyRC2} {
		for _, rsaLeaf := range []bool{false, true} {
			name := string(profile) + "/ec"
			if rsaLeaf {
				name = string(profile) + "/rsa"
			}
			t.Run(name, func(t *testing.T) {
				chain := testutil.NewChain(t, "Round Trip", 2, rsaLeaf)
				src := materialFor(chain)

				c, der, err := Build(src, pbe.New("s3cret"), "Round Trip", WithProfile(profile), fast)
				require.NoError(t, err)
				reencoded, err := c.Encode()
				require.NoError(t, err)
				require.Equal(t, der, reencoded)

				got, err := extractBytes(t, der, pbe.New("s3cret"))
				require.NoError(t, err)
				requireSameMaterial(t, src, got)
				require.Equal(t, "Round Trip", got.FriendlyName)
				require.Len(t, got.LocalKeyID, 20)
				require.Equal(t, ExtractStats{KeyBags: 1, CertBags: 4}, got.Stats)
			})
		}
	}
}

func TestExtractWrongPassphrase(t *testing.T) {
	chain := testutil.NewChain(t, "Wrong Passphrase", 1, false)
	_, der, err := Build(materialFor(chain), pbe.New("right"), "x", fast)
	require.NoError(t, err)

	for _, p := range []pbe.Passphrase{pbe.New("wrong"), pbe.New("Right"), pbe.New(""), pbe.Absent()} {
		m, err := extractBytes(t, der, p)
		require.Nil(t, m)
		require.ErrorIs(t, err, failure.ErrIntegrityCheckFailed, "passphrase %v", p)
		require.Equal(t, failure.IntegrityCheckFailed, failure.KindOf(err))
	}
}

func TestEmptyAndAbsentPassphraseAreDistinct(t *testing.T) {
	chain := testutil.NewChain(t, "Empty", 1, false)

	for _, profile := range []Profile{ProfileModern, ProfileLegacy} {
		_, der, err := Build(materialFor(chain), pbe.New(""), "Empty", WithProfile(profile), fast)
		require.NoError(t, err)

		_, err = extractBytes(t, der, pbe.New(""))
		require.NoError(t, err, "profile %s", profile)

		_, err = extractBytes(t, der, pbe.Absent())
		require.ErrorIs(t, err, failure.ErrIntegrityCheckFailed, "profile %s", profile)
	}

	_, der, err := Build(materialFor(chain), pbe.New("not empty"), "Empty", fast)
	require.NoError(t, err)
	_, err = extractBytes(t, der, pbe.New(""))
	require.ErrorIs(t, err, failure.ErrIntegrityCheckFailed)
}

func TestBuildRejectsAbsentPassphrase(t *testing.T) {
	chain := testutil.NewChain(t, "Absent", 0, false)
	_, _, err := Build(materialFor(chain), pbe.Absent(), "x", fast)
	require.ErrorIs(t, err, ErrAbsentPassphrase)
}

func TestBuildIsFreshlyRandomized(t *testing.T) {
	chain := testutil.NewChain(t, "Fresh", 1, false)
	src := materialFor(chain)

	c1, a, err := Build(src, pbe.New("pw"), "Fresh")
	require.NoError(t, err)
	c2, b, err := Build(src, pbe.New("pw"), "Fresh")
	require.NoError(t, err)
	require.False(t, bytes.Equal(a, b))
	require.False(t, bytes.Equal(c1.MacData.Salt, c2.MacData.Salt))
	require.GreaterOrEqual(t, c1.MacData.Iterations, DefaultMinIterations)
	require.Less(t, c1.MacData.Iterations, DefaultMinIterations+iterationJitter)

	m1, err := extractBytes(t, a, pbe.New("pw"))
	require.NoError(t, err)
	m2, err := extractBytes(t, b, pbe.New("pw"))
	require.NoError(t, err)
	requireSameMaterial(t, m1, m2)
	requireSameMaterial(t, src, m1)
}

func TestBuildNeverReusesSourceParameters(t *testing.T) {
	chain := testutil.NewChain(t, "Source", 1, false)
	srcDER, err := pkcs12.LegacyDES.Encode(chain.Key, chain.Leaf, chain.CACerts(), "12345678")
	require.NoError(t, err)
	src, err := container.Decode(srcDER)
	require.NoError(t, err)

	m, err := Extract(src, pbe.New("12345678"))
	require.NoError(t, err)
	out, _, err := Build(m, pbe.New("12345678"), "x", WithProfile(ProfileLegacy), fast)
	require.NoError(t, err)

	require.False(t, bytes.Equal(src.MacData.Salt, out.MacData.Salt))
	for _, ci := range out.AuthSafe {
		for _, old := range src.AuthSafe {
			if ci.IsEncrypted() && old.IsEncrypted() {
				require.False(t, bytes.Equal(ci.Algorithm.Parameters.FullBytes, old.Algorithm.Parameters.FullBytes))
			}
		}
	}
}

// A leaf with two chain certificates under "12345678", re-encoded under an
// empty passphrase with a friendly name.
func TestRekeyToEmptyPassphrase(t *testing.T) {
	chain := testutil.NewChain(t, "Jane Doe", 1, true)
	require.Len(t, chain.CACerts(), 2)
	srcDER, err := pkcs12.Modern2023.Encode(chain.Key, chain.Leaf, chain.CACerts(), "12345678")
	require.NoError(t, err)

	m, err := extractBytes(t, srcDER, pbe.New("12345678"))
	require.NoError(t, err)
	require.True(t, chain.Leaf.Equal(m.Leaf))
	require.Len(t, m.Chain, 2)

	c, der, err := Build(m, pbe.New(""), "Friendly name", fast)
	require.NoError(t, err)
	m.Zero()

	certContents, err := pbe.Decrypt(c.AuthSafe[0].Algorithm, pbe.New(""), c.AuthSafe[0].EncryptedContent)
	require.NoError(t, err)
	certBags, err := container.ParseSafeContents(certContents)
	require.NoError(t, err)
	require.Len(t, certBags, 3)
	for _, bag := range certBags {
		name, ok := bag.FriendlyName()
		require.True(t, ok)
		require.Equal(t, "Friendly name", name)
	}
	_, leafDER, err := container.ParseCertBag(certBags[0].Value)
	require.NoError(t, err)
	require.Equal(t, chain.Leaf.Raw, leafDER, "leaf is stored first")

	keyBags, err := container.ParseSafeContents(c.AuthSafe[1].Content)
	require.NoError(t, err)
	require.Len(t, keyBags, 1)
	require.True(t, keyBags[0].ID.Equal(container.OIDPKCS8ShroudedKeyBag))
	require.Equal(t, certBags[0].LocalKeyID(), keyBags[0].LocalKeyID())

	got, err := extractBytes(t, der, pbe.New(""))
	require.NoError(t, err)
	require.Equal(t, "Friendly name", got.FriendlyName)
	require.True(t, chain.Leaf.Equal(got.Leaf))
	require.ElementsMatch(t, rawSet(chain.CACerts()), rawSet(got.Chain))
}

func TestRoundTripSupplementaryPlane(t *testing.T) {
	chain := testutil.NewChain(t, "Supplementary", 1, false)
	pass := pbe.New("p\U0001F600")

	for _, profile := range []Profile{ProfileModern, ProfileLegacy, ProfileLegacyRC2} {
		_, der, err := Build(materialFor(chain), pass, "Firma \U0001F58A", WithProfile(profile), fast)
		require.NoError(t, err, "profile %s", profile)

		got, err := extractBytes(t, der, pass)
		require.NoError(t, err, "profile %s", profile)
		require.Equal(t, "Firma \U0001F58A", got.FriendlyName)
		require.True(t, chain.Leaf.Equal(got.Leaf))

		_, err = extractBytes(t, der, pbe.New("p"))
		require.ErrorIs(t, err, failure.ErrIntegrityCheckFailed)
	}
}

func TestExtractKeyOnly(t *testing.T) {
	chain := testutil.NewChain(t, "Key Only", 0, false)
	der := keyOnlyContainer(t, chain.Key, pbe.New("pw"))

	m, err := extractBytes(t, der, pbe.New("pw"))
	require.Nil(t, m)
	require.ErrorIs(t, err, failure.ErrNoCertificateFound)
}

func TestExtractCertificatesOnly(t *testing.T) {
	chain := testutil.NewChain(t, "Trust Store", 1, false)
	der, err := pkcs12.Modern2023.EncodeTrustStore(chain.CACerts(), "pw")
	require.NoError(t, err)

	_, err = extractBytes(t, der, pbe.New("pw"))
	require.ErrorIs(t, err, failure.ErrNoKeyFound)
}

func TestExtractUnmatchedCertificate(t *testing.T) {
	a := testutil.NewChain(t, "Alice", 0, false)
	b := testutil.NewChain(t, "Bob", 0, false)
	_, der, err := Build(&KeyMaterial{PrivateKey: a.Key, Leaf: b.Leaf}, pbe.New("pw"), "x", fast)
	require.NoError(t, err)

	_, err = extractBytes(t, der, pbe.New("pw"))
	require.ErrorIs(t, err, failure.ErrNoCertificateFound)
	require.ErrorContains(t, err, "no certificate matches the private key")
}

func TestExtractWithoutMACReportsDecryption(t *testing.T) {
	chain := testutil.NewChain(t, "No MAC", 0, false)
	c, _, err := Build(materialFor(chain), pbe.New("pw"), "x", fast)
	require.NoError(t, err)
	der, err := container.EncodeRaw(c.AuthSafeRaw, nil)
	require.NoError(t, err)

	_, err = extractBytes(t, der, pbe.New("other"))
	require.ErrorIs(t, err, failure.ErrDecryptionFailed)

	m, err := extractBytes(t, der, pbe.New("pw"))
	require.NoError(t, err)
	require.True(t, chain.Leaf.Equal(m.Leaf))
}

func TestExtractBoundsIterationCounts(t *testing.T) {
	chain := testutil.NewChain(t, "Iterations", 0, false)

	c, _, err := Build(materialFor(chain), pbe.New("pw"), "x", fast)
	require.NoError(t, err)
	c.MacData.Iterations = 1 << 30
	_, err = Extract(c, pbe.New("pw"))
	require.ErrorIs(t, err, failure.ErrMalformedContainer)

	c, _, err = Build(materialFor(chain), pbe.New("pw"), "x", fast)
	require.NoError(t, err)
	c.MacData = nil
	c.AuthSafe[0].Algorithm = pbes2WithIterations(t, c.AuthSafe[0].Algorithm, 1<<30)
	_, err = Extract(c, pbe.New("pw"))
	require.ErrorIs(t, err, failure.ErrMalformedContainer)
}

// pbes2WithIterations rewrites the PBKDF2 iteration count of a PBES2
// algorithm identifier.
func pbes2WithIterations(t *testing.T, alg pkix.AlgorithmIdentifier, n int) pkix.AlgorithmIdentifier {
	t.Helper()
	require.True(t, alg.Algorithm.Equal(pbe.OIDPBES2))
	var params struct {
		KDF, Enc pkix.AlgorithmIdentifier
	}
	_, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params)
	require.NoError(t, err)
	var kdf struct {
		Salt       []byte
		Iterations int
		KeyLength  int                      `asn1:"optional"`
		PRF        pkix.AlgorithmIdentifier `asn1:"optional"`
	}
	_, err = asn1.Unmarshal(params.KDF.Parameters.FullBytes, &kdf)
	require.NoError(t, err)
	kdf.Iterations = n

	der, err := asn1.Marshal(kdf)
	require.NoError(t, err)
	params.KDF.Parameters = asn1.RawValue{FullBytes: der}
	der, err = asn1.Marshal(params)
	require.NoError(t, err)
	alg.Parameters = asn1.RawValue{FullBytes: der}
	return alg
}

func TestExtractInteropEncoders(t *testing.T) {
	for name, enc := range map[string]*pkcs12.Encoder{
		"modern":    pkcs12.Modern2023,
		"legacyDES": pkcs12.LegacyDES,
		"legacyRC2": pkcs12.LegacyRC2,
	} {
		t.Run(name, func(t *testing.T) {
			chain := testutil.NewChain(t, "Interop", 2, true)
			der, err := enc.Encode(chain.Key, chain.Leaf, chain.CACerts(), "interop")
			require.NoError(t, err)

			m, err := extractBytes(t, der, pbe.New("interop"))
			require.NoError(t, err)
			requireSameMaterial(t, materialFor(chain), m)
		})
	}
}

func TestExtractPasswordless(t *testing.T) {
	chain := testutil.NewChain(t, "Passwordless", 0, false)
	der, err := pkcs12.Passwordless.Encode(chain.Key, chain.Leaf, nil, "")
	require.NoError(t, err)

	c, err := container.Decode(der)
	require.NoError(t, err)
	require.Nil(t, c.MacData)
	m, err := Extract(c, pbe.New(""))
	require.NoError(t, err)
	require.True(t, chain.Leaf.Equal(m.Leaf))
}

func TestBuiltContainerDecodesWithPKCS12Library(t *testing.T) {
	for _, profile := range []Profile{ProfileModern, ProfileLegacy, ProfileLegacyRC2} {
		t.Run(string(profile), func(t *testing.T) {
			chain := testutil.NewChain(t, "Library", 2, false)
			_, der, err := Build(materialFor(chain), pbe.New("library"), "Library", WithProfile(profile), fast)
			require.NoError(t, err)

			key, leaf, cas, err := pkcs12.DecodeChain(der, "library")
			require.NoError(t, err)
			require.True(t, chain.Leaf.Equal(leaf))
			require.True(t, chain.Key.(interface{ Equal(crypto.PrivateKey) bool }).Equal(key))
			require.ElementsMatch(t, rawSet(chain.CACerts()), rawSet(cas))
		})
	}
}

func TestSortedChain(t *testing.T) {
	chain := testutil.NewChain(t, "Sorted", 2, false)
	m := &KeyMaterial{
		Leaf:  chain.Leaf,
		Chain: []*x509.Certificate{chain.Root, chain.Intermediates[1], chain.Intermediates[0]},
	}
	sorted := m.SortedChain()
	require.Len(t, sorted, 3)
	require.True(t, sorted[0].Equal(chain.Intermediates[0]))
	require.True(t, sorted[1].Equal(chain.Intermediates[1]))
	require.True(t, sorted[2].Equal(chain.Root))

	stranger := testutil.NewChain(t, "Stranger", 0, false)
	m.Chain = append(m.Chain, stranger.Root)
	require.True(t, m.SortedChain()[3].Equal(stranger.Root))
}

func TestZero(t *testing.T) {
	chain := testutil.NewChain(t, "Zero", 0, false)
	_, der, err := Build(materialFor(chain), pbe.New("pw"), "x", fast)
	require.NoError(t, err)
	m, err := extractBytes(t, der, pbe.New("pw"))
	require.NoError(t, err)

	buf := m.pkcs8
	require.NotEmpty(t, buf)
	m.Zero()
	require.Nil(t, m.PrivateKey)
	require.Equal(t, make([]byte, len(buf)), buf)

	_, _, err = Build(m, pbe.New("pw"), "x", fast)
	require.Error(t, err)
}

func TestParseProfile(t *testing.T) {
	for in, want := range map[string]Profile{"": ProfileModern, "MODERN": ProfileModern, " legacy ": ProfileLegacy, "legacy-rc2": ProfileLegacyRC2} {
		got, err := ParseProfile(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseProfile("aes")
	require.Error(t, err)
}

func TestBuildRandomFailure(t *testing.T) {
	chain := testutil.NewChain(t, "Rand", 0, false)
	_, _, err := Build(materialFor(chain), pbe.New("pw"), "x", WithRand(failingReader{}), fast)
	require.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func keyOnlyContainer(t *testing.T, key crypto.Signer, p pbe.Passphrase) []byte {
	t.Helper()
	o := buildOptions{rand: rand.Reader, minIterations: 100}
	algs, err := ProfileModern.algs()
	require.NoError(t, err)
	bag, err := o.shroudKey(&KeyMaterial{PrivateKey: key}, p, algs)
	require.NoError(t, err)
	contents, err := container.MarshalSafeContents([]container.SafeBag{bag})
	require.NoError(t, err)
	authSafe, err := container.MarshalAuthenticatedSafe([]container.ContentInfo{{ContentType: container.OIDData, Content: contents}})
	require.NoError(t, err)
	mac, err := o.mac(p, algs, authSafe)
	require.NoError(t, err)
	der, err := container.EncodeRaw(authSafe, mac)
	require.NoError(t, err)
	return der
}
