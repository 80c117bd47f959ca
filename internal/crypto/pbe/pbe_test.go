package pbe

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyLongOutput(t *testing.T) {
	salt := []byte("\xff\xff\xff\xff\xff\xff\xff\xff")
	password, err := New("sesame").BMPString()
	require.NoError(t, err)

	key := DeriveKey(sha1.New, salt, password, 2048, KeyMaterialID, 24)
	require.Equal(t, "7cd9fd3e2b3be7691a44e3bef0f9ea0fb9b897d4e325d9d1", hex.EncodeToString(key))
}

func TestDeriveKeyLeadingZeroBlock(t *testing.T) {
	salt := []byte("\xf3\x7e\x05\xb5\x18\x32\x4b\x4b")
	key := DeriveKey(sha1.New, salt, []byte{0, 0}, 2048, KeyMaterialID, 24)
	require.Equal(t, "00f759ff47d14dd03665d5943cb3c4a39a2555c02aed66e1", hex.EncodeToString(key))
}

func TestComputeMACKnownVector(t *testing.T) {
	salt := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	message := []byte{11, 12, 13, 14, 15}
	want := []byte{0x18, 0x20, 0x3d, 0xff, 0x1e, 0x16, 0xf4, 0x92, 0xf2, 0xaf, 0xc8, 0x91, 0xa9, 0xba, 0xd6, 0xca, 0x9d, 0xee, 0x51, 0x93}

	got, err := ComputeMAC(OIDSHA1, New("Sesame open"), salt, 2048, message)
	require.NoError(t, err)
	require.Equal(t, want, got)

	err = VerifyMAC(OIDSHA1, New(""), salt, 2048, message, want)
	require.ErrorIs(t, err, ErrMACMismatch)
}

func TestEmptyAndAbsentPassphraseDiffer(t *testing.T) {
	empty, err := New("").BMPString()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0}, empty)

	absent, err := Absent().BMPString()
	require.NoError(t, err)
	require.Nil(t, absent)

	salt := []byte("saltsalt")
	data := []byte("authenticated safe")
	macEmpty, err := ComputeMAC(OIDSHA256, New(""), salt, 1000, data)
	require.NoError(t, err)
	macAbsent, err := ComputeMAC(OIDSHA256, Absent(), salt, 1000, data)
	require.NoError(t, err)
	require.NotEqual(t, macEmpty, macAbsent)

	require.True(t, New("").IsEmpty())
	require.False(t, New("").IsAbsent())
	require.True(t, Absent().IsAbsent())
	require.False(t, Absent().IsEmpty())
}

func TestPassphraseStringRedacts(t *testing.T) {
	require.Equal(t, "<redacted>", New("12345678").String())
	require.Equal(t, "<empty>", New("").String())
	require.Equal(t, "<absent>", Absent().String())
}

func TestBMPStringSurrogatePairs(t *testing.T) {
	got, err := New("k\U0001F511").BMPString()
	require.NoError(t, err)
	// U+1F511 is D83D DD11 in UTF-16.
	require.Equal(t, []byte{0x00, 'k', 0xd8, 0x3d, 0xdd, 0x11, 0x00, 0x00}, got)
}

func TestRC2Vectors(t *testing.T) {
	tests := []struct {
		key, plain, cipher string
		bits               int
	}{
		{"0000000000000000", "0000000000000000", "ebb773f993278eff", 63},
		{"ffffffffffffffff", "ffffffffffffffff", "278b27e42e2f0d49", 64},
		{"3000000000000000", "1000000000000001", "30649edf9be7d2c2", 64},
		{"88", "0000000000000000", "61a8a244adacccf0", 64},
		{"88bca90e90875a", "0000000000000000", "6ccf4308974c267f", 64},
		{"88bca90e90875a7f0f79c384627bafb2", "0000000000000000", "1a807d272bbe5db1", 64},
		{"88bca90e90875a7f0f79c384627bafb2", "0000000000000000", "2269552ab0f85ca6", 128},
	}
	for _, tt := range tests {
		key, _ := hex.DecodeString(tt.key)
		plain, _ := hex.DecodeString(tt.plain)
		want, _ := hex.DecodeString(tt.cipher)

		c := newRC2(key, tt.bits)
		got := make([]byte, 8)
		c.Encrypt(got, plain)
		if !bytes.Equal(got, want) {
			t.Fatalf("key %s/%d: encrypt got %x, want %x", tt.key, tt.bits, got, want)
		}
		back := make([]byte, 8)
		c.Decrypt(back, got)
		if !bytes.Equal(back, plain) {
			t.Fatalf("key %s/%d: decrypt got %x, want %x", tt.key, tt.bits, back, plain)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("a PKCS#8 private key would go here")
	for _, scheme := range []Scheme{PBES2AES256, PBES2AES128, SHA3DES, SHARC2With40Bit} {
		t.Run(scheme.String(), func(t *testing.T) {
			pw := New("12345678")
			alg, ct, err := Encrypt(rand.Reader, pw, Params{Scheme: scheme, Iterations: 1000, SaltLen: 8}, plaintext)
			require.NoError(t, err)
			require.NotEqual(t, plaintext, ct[:len(plaintext)])

			got, err := Decrypt(alg, pw, ct)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)

			_, err = Decrypt(alg, New("wrong"), ct)
			if err != nil && !errors.Is(err, ErrDecryption) {
				t.Fatalf("expected ErrDecryption, got %v", err)
			}
		})
	}
}

func TestEncryptFreshSaltEachCall(t *testing.T) {
	pw := New("")
	params := Params{Scheme: PBES2AES256, Iterations: 1000, SaltLen: 16}
	alg1, ct1, err := Encrypt(rand.Reader, pw, params, []byte("same input"))
	require.NoError(t, err)
	alg2, ct2, err := Encrypt(rand.Reader, pw, params, []byte("same input"))
	require.NoError(t, err)
	require.NotEqual(t, alg1.Parameters.FullBytes, alg2.Parameters.FullBytes)
	require.NotEqual(t, ct1, ct2)
}

func TestDecryptUnknownScheme(t *testing.T) {
	alg, ct, err := Encrypt(rand.Reader, New("x"), Params{Scheme: SHA3DES, Iterations: 1}, []byte("data"))
	require.NoError(t, err)
	alg.Algorithm = OIDSHA256
	_, err = Decrypt(alg, New("x"), ct)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

// withIterations rewrites the iteration count carried by alg.
func withIterations(t *testing.T, alg pkix.AlgorithmIdentifier, n int) pkix.AlgorithmIdentifier {
	t.Helper()
	remarshal := func(v any) asn1.RawValue {
		der, err := asn1.Marshal(v)
		require.NoError(t, err)
		return asn1.RawValue{FullBytes: der}
	}
	if !alg.Algorithm.Equal(OIDPBES2) {
		var params pbeParams
		require.NoError(t, unmarshalParams(alg.Parameters.FullBytes, &params))
		params.Iterations = n
		alg.Parameters = remarshal(params)
		return alg
	}
	var params pbes2Params
	require.NoError(t, unmarshalParams(alg.Parameters.FullBytes, &params))
	var kdf pbkdf2Params
	require.NoError(t, unmarshalParams(params.KeyDerivationFunc.Parameters.FullBytes, &kdf))
	kdf.Iterations = n
	params.KeyDerivationFunc.Parameters = remarshal(kdf)
	alg.Parameters = remarshal(params)
	return alg
}

func TestIterationCountBounded(t *testing.T) {
	for _, scheme := range []Scheme{PBES2AES256, SHA3DES, SHARC2With40Bit} {
		alg, ct, err := Encrypt(rand.Reader, New("x"), Params{Scheme: scheme, Iterations: 1000, SaltLen: 8}, []byte("data"))
		require.NoError(t, err)

		_, err = Decrypt(withIterations(t, alg, MaxIterations+1), New("x"), ct)
		require.ErrorIs(t, err, ErrIterationCount, "scheme %d", scheme)

		got, err := Decrypt(withIterations(t, alg, 1000), New("x"), ct)
		require.NoError(t, err, "scheme %d", scheme)
		require.Equal(t, []byte("data"), got)
	}

	_, _, err := Encrypt(rand.Reader, New("x"), Params{Scheme: SHA3DES, Iterations: MaxIterations + 1}, []byte("data"))
	require.ErrorIs(t, err, ErrIterationCount)

	_, err = ComputeMAC(OIDSHA1, New("x"), []byte("salt"), MaxIterations+1, []byte("data"))
	require.ErrorIs(t, err, ErrIterationCount)
	err = VerifyMAC(OIDSHA256, New("x"), []byte("salt"), 1<<31-1, []byte("data"), nil)
	require.ErrorIs(t, err, ErrIterationCount)
}

func TestZeroPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	ZeroPrivateKey(key)
	require.Zero(t, key.D.Sign())
	for _, p := range key.Primes {
		require.Zero(t, p.Sign())
	}
}

func TestPassphraseZero(t *testing.T) {
	p := New("secret")
	alias := p
	p.Zero()
	require.Equal(t, "\x00\x00\x00\x00\x00\x00", alias.Reveal())
}

func TestDescribe(t *testing.T) {
	alg, _, err := Encrypt(rand.Reader, New("x"), Params{Scheme: PBES2AES256, Iterations: 2048, SaltLen: 16}, []byte("data"))
	require.NoError(t, err)
	require.Equal(t, "PBES2/PBKDF2-HMAC-SHA256/AES-256-CBC, 2048 iterations", Describe(alg))

	alg, _, err = Encrypt(rand.Reader, New("x"), Params{Scheme: SHARC2With40Bit, Iterations: 2000, SaltLen: 8}, []byte("data"))
	require.NoError(t, err)
	require.Equal(t, "pbeWithSHAAnd40BitRC2-CBC, 2000 iterations", Describe(alg))

	require.Equal(t, "SHA-256", AlgorithmName(OIDSHA256))
	require.Equal(t, "1.2.3", AlgorithmName([]int{1, 2, 3}))
}
