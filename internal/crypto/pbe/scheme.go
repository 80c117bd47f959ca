package pbe

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
	ErrDecryption           = errors.New("decryption failed: incorrect password or corrupted data")
	ErrIterationCount       = errors.New("iteration count out of range")
)

// MaxIterations bounds the KDF and MAC iteration counts accepted from a
// container.
const MaxIterations = 10_000_000

func checkIterations(n int) error {
	if n < 1 || n > MaxIterations {
		return fmt.Errorf("%w: %d", ErrIterationCount, n)
	}
	return nil
}

var (
	OIDPBEWithSHAAnd3KeyTripleDESCBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 3}
	OIDPBEWithSHAAnd2KeyTripleDESCBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 4}
	OIDPBEWithSHAAnd128BitRC2CBC     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 5}
	OIDPBEWithSHAAnd40BitRC2CBC      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 6}

	OIDPBES2  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	OIDPBKDF2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}

	OIDHMACWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	OIDHMACWithSHA224 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 8}
	OIDHMACWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	OIDHMACWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 10}
	OIDHMACWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 11}

	OIDAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	OIDAES192CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	OIDAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
	OIDDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
)

// Scheme names an encryption scheme this package can produce.
type Scheme int

const (
	// PBES2 with PBKDF2-HMAC-SHA256 and AES-256-CBC.
	PBES2AES256 Scheme = iota + 1
	// PBES2 with PBKDF2-HMAC-SHA256 and AES-128-CBC.
	PBES2AES128
	// pbeWithSHAAnd3-KeyTripleDES-CBC.
	SHA3DES
	// pbeWithSHAAnd40BitRC2-CBC.
	SHARC2With40Bit
)

func (s Scheme) String() string {
	switch s {
	case PBES2AES256:
		return "PBES2/PBKDF2-HMAC-SHA256/AES-256-CBC"
	case PBES2AES128:
		return "PBES2/PBKDF2-HMAC-SHA256/AES-128-CBC"
	case SHA3DES:
		return "pbeWithSHAAnd3-KeyTripleDES-CBC"
	case SHARC2With40Bit:
		return "pbeWithSHAAnd40BitRC2-CBC"
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// Params selects a scheme and the freshly generated KDF parameters for one
// encryption.
type Params struct {
	Scheme     Scheme
	Iterations int
	SaltLen    int
}

type pbeParams struct {
	Salt       []byte
	Iterations int
}

type pbes2Params struct {
	KeyDerivationFunc pkix.AlgorithmIdentifier
	EncryptionScheme  pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt       asn1.RawValue
	Iterations int
	KeyLength  int                      `asn1:"optional"`
	PRF        pkix.AlgorithmIdentifier `asn1:"optional"`
}

// legacyCipher describes the PKCS#12 PBE schemes of RFC 7292, Appendix C.
type legacyCipher struct {
	keyLen int
	newFn  func(key []byte) (cipher.Block, error)
}

func legacyCipherFor(oid asn1.ObjectIdentifier) (legacyCipher, bool) {
	switch {
	case oid.Equal(OIDPBEWithSHAAnd3KeyTripleDESCBC):
		return legacyCipher{keyLen: 24, newFn: des.NewTripleDESCipher}, true
	case oid.Equal(OIDPBEWithSHAAnd2KeyTripleDESCBC):
		return legacyCipher{keyLen: 16, newFn: func(key []byte) (cipher.Block, error) {
			k := make([]byte, 24)
			copy(k, key)
			copy(k[16:], key[:8])
			return des.NewTripleDESCipher(k)
		}}, true
	case oid.Equal(OIDPBEWithSHAAnd128BitRC2CBC):
		return legacyCipher{keyLen: 16, newFn: func(key []byte) (cipher.Block, error) {
			return newRC2(key, 128), nil
		}}, true
	case oid.Equal(OIDPBEWithSHAAnd40BitRC2CBC):
		return legacyCipher{keyLen: 5, newFn: func(key []byte) (cipher.Block, error) {
			return newRC2(key, 40), nil
		}}, true
	}
	return legacyCipher{}, false
}

// Decrypt decrypts ciphertext encrypted under the scheme described by alg.
func Decrypt(alg pkix.AlgorithmIdentifier, p Passphrase, ciphertext []byte) ([]byte, error) {
	block, iv, err := blockFor(alg, p)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrDecryption
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	plain, err := unpad(out, bs)
	if err != nil {
		Zero(out)
		return nil, err
	}
	return plain, nil
}

func blockFor(alg pkix.AlgorithmIdentifier, p Passphrase) (cipher.Block, []byte, error) {
	if lc, ok := legacyCipherFor(alg.Algorithm); ok {
		var params pbeParams
		if err := unmarshalParams(alg.Parameters.FullBytes, &params); err != nil {
			return nil, nil, err
		}
		if err := checkIterations(params.Iterations); err != nil {
			return nil, nil, err
		}
		bmp, err := p.BMPString()
		if err != nil {
			return nil, nil, err
		}
		defer Zero(bmp)
		key := DeriveKey(sha1.New, params.Salt, bmp, params.Iterations, KeyMaterialID, lc.keyLen)
		defer Zero(key)
		iv := DeriveKey(sha1.New, params.Salt, bmp, params.Iterations, IVMaterialID, 8)
		block, err := lc.newFn(key)
		if err != nil {
			return nil, nil, err
		}
		return block, iv, nil
	}
	if alg.Algorithm.Equal(OIDPBES2) {
		return pbes2Block(alg.Parameters.FullBytes, p)
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, alg.Algorithm)
}

func pbes2Block(raw []byte, p Passphrase) (cipher.Block, []byte, error) {
	var params pbes2Params
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, nil, err
	}
	if !params.KeyDerivationFunc.Algorithm.Equal(OIDPBKDF2) {
		return nil, nil, fmt.Errorf("%w: key derivation %v", ErrUnsupportedAlgorithm, params.KeyDerivationFunc.Algorithm)
	}
	var kdf pbkdf2Params
	if err := unmarshalParams(params.KeyDerivationFunc.Parameters.FullBytes, &kdf); err != nil {
		return nil, nil, err
	}
	if err := checkIterations(kdf.Iterations); err != nil {
		return nil, nil, err
	}
	if kdf.Salt.Tag != asn1.TagOctetString {
		return nil, nil, fmt.Errorf("%w: only specified PBKDF2 salts are supported", ErrUnsupportedAlgorithm)
	}
	prf := sha1.New
	if len(kdf.PRF.Algorithm) > 0 {
		var ok bool
		if prf, ok = hmacHashFor(kdf.PRF.Algorithm); !ok {
			return nil, nil, fmt.Errorf("%w: PRF %v", ErrUnsupportedAlgorithm, kdf.PRF.Algorithm)
		}
	}

	enc := params.EncryptionScheme
	var keyLen int
	var newFn func([]byte) (cipher.Block, error)
	switch {
	case enc.Algorithm.Equal(OIDAES128CBC):
		keyLen, newFn = 16, aes.NewCipher
	case enc.Algorithm.Equal(OIDAES192CBC):
		keyLen, newFn = 24, aes.NewCipher
	case enc.Algorithm.Equal(OIDAES256CBC):
		keyLen, newFn = 32, aes.NewCipher
	case enc.Algorithm.Equal(OIDDESEDE3CBC):
		keyLen, newFn = 24, des.NewTripleDESCipher
	default:
		return nil, nil, fmt.Errorf("%w: cipher %v", ErrUnsupportedAlgorithm, enc.Algorithm)
	}
	if kdf.KeyLength != 0 && kdf.KeyLength != keyLen {
		return nil, nil, fmt.Errorf("%w: key length %d", ErrUnsupportedAlgorithm, kdf.KeyLength)
	}
	var iv []byte
	if err := unmarshalParams(enc.Parameters.FullBytes, &iv); err != nil {
		return nil, nil, err
	}

	pw := p.UTF8()
	defer Zero(pw)
	key := pbkdf2.Key(pw, kdf.Salt.Bytes, kdf.Iterations, keyLen, prf)
	defer Zero(key)
	block, err := newFn(key)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, nil, fmt.Errorf("%w: bad IV length %d", ErrUnsupportedAlgorithm, len(iv))
	}
	return block, iv, nil
}

// Encrypt encrypts plaintext under params with a salt and IV drawn from
// rand, returning the algorithm identifier that describes them.
func Encrypt(rand io.Reader, p Passphrase, params Params, plaintext []byte) (pkix.AlgorithmIdentifier, []byte, error) {
	if err := checkIterations(params.Iterations); err != nil {
		return pkix.AlgorithmIdentifier{}, nil, err
	}
	saltLen := params.SaltLen
	if saltLen <= 0 {
		saltLen = 16
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return pkix.AlgorithmIdentifier{}, nil, fmt.Errorf("generate salt: %w", err)
	}

	var (
		alg   pkix.AlgorithmIdentifier
		block cipher.Block
		iv    []byte
		err   error
	)
	switch params.Scheme {
	case PBES2AES256, PBES2AES128:
		alg, block, iv, err = newPBES2(rand, p, params, salt)
	case SHA3DES:
		alg, block, iv, err = newLegacy(OIDPBEWithSHAAnd3KeyTripleDESCBC, p, params, salt)
	case SHARC2With40Bit:
		alg, block, iv, err = newLegacy(OIDPBEWithSHAAnd40BitRC2CBC, p, params, salt)
	default:
		err = fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, params.Scheme)
	}
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, err
	}

	padded := pad(plaintext, block.BlockSize())
	defer Zero(padded)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return alg, out, nil
}

func newLegacy(oid asn1.ObjectIdentifier, p Passphrase, params Params, salt []byte) (pkix.AlgorithmIdentifier, cipher.Block, []byte, error) {
	raw, err := asn1.Marshal(pbeParams{Salt: salt, Iterations: params.Iterations})
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, nil, err
	}
	alg := pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.RawValue{FullBytes: raw}}
	block, iv, err := blockFor(alg, p)
	return alg, block, iv, err
}

func newPBES2(rand io.Reader, p Passphrase, params Params, salt []byte) (pkix.AlgorithmIdentifier, cipher.Block, []byte, error) {
	encOID, keyLen := OIDAES256CBC, 32
	if params.Scheme == PBES2AES128 {
		encOID, keyLen = OIDAES128CBC, 16
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand, iv); err != nil {
		return pkix.AlgorithmIdentifier{}, nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	ivRaw, err := asn1.Marshal(iv)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, nil, err
	}
	kdfRaw, err := asn1.Marshal(pbkdf2Params{
		Salt:       asn1.RawValue{Tag: asn1.TagOctetString, Bytes: salt},
		Iterations: params.Iterations,
		KeyLength:  keyLen,
		PRF: pkix.AlgorithmIdentifier{
			Algorithm:  OIDHMACWithSHA256,
			Parameters: asn1.NullRawValue,
		},
	})
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, nil, err
	}
	raw, err := asn1.Marshal(pbes2Params{
		KeyDerivationFunc: pkix.AlgorithmIdentifier{Algorithm: OIDPBKDF2, Parameters: asn1.RawValue{FullBytes: kdfRaw}},
		EncryptionScheme:  pkix.AlgorithmIdentifier{Algorithm: encOID, Parameters: asn1.RawValue{FullBytes: ivRaw}},
	})
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, nil, err
	}
	alg := pkix.AlgorithmIdentifier{Algorithm: OIDPBES2, Parameters: asn1.RawValue{FullBytes: raw}}
	block, gotIV, err := pbes2Block(raw, p)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, nil, nil, err
	}
	return alg, block, gotIV, nil
}

func hmacHashFor(oid asn1.ObjectIdentifier) (func() hash.Hash, bool) {
	switch {
	case oid.Equal(OIDHMACWithSHA1):
		return sha1.New, true
	case oid.Equal(OIDHMACWithSHA224):
		return sha256.New224, true
	case oid.Equal(OIDHMACWithSHA256):
		return sha256.New, true
	case oid.Equal(OIDHMACWithSHA384):
		return sha512.New384, true
	case oid.Equal(OIDHMACWithSHA512):
		return sha512.New, true
	}
	return nil, false
}

func unmarshalParams(raw []byte, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing algorithm parameters", ErrUnsupportedAlgorithm)
	}
	rest, err := asn1.Unmarshal(raw, out)
	if err != nil {
		return fmt.Errorf("%w: parse parameters: %v", ErrUnsupportedAlgorithm, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing data after parameters", ErrUnsupportedAlgorithm)
	}
	return nil
}

func pad(in []byte, bs int) []byte {
	n := bs - len(in)%bs
	out := make([]byte, len(in)+n)
	copy(out, in)
	copy(out[len(in):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func unpad(in []byte, bs int) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrDecryption
	}
	n := int(in[len(in)-1])
	if n == 0 || n > bs || n > len(in) {
		return nil, ErrDecryption
	}
	if !hmac.Equal(in[len(in)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, ErrDecryption
	}
	return in[:len(in)-n], nil
}
