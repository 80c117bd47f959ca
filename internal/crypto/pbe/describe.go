package pbe

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

var algNames = []struct {
	oid  asn1.ObjectIdentifier
	name string
}{
	{OIDPBEWithSHAAnd3KeyTripleDESCBC, "pbeWithSHAAnd3-KeyTripleDES-CBC"},
	{OIDPBEWithSHAAnd2KeyTripleDESCBC, "pbeWithSHAAnd2-KeyTripleDES-CBC"},
	{OIDPBEWithSHAAnd128BitRC2CBC, "pbeWithSHAAnd128BitRC2-CBC"},
	{OIDPBEWithSHAAnd40BitRC2CBC, "pbeWithSHAAnd40BitRC2-CBC"},
	{OIDPBES2, "PBES2"},
	{OIDPBKDF2, "PBKDF2"},
	{OIDHMACWithSHA1, "HMAC-SHA1"},
	{OIDHMACWithSHA224, "HMAC-SHA224"},
	{OIDHMACWithSHA256, "HMAC-SHA256"},
	{OIDHMACWithSHA384, "HMAC-SHA384"},
	{OIDHMACWithSHA512, "HMAC-SHA512"},
	{OIDAES128CBC, "AES-128-CBC"},
	{OIDAES192CBC, "AES-192-CBC"},
	{OIDAES256CBC, "AES-256-CBC"},
	{OIDDESEDE3CBC, "DES-EDE3-CBC"},
	{OIDSHA1, "SHA-1"},
	{OIDSHA224, "SHA-224"},
	{OIDSHA256, "SHA-256"},
	{OIDSHA384, "SHA-384"},
	{OIDSHA512, "SHA-512"},
}

// AlgorithmName returns the conventional name of oid, or its dotted form.
func AlgorithmName(oid asn1.ObjectIdentifier) string {
	for _, n := range algNames {
		if n.oid.Equal(oid) {
			return n.name
		}
	}
	return oid.String()
}

// Describe renders an encryption AlgorithmIdentifier with its KDF
// parameters, e.g. "PBES2/PBKDF2-HMAC-SHA256/AES-256-CBC, 10240 iterations".
// Parameters that do not parse are left out.
func Describe(alg pkix.AlgorithmIdentifier) string {
	name := AlgorithmName(alg.Algorithm)
	if _, ok := legacyCipherFor(alg.Algorithm); ok {
		var params pbeParams
		if unmarshalParams(alg.Parameters.FullBytes, &params) == nil {
			return fmt.Sprintf("%s, %d iterations", name, params.Iterations)
		}
		return name
	}
	if !alg.Algorithm.Equal(OIDPBES2) {
		return name
	}
	var params pbes2Params
	if unmarshalParams(alg.Parameters.FullBytes, &params) != nil {
		return name
	}
	var kdf pbkdf2Params
	if unmarshalParams(params.KeyDerivationFunc.Parameters.FullBytes, &kdf) != nil {
		return fmt.Sprintf("%s/%s/%s", name, AlgorithmName(params.KeyDerivationFunc.Algorithm), AlgorithmName(params.EncryptionScheme.Algorithm))
	}
	prf := OIDHMACWithSHA1
	if len(kdf.PRF.Algorithm) > 0 {
		prf = kdf.PRF.Algorithm
	}
	return fmt.Sprintf("%s/%s-%s/%s, %d iterations", name,
		AlgorithmName(params.KeyDerivationFunc.Algorithm), AlgorithmName(prf),
		AlgorithmName(params.EncryptionScheme.Algorithm), kdf.Iterations)
}
