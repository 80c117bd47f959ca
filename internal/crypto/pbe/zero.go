package pbe

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"math/big"
)

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
}

// ZeroPrivateKey overwrites the private scalars of k in place. Unknown key
// types are left untouched. The key is unusable afterwards.
func ZeroPrivateKey(k crypto.PrivateKey) {
	switch key := k.(type) {
	case *rsa.PrivateKey:
		zeroInt(key.D)
		for _, p := range key.Primes {
			zeroInt(p)
		}
		zeroInt(key.Precomputed.Dp)
		zeroInt(key.Precomputed.Dq)
		zeroInt(key.Precomputed.Qinv)
		for i := range key.Precomputed.CRTValues {
			zeroInt(key.Precomputed.CRTValues[i].Exp)
			zeroInt(key.Precomputed.CRTValues[i].Coeff)
			zeroInt(key.Precomputed.CRTValues[i].R)
		}
	case *ecdsa.PrivateKey:
		zeroInt(key.D)
	case ed25519.PrivateKey:
		clear(key)
	case *ed25519.PrivateKey:
		if key != nil {
			clear(*key)
		}
	}
}

func zeroInt(n *big.Int) {
	if n == nil {
		return
	}
	clear(n.Bits())
	n.SetInt64(0)
}
