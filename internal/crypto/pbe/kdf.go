package pbe

import (
	"hash"
)

// PKCS#12 KDF diversifiers (RFC 7292, Appendix B.3).
const (
	KeyMaterialID = 1
	IVMaterialID  = 2
	MACMaterialID = 3
)

// DeriveKey implements the PKCS#12 key derivation function of RFC 7292,
// Appendix B.2. password must already be the NUL-terminated BMPString (nil
// for an absent password). The hash output length u and block length v come
// from h.
func DeriveKey(h func() hash.Hash, salt, password []byte, iterations, id, size int) []byte {
	if iterations < 1 {
		iterations = 1
	}
	d := h()
	u, v := d.Size(), d.BlockSize()

	D := make([]byte, v)
	for i := range D {
		D[i] = byte(id)
	}

	S := fill(salt, v)
	P := fill(password, v)
	I := make([]byte, 0, len(S)+len(P))
	I = append(I, S...)
	I = append(I, P...)
	defer Zero(I)
	defer Zero(P)

	result := make([]byte, 0, size+u)
	B := make([]byte, v)
	for len(result) < size {
		d := h()
		d.Write(D)
		d.Write(I)
		A := d.Sum(nil)
		for j := 1; j < iterations; j++ {
			d.Reset()
			d.Write(A)
			A = d.Sum(A[:0])
		}
		result = append(result, A...)
		if len(result) >= size {
			break
		}

		for j := range B {
			B[j] = A[j%u]
		}
		// I_j = (I_j + B + 1) mod 2^(v*8) for every v-byte block of I.
		for j := 0; j < len(I); j += v {
			block := I[j : j+v]
			carry := uint16(1)
			for k := v - 1; k >= 0; k-- {
				sum := uint16(block[k]) + uint16(B[k]) + carry
				block[k] = byte(sum)
				carry = sum >> 8
			}
		}
	}
	return result[:size]
}

// fill repeats in to the smallest multiple of v that holds it.
func fill(in []byte, v int) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, v*((len(in)+v-1)/v))
	for i := range out {
		out[i] = in[i%len(in)]
	}
	return out
}
