package pbe

import "unicode/utf16"

// Passphrase is a UTF-8 secret that may be empty. The zero value is the
// absent passphrase, which is not the same thing as an empty one: PKCS#12
// derives keys from the NUL-terminated BMPString of the passphrase, so the
// empty passphrase contributes the two bytes 00 00 while an absent one
// contributes nothing.
type Passphrase struct {
	secret []byte
	set    bool
}

// New returns a present passphrase holding s.
func New(s string) Passphrase {
	return Passphrase{secret: []byte(s), set: true}
}

// Absent returns the absent passphrase.
func Absent() Passphrase {
	return Passphrase{}
}

func (p Passphrase) IsAbsent() bool { return !p.set }

func (p Passphrase) IsEmpty() bool { return p.set && len(p.secret) == 0 }

// String never reveals the secret so a passphrase can sit in log attributes.
func (p Passphrase) String() string {
	switch {
	case !p.set:
		return "<absent>"
	case len(p.secret) == 0:
		return "<empty>"
	default:
		return "<redacted>"
	}
}

// Reveal returns the secret as a string, for collaborators that only accept
// strings.
func (p Passphrase) Reveal() string {
	return string(p.secret)
}

// UTF8 returns the raw passphrase bytes, as PBES2/PBKDF2 consumes them.
// The returned slice is a copy.
func (p Passphrase) UTF8() []byte {
	if !p.set {
		return nil
	}
	return append([]byte{}, p.secret...)
}

// BMPString returns the UTF-16BE encoding of the passphrase followed by a NUL
// terminator, as used by the PKCS#12 KDF. The absent passphrase yields nil.
func (p Passphrase) BMPString() ([]byte, error) {
	if !p.set {
		return nil, nil
	}
	// Runes outside the BMP become surrogate pairs, matching OpenSSL.
	u := utf16.Encode([]rune(string(p.secret)))
	out := make([]byte, 0, len(u)*2+2)
	for _, r := range u {
		out = append(out, byte(r>>8), byte(r))
	}
	return append(out, 0x00, 0x00), nil
}

// Zero overwrites the secret. Copies of p share the same buffer and are
// cleared as well.
func (p *Passphrase) Zero() {
	Zero(p.secret)
	p.secret = nil
}
