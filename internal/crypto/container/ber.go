package container

import (
	"errors"
	"fmt"
)

// normalizeBER converts BER (indefinite lengths, constructed OCTET STRINGs)
// into DER. With nested set, OCTET STRING contents that look like ASN.1
// SEQUENCEs are normalized too; without it they are left byte-for-byte
// intact, which matters for the authenticated safe because the MAC covers
// those bytes.
func normalizeBER(input []byte, nested bool) ([]byte, error) {
	p := &berParser{b: input, nested: nested}
	der, err := p.element()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.b) {
		return nil, errors.New("trailing data after BER element")
	}
	return der, nil
}

const (
	berClassMask     = 0xC0
	berClassContext  = 0x80
	berConstructed   = 0x20
	berTagNumberMask = 0x1F
	berOctetString   = 0x04
	maxBERDepth      = 64
)

type berParser struct {
	b      []byte
	pos    int
	nested bool
	depth  int
}

func (p *berParser) element() ([]byte, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxBERDepth {
		return nil, errors.New("BER nesting too deep")
	}

	tagBytes, err := p.readTag()
	if err != nil {
		return nil, err
	}
	tag := tagBytes[0]
	length, indefinite, err := p.readLength()
	if err != nil {
		return nil, err
	}
	constructed := tag&berConstructed != 0

	if !constructed {
		if indefinite {
			return nil, errors.New("invalid BER: primitive with indefinite length")
		}
		if p.remaining() < length {
			return nil, errors.New("invalid BER: content truncated")
		}
		content := p.b[p.pos : p.pos+length]
		p.pos += length
		if tag == berOctetString && p.nested {
			content = p.normalizeInner(content)
		}
		return encodeDER(tagBytes, content), nil
	}

	var children [][]byte
	if indefinite {
		for {
			if p.remaining() < 2 {
				return nil, errors.New("invalid BER: missing end-of-contents")
			}
			if p.b[p.pos] == 0x00 && p.b[p.pos+1] == 0x00 {
				p.pos += 2
				break
			}
			child, err := p.element()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
	} else {
		if p.remaining() < length {
			return nil, errors.New("invalid BER: content truncated")
		}
		sub := &berParser{b: p.b[p.pos : p.pos+length], nested: p.nested, depth: p.depth}
		p.pos += length
		for sub.remaining() > 0 {
			child, err := sub.element()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
	}

	class := tag & berClassMask
	number := tag & berTagNumberMask
	switch {
	case class == 0 && number == berOctetString:
		// DER requires the primitive form.
		flat, err := concatOctetStrings(children)
		if err != nil {
			return nil, err
		}
		if p.nested {
			flat = p.normalizeInner(flat)
		}
		return encodeDER([]byte{berOctetString}, flat), nil
	case class == berClassContext && number == 0 && len(children) > 1:
		// [0] IMPLICIT OCTET STRING in segmented form, as in EncryptedContentInfo.
		if flat, err := concatOctetStrings(children); err == nil {
			return encodeDER([]byte{tagBytes[0] &^ berConstructed}, flat), nil
		}
	}
	return encodeDER(tagBytes, joinChunks(children)), nil
}

// normalizeInner normalizes content that itself holds an encoded SEQUENCE,
// keeping the original bytes when it does not parse.
func (p *berParser) normalizeInner(content []byte) []byte {
	if len(content) == 0 || content[0] != 0x30 {
		return content
	}
	inner := &berParser{b: content, nested: true, depth: p.depth}
	der, err := inner.element()
	if err != nil || inner.pos != len(content) {
		return content
	}
	return der
}

func (p *berParser) readTag() ([]byte, error) {
	if p.remaining() < 1 {
		return nil, errors.New("invalid BER: missing tag")
	}
	start := p.pos
	first := p.b[p.pos]
	p.pos++
	if first&berTagNumberMask == berTagNumberMask {
		for {
			if p.remaining() < 1 {
				return nil, errors.New("invalid BER: truncated long-form tag")
			}
			b := p.b[p.pos]
			p.pos++
			if b&0x80 == 0 {
				break
			}
		}
	}
	return p.b[start:p.pos], nil
}

func (p *berParser) readLength() (int, bool, error) {
	if p.remaining() < 1 {
		return 0, false, errors.New("invalid BER: missing length")
	}
	first := p.b[p.pos]
	p.pos++
	switch {
	case first == 0x80:
		return 0, true, nil
	case first < 0x80:
		return int(first), false, nil
	}
	n := int(first & 0x7F)
	if n > 4 {
		return 0, false, errors.New("invalid BER: length too large")
	}
	if p.remaining() < n {
		return 0, false, errors.New("invalid BER: truncated long-form length")
	}
	length := 0
	for i := 0; i < n; i++ {
		length = length<<8 | int(p.b[p.pos])
		p.pos++
	}
	return length, false, nil
}

func (p *berParser) remaining() int {
	return len(p.b) - p.pos
}

func encodeDER(tag, content []byte) []byte {
	out := make([]byte, 0, len(tag)+5+len(content))
	out = append(out, tag...)
	out = appendLength(out, len(content))
	return append(out, content...)
}

func appendLength(out []byte, length int) []byte {
	if length < 0x80 {
		return append(out, byte(length))
	}
	var tmp [4]byte
	i := len(tmp)
	for v := length; v > 0; v >>= 8 {
		i--
		tmp[i] = byte(v)
	}
	out = append(out, byte(0x80|(len(tmp)-i)))
	return append(out, tmp[i:]...)
}

func joinChunks(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// concatOctetStrings joins the contents of DER OCTET STRING elements.
func concatOctetStrings(chunks [][]byte) ([]byte, error) {
	out := []byte{}
	for _, c := range chunks {
		tag, content, err := splitDER(c)
		if err != nil {
			return nil, err
		}
		if tag != berOctetString {
			return nil, fmt.Errorf("unexpected tag 0x%02x inside constructed OCTET STRING", tag)
		}
		out = append(out, content...)
	}
	return out, nil
}

// splitDER returns the first tag byte and the content of a single DER
// element produced by encodeDER.
func splitDER(der []byte) (byte, []byte, error) {
	if len(der) < 2 {
		return 0, nil, errors.New("invalid DER: short element")
	}
	pos := 1
	if der[0]&berTagNumberMask == berTagNumberMask {
		for pos < len(der) && der[pos]&0x80 != 0 {
			pos++
		}
		pos++
	}
	if pos >= len(der) {
		return 0, nil, errors.New("invalid DER: missing length")
	}
	first := der[pos]
	pos++
	length := int(first)
	if first >= 0x80 {
		n := int(first & 0x7F)
		if pos+n > len(der) {
			return 0, nil, errors.New("invalid DER: length overflow")
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(der[pos])
			pos++
		}
	}
	if pos+length != len(der) {
		return 0, nil, errors.New("invalid DER: trailing data")
	}
	return der[0], der[pos:], nil
}
