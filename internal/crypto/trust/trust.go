// Package trust evaluates a certificate chain handed back by an identity
// store against a root policy.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Handle is the trust object an identity store returns for an imported
// identity. Implementations must be safe to call from any goroutine.
type Handle interface {
	// Leaf returns the end-entity certificate.
	Leaf() *x509.Certificate
	// Certificates returns every certificate the handle knows about, leaf
	// first, in no particular order after it.
	Certificates() []*x509.Certificate
	// Verify builds and checks a chain under p, returning it leaf first.
	Verify(ctx context.Context, p Policy) ([]*x509.Certificate, error)
}

// Policy selects the anchors and parameters of an evaluation. The zero
// value trusts nothing.
type Policy struct {
	// Roots are explicitly trusted anchors.
	Roots *x509.CertPool
	// UseSystemRoots also accepts chains ending at a platform root.
	UseSystemRoots bool
	// At is the verification time; zero means now.
	At time.Time
	// KeyUsages restricts the leaf's extended key usage; empty accepts any.
	KeyUsages []x509.ExtKeyUsage
}

// DefaultPolicy trusts the platform roots at the current time.
func DefaultPolicy() Policy {
	return Policy{UseSystemRoots: true}
}

func (p Policy) source() string {
	switch {
	case p.Roots != nil && p.UseSystemRoots:
		return "custom+system"
	case p.Roots != nil:
		return "custom"
	case p.UseSystemRoots:
		return "system"
	}
	return "none"
}

func (p Policy) options(roots *x509.CertPool, intermediates []*x509.Certificate) x509.VerifyOptions {
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   p.At,
		KeyUsages:     p.KeyUsages,
	}
	if len(opts.KeyUsages) == 0 {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}
	for _, c := range intermediates {
		opts.Intermediates.AddCert(c)
	}
	return opts
}

// ErrNoRoots is returned when a policy names no anchors at all, or a root
// bundle holds no certificate.
var ErrNoRoots = errors.New("no trusted roots configured")

// LoadRoots parses every CERTIFICATE block of a PEM bundle into a pool.
func LoadRoots(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	var n int
	for rest := pemData; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse root %d: %w", n+1, err)
		}
		pool.AddCert(cert)
		n++
	}
	if n == 0 {
		return nil, ErrNoRoots
	}
	return pool, nil
}

// Report is the outcome of one evaluation.
type Report struct {
	IsTrusted bool
	// CommonName is the leaf subject CN, empty when there is none.
	CommonName string
	// ChainLength is the length of the verified chain when trusted, else
	// the number of certificates the handle exposed.
	ChainLength int
	// Reason holds the verification error text of an untrusted chain.
	Reason string
	// Roots names the anchor source the policy used.
	Roots   string
	Subject Subject
}

// Evaluate checks h under p. It never fails: a nil handle, a cancelled
// context and any verification error all produce an untrusted report.
func Evaluate(ctx context.Context, h Handle, p Policy) Report {
	r := Report{Roots: p.source()}
	if h == nil {
		r.Reason = "no trust handle"
		return r
	}
	leaf := h.Leaf()
	if leaf != nil {
		r.CommonName = leaf.Subject.CommonName
		r.Subject = DescribeSubject(leaf)
	}
	chain, err := h.Verify(ctx, p)
	if err != nil {
		r.ChainLength = len(h.Certificates())
		r.Reason = err.Error()
		return r
	}
	r.IsTrusted = true
	r.ChainLength = len(chain)
	return r
}

// ChainHandle verifies a leaf with Go's X.509 verifier, feeding every other
// certificate in as an untrusted intermediate.
type ChainHandle struct {
	leaf  *x509.Certificate
	chain []*x509.Certificate
}

// NewChainHandle wraps leaf and its (unordered) chain.
func NewChainHandle(leaf *x509.Certificate, chain []*x509.Certificate) *ChainHandle {
	return &ChainHandle{leaf: leaf, chain: append([]*x509.Certificate{}, chain...)}
}

func (h *ChainHandle) Leaf() *x509.Certificate { return h.leaf }

func (h *ChainHandle) Certificates() []*x509.Certificate {
	if h.leaf == nil {
		return nil
	}
	return append([]*x509.Certificate{h.leaf}, h.chain...)
}

func (h *ChainHandle) Verify(ctx context.Context, p Policy) ([]*x509.Certificate, error) {
	if h.leaf == nil {
		return nil, errors.New("no leaf certificate")
	}
	var pools []*x509.CertPool
	if p.Roots != nil {
		pools = append(pools, p.Roots)
	}
	if p.UseSystemRoots {
		sys, err := x509.SystemCertPool()
		if err != nil && len(pools) == 0 {
			return nil, fmt.Errorf("load system roots: %w", err)
		}
		if sys != nil {
			pools = append(pools, sys)
		}
	}
	if len(pools) == 0 {
		return nil, ErrNoRoots
	}

	var lastErr error
	for _, roots := range pools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chains, err := h.leaf.Verify(p.options(roots, h.chain))
		if err != nil {
			lastErr = err
			continue
		}
		return chains[0], nil
	}
	return nil, lastErr
}
