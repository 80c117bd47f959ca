package trust

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vocdoni/gofirma/p12rekey/internal/testutil"
)

func TestEvaluateNilHandle(t *testing.T) {
	r := Evaluate(context.Background(), nil, DefaultPolicy())
	require.False(t, r.IsTrusted)
	require.Empty(t, r.CommonName)
	require.Zero(t, r.ChainLength)
}

func TestEvaluateTrustedChain(t *testing.T) {
	chain := testutil.NewChain(t, "Alice Example", 2, false)
	// Root first: the handle must not depend on chain order.
	h := NewChainHandle(chain.Leaf, []*x509.Certificate{chain.Root, chain.Intermediates[1], chain.Intermediates[0]})

	r := Evaluate(context.Background(), h, Policy{Roots: chain.Roots()})
	require.True(t, r.IsTrusted, r.Reason)
	require.Equal(t, "Alice Example", r.CommonName)
	require.Equal(t, 4, r.ChainLength)
	require.Equal(t, "custom", r.Roots)
	require.Empty(t, r.Reason)
}

func TestEvaluateWithoutRoots(t *testing.T) {
	chain := testutil.NewChain(t, "No Roots", 2, false)
	h := NewChainHandle(chain.Leaf, chain.CACerts())

	r := Evaluate(context.Background(), h, Policy{})
	require.False(t, r.IsTrusted)
	require.Equal(t, "No Roots", r.CommonName)
	require.Equal(t, 4, r.ChainLength)
	require.Equal(t, "none", r.Roots)
	require.Contains(t, r.Reason, ErrNoRoots.Error())
}

func TestEvaluateUntrusted(t *testing.T) {
	chain := testutil.NewChain(t, "Untrusted", 1, false)
	other := testutil.NewChain(t, "Other", 0, false)
	h := NewChainHandle(chain.Leaf, chain.CACerts())

	for name, p := range map[string]Policy{
		"foreign root": {Roots: other.Roots()},
		"expired":      {Roots: chain.Roots(), At: time.Now().Add(48 * time.Hour)},
		"server auth":  {Roots: chain.Roots(), KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}},
	} {
		t.Run(name, func(t *testing.T) {
			r := Evaluate(context.Background(), h, p)
			require.False(t, r.IsTrusted)
			require.NotEmpty(t, r.Reason)
			require.Equal(t, 3, r.ChainLength)
		})
	}
}

func TestEvaluateMissingIntermediate(t *testing.T) {
	chain := testutil.NewChain(t, "Gap", 2, false)
	h := NewChainHandle(chain.Leaf, []*x509.Certificate{chain.Intermediates[1]})
	r := Evaluate(context.Background(), h, Policy{Roots: chain.Roots()})
	require.False(t, r.IsTrusted)
	require.Equal(t, 2, r.ChainLength)
}

func TestEvaluateCancelled(t *testing.T) {
	chain := testutil.NewChain(t, "Cancelled", 0, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Evaluate(ctx, NewChainHandle(chain.Leaf, chain.CACerts()), Policy{Roots: chain.Roots()})
	require.False(t, r.IsTrusted)
	require.Contains(t, r.Reason, context.Canceled.Error())
}

func TestLoadRoots(t *testing.T) {
	chain := testutil.NewChain(t, "PEM", 1, false)
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.Root.Raw})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})...)

	pool, err := LoadRoots(data)
	require.NoError(t, err)
	r := Evaluate(context.Background(), NewChainHandle(chain.Leaf, chain.Intermediates), Policy{Roots: pool})
	require.True(t, r.IsTrusted, r.Reason)

	_, err = LoadRoots([]byte("nothing here"))
	require.ErrorIs(t, err, ErrNoRoots)
	_, err = LoadRoots(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}))
	require.ErrorIs(t, err, ErrNoRoots)
}

func TestDescribeSubject(t *testing.T) {
	cert := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: "EXAMPLE  SURNAME JOAN - 12345678Z",
			Names: []pkix.AttributeTypeAndValue{
				{Type: oidGivenName, Value: "JOAN"},
				{Type: oidSurname, Value: "EXAMPLE SURNAME"},
				{Type: oidSerialNumber, Value: "IDCES-12345678Z"},
			},
		},
		Issuer:   pkix.Name{CommonName: "Example Citizen CA"},
		NotAfter: time.Date(2030, 2, 22, 9, 10, 11, 0, time.UTC),
	}
	s := DescribeSubject(cert)
	require.Equal(t, "EXAMPLE SURNAME JOAN - 12345678Z", s.CommonName)
	require.Equal(t, "JOAN", s.GivenName)
	require.Equal(t, "EXAMPLE SURNAME", s.Surname)
	require.Equal(t, Identifier{Type: "IDC", Country: "ES", Value: "12345678Z"}, s.Person)
	require.True(t, s.Person.IsNaturalPerson())
	require.Equal(t, "IDCES-12345678Z", s.Person.String())
	require.Equal(t, "Example Citizen CA", s.Issuer)
}

func TestDescribeSubjectOrganization(t *testing.T) {
	cert := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"Example  Widgets S.L."},
			Names: []pkix.AttributeTypeAndValue{
				{Type: oidSerialNumber, Value: "vates-b00000000"},
			},
		},
	}
	s := DescribeSubject(cert)
	require.Equal(t, "Example Widgets S.L.", s.Organization)
	require.Empty(t, s.Person.Value)
	require.Equal(t, Identifier{Type: "VAT", Country: "ES", Value: "B00000000"}, s.OrganizationID)
	require.Empty(t, s.DisplayName())
}
