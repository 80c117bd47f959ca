package trust

import (
	"crypto/x509"
	"encoding/asn1"
	"regexp"
	"strings"
	"time"
)

var (
	oidGivenName              = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidSurname                = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidSerialNumber           = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidOrganizationIdentifier = asn1.ObjectIdentifier{2, 5, 4, 97}
)

// ETSI EN 319 412-1 semantics identifiers: type, country, reference.
var reSemantics = regexp.MustCompile(`^([A-Z]{3})([A-Z]{2})-(.+)$`)

// Identifier is a subject identifier in ETSI semantics form, such as
// IDCES-12345678Z or VATFR-12345678901.
type Identifier struct {
	Type    string
	Country string
	Value   string
}

func (id Identifier) String() string {
	if id.Type == "" {
		return id.Value
	}
	return id.Type + id.Country + "-" + id.Value
}

// IsNaturalPerson reports whether the identifier type designates a person
// rather than an organization.
func (id Identifier) IsNaturalPerson() bool {
	switch id.Type {
	case "IDC", "PAS", "PNO", "TIN":
		return true
	}
	return false
}

// Subject is the metadata surfaced for an imported leaf.
type Subject struct {
	CommonName     string
	GivenName      string
	Surname        string
	Person         Identifier
	Organization   string
	OrganizationID Identifier
	Issuer         string
	NotAfter       time.Time
}

// DisplayName prefers the common name over given name and surname.
func (s Subject) DisplayName() string {
	if s.CommonName != "" {
		return s.CommonName
	}
	return normalizeSpace(s.GivenName + " " + s.Surname)
}

// DescribeSubject collects the naming attributes of cert.
func DescribeSubject(cert *x509.Certificate) Subject {
	s := Subject{
		CommonName: normalizeSpace(cert.Subject.CommonName),
		Issuer:     cert.Issuer.CommonName,
		NotAfter:   cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		s.Organization = normalizeSpace(cert.Subject.Organization[0])
	}
	for _, name := range cert.Subject.Names {
		val, ok := name.Value.(string)
		if !ok {
			continue
		}
		val = normalizeSpace(val)
		switch {
		case name.Type.Equal(oidGivenName):
			s.GivenName = val
		case name.Type.Equal(oidSurname):
			s.Surname = val
		case name.Type.Equal(oidSerialNumber):
			s.Person = parseIdentifier(val)
		case name.Type.Equal(oidOrganizationIdentifier):
			s.OrganizationID = parseIdentifier(val)
		}
	}
	// Organization identifiers sometimes land in serialNumber.
	if s.Person.Type != "" && !s.Person.IsNaturalPerson() && s.OrganizationID.Value == "" {
		s.OrganizationID, s.Person = s.Person, Identifier{}
	}
	return s
}

func parseIdentifier(v string) Identifier {
	v = strings.ToUpper(strings.TrimSpace(v))
	if m := reSemantics.FindStringSubmatch(v); m != nil {
		return Identifier{Type: m[1], Country: m[2], Value: m[3]}
	}
	return Identifier{Value: v}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
