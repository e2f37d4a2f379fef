package csr

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/probs"
)

func TestSignWithDomains(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	request := CertificateRequest{Domains: []string{"a.com", "b.com"}}
	der, err := request.Sign(key)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignature())

	assert.Equal(t, "a.com", parsed.Subject.CommonName)
	assert.Equal(t, []string{"a.com", "b.com"}, parsed.DNSNames)
	assert.Equal(t, x509.SHA256WithRSA, parsed.SignatureAlgorithm)
}

func TestSignConvertsIDNToACE(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	request := CertificateRequest{Domains: []string{"bücher.de", "a.com"}}
	der, err := request.Sign(key)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.de", parsed.Subject.CommonName)
	assert.Equal(t, []string{"xn--bcher-kva.de", "a.com"}, parsed.DNSNames)
	assert.Equal(t, x509.ECDSAWithSHA256, parsed.SignatureAlgorithm)
}

func TestSignWithIPs(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	request := CertificateRequest{}
	request.AddDomain("example.org")
	request.AddIP(net.ParseIP("192.0.2.10"))
	der, err := request.Sign(key)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.Len(t, parsed.IPAddresses, 1)
	assert.True(t, parsed.IPAddresses[0].Equal(net.ParseIP("192.0.2.10")))
}

func TestSignIPOnly(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	request := CertificateRequest{IPs: []net.IP{net.ParseIP("2001:db8::1")}}
	der, err := request.Sign(key)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	assert.Empty(t, parsed.Subject.CommonName)
	require.Len(t, parsed.IPAddresses, 1)
}

func TestSignSubjectFields(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	request := CertificateRequest{
		Domains:          []string{"example.org"},
		Organization:     "Example Org",
		OrganizationUnit: "Infra",
		Locality:         "Berlin",
		State:            "BE",
		Country:          "DE",
	}
	der, err := request.Sign(key)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	assert.Equal(t, []string{"Example Org"}, parsed.Subject.Organization)
	assert.Equal(t, []string{"Infra"}, parsed.Subject.OrganizationalUnit)
	assert.Equal(t, []string{"Berlin"}, parsed.Subject.Locality)
	assert.Equal(t, []string{"BE"}, parsed.Subject.Province)
	assert.Equal(t, []string{"DE"}, parsed.Subject.Country)
}

func TestSignRequiresIdentifier(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	request := CertificateRequest{Organization: "No Names Inc"}
	_, err = request.Sign(key)
	require.Error(t, err)
	assert.True(t, probs.Is(err, probs.Usage))
}

func TestAddIdentifier(t *testing.T) {
	request := CertificateRequest{}
	require.NoError(t, request.AddIdentifier(core.AcmeIdentifier{Type: core.IdentifierDNS, Value: "example.org"}))
	require.NoError(t, request.AddIdentifier(core.AcmeIdentifier{Type: core.IdentifierIP, Value: "192.0.2.1"}))
	assert.Equal(t, []string{"example.org"}, request.Domains)
	require.Len(t, request.IPs, 1)

	assert.Error(t, request.AddIdentifier(core.AcmeIdentifier{Type: core.IdentifierIP, Value: "bogus"}))
	assert.Error(t, request.AddIdentifier(core.AcmeIdentifier{Type: "email", Value: "a@b"}))
}

func TestWritePEM(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	request := CertificateRequest{Domains: []string{"example.org"}}
	der, err := request.Sign(key)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePEM(&buf, der))
	assert.True(t, strings.HasPrefix(buf.String(), "-----BEGIN CERTIFICATE REQUEST-----\n"))
}
