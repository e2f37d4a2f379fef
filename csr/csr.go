// Package csr assembles PKCS#10 certificate signing requests for ACME orders.
package csr

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/probs"
)

// CertificateRequest describes the subject of a CSR. Domains are converted to
// their ASCII Compatible Encoding; the first domain becomes the Common Name
// and every domain is added to the Subject Alternative Name extension as a
// dNSName. IP addresses are added as iPAddress entries.
type CertificateRequest struct {
	Domains []string
	IPs     []net.IP

	// Optional subject RDN fields.
	Organization     string
	OrganizationUnit string
	Locality         string
	State            string
	Country          string
}

// AddDomain appends a domain name to the request.
func (req *CertificateRequest) AddDomain(domain string) {
	req.Domains = append(req.Domains, domain)
}

// AddIP appends an IP address to the request.
func (req *CertificateRequest) AddIP(ip net.IP) {
	req.IPs = append(req.IPs, ip)
}

// AddIdentifier appends an ACME identifier of either type.
func (req *CertificateRequest) AddIdentifier(id core.AcmeIdentifier) error {
	switch id.Type {
	case core.IdentifierDNS:
		req.AddDomain(id.Value)
		return nil
	case core.IdentifierIP:
		ip := net.ParseIP(id.Value)
		if ip == nil {
			return probs.UsageError("invalid ip identifier %q", id.Value)
		}
		req.AddIP(ip)
		return nil
	default:
		return probs.UsageError("unsupported identifier type %q", id.Type)
	}
}

// Sign builds and signs the PKCS#10 request with the given key, returning
// its DER encoding. RSA keys sign SHA256WithRSA, ECDSA keys ECDSAWithSHA256.
func (req *CertificateRequest) Sign(key crypto.Signer) ([]byte, error) {
	if len(req.Domains) == 0 && len(req.IPs) == 0 {
		return nil, probs.UsageError("certificate request contains no domain or IP identifier")
	}

	dnsNames := make([]string, 0, len(req.Domains))
	for _, domain := range req.Domains {
		ace, err := core.ToACE(domain)
		if err != nil {
			return nil, probs.UsageError("invalid domain %q: %s", domain, err)
		}
		dnsNames = append(dnsNames, ace)
	}

	subject := pkix.Name{}
	if len(dnsNames) > 0 {
		subject.CommonName = dnsNames[0]
	}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.OrganizationUnit != "" {
		subject.OrganizationalUnit = []string{req.OrganizationUnit}
	}
	if req.Locality != "" {
		subject.Locality = []string{req.Locality}
	}
	if req.State != "" {
		subject.Province = []string{req.State}
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}

	var sigAlg x509.SignatureAlgorithm
	switch key.(type) {
	case *rsa.PrivateKey:
		sigAlg = x509.SHA256WithRSA
	case *ecdsa.PrivateKey:
		sigAlg = x509.ECDSAWithSHA256
	default:
		return nil, probs.UsageError("unsupported signing key type %T", key)
	}

	template := &x509.CertificateRequest{
		Subject:            subject,
		DNSNames:           dnsNames,
		IPAddresses:        req.IPs,
		SignatureAlgorithm: sigAlg,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, probs.UsageError("signing certificate request: %s", err)
	}
	return der, nil
}

// WritePEM emits a signed CSR in PEM form.
func WritePEM(w io.Writer, der []byte) error {
	return core.WritePEM(w, der, "CERTIFICATE REQUEST")
}
