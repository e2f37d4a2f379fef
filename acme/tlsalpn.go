package acme

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/probs"
)

// idPeAcmeIdentifier is the id-pe-acmeIdentifier extension carrying the
// tls-alpn-01 validation digest.
var idPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// tlsALPNCertValidity bounds the lifetime of the throwaway validation
// certificate. It only has to survive the validation handshake.
const tlsALPNCertValidity = 7 * 24 * time.Hour

// TLSALPNCertificate builds the self-signed certificate to present during
// the tls-alpn-01 handshake for the given domain: subject and SAN name the
// domain, and the acmeValidation digest rides in a critical
// id-pe-acmeIdentifier extension. Serve it only for the acme-tls/1 ALPN
// protocol (core.ACMETLS1Protocol).
func (c *Challenge) TLSALPNCertificate(domain string, key crypto.Signer) (*tls.Certificate, error) {
	digest, err := c.TLSALPNDigest()
	if err != nil {
		return nil, err
	}
	ace, err := core.ToACE(domain)
	if err != nil {
		return nil, err
	}

	// The digest is wrapped in a DER OCTET STRING inside the extension.
	extensionValue, err := asn1.Marshal(digest)
	if err != nil {
		return nil, probs.UsageError("encoding acmeValidation extension: %s", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, probs.UsageError("generating serial number: %s", err)
	}

	now := c.login.sess.clk.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: ace},
		DNSNames:     []string{ace},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(tlsALPNCertValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		ExtraExtensions: []pkix.Extension{{
			Id:       idPeAcmeIdentifier,
			Critical: true,
			Value:    extensionValue,
		}},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, probs.UsageError("creating tls-alpn-01 certificate: %s", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
