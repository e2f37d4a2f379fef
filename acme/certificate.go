package acme

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// Certificate is the issued-certificate resource. The chain is downloaded on
// first use and immutable afterwards.
type Certificate struct {
	resource
	chain      []*x509.Certificate
	alternates []string
}

// Download fetches the certificate chain. The server must answer with
// application/pem-certificate-chain; the chain is ordered end-entity first.
func (c *Certificate) Download(ctx context.Context) error {
	conn := c.login.sess.Connect()
	defer conn.Close()

	if err := conn.SendCertificateRequest(ctx, c.url, c.login); err != nil {
		return err
	}
	chain, err := conn.ReadCertificates()
	if err != nil {
		return err
	}

	c.chain = chain
	c.alternates = conn.Links("alternate")
	c.loaded = true
	return nil
}

// Fetch downloads the chain if it is not cached yet.
func (c *Certificate) Fetch(ctx context.Context) error {
	return c.lazyLoad(ctx, c.Download)
}

// CertificateChain returns the chain, end-entity certificate first,
// downloading it if needed.
func (c *Certificate) CertificateChain(ctx context.Context) ([]*x509.Certificate, error) {
	if err := c.Fetch(ctx); err != nil {
		return nil, err
	}
	return c.chain, nil
}

// Certificate returns the end-entity certificate, downloading the chain if
// needed.
func (c *Certificate) Certificate(ctx context.Context) (*x509.Certificate, error) {
	chain, err := c.CertificateChain(ctx)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// Alternates returns the download URLs of alternate chains the CA offers,
// from the Link rel="alternate" headers of the download response.
func (c *Certificate) Alternates(ctx context.Context) ([]string, error) {
	if err := c.Fetch(ctx); err != nil {
		return nil, err
	}
	return c.alternates, nil
}

// WriteCertificate emits the full chain in PEM form, end-entity first.
func (c *Certificate) WriteCertificate(ctx context.Context, w io.Writer) error {
	chain, err := c.CertificateChain(ctx)
	if err != nil {
		return err
	}
	for _, cert := range chain {
		if err := core.WritePEM(w, cert.Raw, "CERTIFICATE"); err != nil {
			return err
		}
	}
	return nil
}

// Revoke revokes the certificate, authorized by the account that ordered
// it. A nil reason omits the reason code.
func (c *Certificate) Revoke(ctx context.Context, reason *core.RevocationCode) error {
	cert, err := c.Certificate(ctx)
	if err != nil {
		return err
	}
	revokeURL, err := c.login.sess.ResourceURL(ctx, ResourceRevokeCert)
	if err != nil {
		return err
	}

	c.login.sess.log.WithFields(map[string]interface{}{
		"serial": cert.SerialNumber,
		"reason": revocationReason(reason),
	}).Debug("revoking certificate")

	claims := revocationClaims(cert, reason)
	conn := c.login.sess.Connect()
	defer conn.Close()
	return conn.SendSignedRequest(ctx, revokeURL, claims, c.login)
}

// RevokeCertificate revokes a certificate authorized by possession of its
// private key rather than an account: the request is signed by the
// certificate key with an embedded JWK.
func RevokeCertificate(ctx context.Context, sess *Session, cert *x509.Certificate, certKey crypto.Signer, reason *core.RevocationCode) error {
	if cert == nil {
		return probs.UsageError("revocation requires a certificate")
	}
	revokeURL, err := sess.ResourceURL(ctx, ResourceRevokeCert)
	if err != nil {
		return err
	}

	sess.log.WithFields(map[string]interface{}{
		"serial": cert.SerialNumber,
		"reason": revocationReason(reason),
	}).Debug("revoking certificate with its own key")

	claims := revocationClaims(cert, reason)
	conn := sess.Connect()
	defer conn.Close()
	return conn.SendSignedRequestWithKey(ctx, revokeURL, claims, certKey)
}

func revocationClaims(cert *x509.Certificate, reason *core.RevocationCode) *jsonutil.Builder {
	claims := jsonutil.NewBuilder().Set("certificate", core.JSONBuffer(cert.Raw))
	if reason != nil {
		claims.Set("reason", int(*reason))
	}
	return claims
}

// revocationReason names the reason code for logging. A nil reason is sent
// as no reason at all, which servers treat as unspecified.
func revocationReason(reason *core.RevocationCode) string {
	if reason == nil {
		return core.ReasonUnspecified.String()
	}
	return reason.String()
}

// RenewalInfo is the CA's suggestion for when to renew a certificate, from
// the ACME Renewal Information (ARI) extension.
type RenewalInfo struct {
	SuggestedWindowStart time.Time
	SuggestedWindowEnd   time.Time
	ExplanationURL       string

	// RetryAfter is when the CA wants to be asked again.
	RetryAfter time.Time
}

// RenewalInfo fetches the CA's renewal suggestion for this certificate, on
// servers whose directory advertises renewalInfo. The chain must contain the
// issuer certificate to compute the certificate identifier.
func (c *Certificate) RenewalInfo(ctx context.Context) (*RenewalInfo, error) {
	chain, err := c.CertificateChain(ctx)
	if err != nil {
		return nil, err
	}
	if len(chain) < 2 {
		return nil, probs.UsageError("renewal info requires the issuer certificate in the chain")
	}

	base, err := c.login.sess.ResourceURL(ctx, ResourceRenewalInfo)
	if err != nil {
		return nil, err
	}
	id, err := certIDSequence(chain[0], chain[1])
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSuffix(base.String(), "/") + "/" + id)
	if err != nil {
		return nil, probs.ProtocolError("building renewal info URL: %s", err)
	}

	conn := c.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendRequest(ctx, u, "renewalInfo"); err != nil {
		return nil, err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return nil, err
	}

	info := &RenewalInfo{}
	window := doc.Get("suggestedWindow")
	if info.SuggestedWindowStart, err = window.Get("start").AsTime(); err != nil {
		return nil, err
	}
	if info.SuggestedWindowEnd, err = window.Get("end").AsTime(); err != nil {
		return nil, err
	}
	if explanation := doc.Get("explanationURL"); explanation.IsPresent() {
		if info.ExplanationURL, err = explanation.AsString(); err != nil {
			return nil, err
		}
	}
	if deadline, ok := conn.RetryAfter(); ok {
		info.RetryAfter = deadline
	}
	return info, nil
}

// certID is the RFC 6960 CertID sequence identifying a certificate to the
// renewal info endpoint.
type certID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

var sha256OID = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// certIDSequence renders the base64url encoded DER CertID for a certificate
// and its issuer, hashed with SHA-256.
func certIDSequence(cert, issuer *x509.Certificate) (string, error) {
	var publicKeyInfo struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &publicKeyInfo); err != nil {
		return "", probs.UsageError("parsing issuer public key: %s", err)
	}

	der, err := asn1.Marshal(certID{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: sha256OID},
		NameHash:      core.Digest256(issuer.RawSubject),
		IssuerKeyHash: core.Digest256(publicKeyInfo.PublicKey.RightAlign()),
		SerialNumber:  cert.SerialNumber,
	})
	if err != nil {
		return "", probs.UsageError("encoding certificate identifier: %s", err)
	}
	return core.Base64URLEncode(der), nil
}
