package acme

import (
	"context"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// ChallengeData is the server's view of a validation challenge.
type ChallengeData struct {
	Type      string                `json:"type"`
	Status    core.AcmeStatus       `json:"status"`
	Token     string                `json:"token,omitempty"`
	Validated time.Time             `json:"validated,omitempty"`
	Error     *probs.ProblemDetails `json:"error,omitempty"`
}

// Challenge is the challenge resource. The Type string discriminates the
// variant; the token-based derivations (key authorization, dns digest,
// tls-alpn digest) are only available on the matching types.
type Challenge struct {
	resource
	ChallengeData

	// expectedType, when set, is verified against the document's type
	// member on every load.
	expectedType string
}

// tokenChallengeTypes are the variants that carry a token and derive their
// response from the key authorization.
var tokenChallengeTypes = map[string]bool{
	core.ChallengeTypeHTTP01:    true,
	core.ChallengeTypeDNS01:     true,
	core.ChallengeTypeTLSALPN01: true,
}

// newChallengeFromDocument builds a challenge from its inline document in an
// authorization's challenges array.
func newChallengeFromDocument(login *Login, doc jsonutil.Value) (*Challenge, error) {
	rawURL, err := doc.Get("url").AsString()
	if err != nil {
		return nil, err
	}
	u, err := parseResourceURL(rawURL)
	if err != nil {
		return nil, err
	}
	challenge := &Challenge{resource: resource{login: login, url: u}}
	if err := challenge.apply(doc); err != nil {
		return nil, err
	}
	return challenge, nil
}

func (c *Challenge) apply(doc jsonutil.Value) error {
	data := ChallengeData{}
	if err := doc.Decode(&data); err != nil {
		return err
	}
	if data.Type == "" {
		return probs.ProtocolError("challenge document at %s has no type", c.url)
	}
	if c.expectedType != "" && data.Type != c.expectedType {
		return probs.ProtocolError("challenge at %s has type %q, expected %q", c.url, data.Type, c.expectedType)
	}
	if tokenChallengeTypes[data.Type] && data.Status == core.StatusPending && !core.LooksLikeAToken(data.Token) {
		return probs.ProtocolError("challenge at %s carries a malformed token", c.url)
	}
	c.ChallengeData = data
	c.loaded = true
	return nil
}

// ExpectType pins the challenge to a variant; subsequent loads fail if the
// server document disagrees.
func (c *Challenge) ExpectType(challengeType string) *Challenge {
	c.expectedType = challengeType
	return c
}

// Update fetches the current challenge document.
func (c *Challenge) Update(ctx context.Context) error {
	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return err
	}
	return c.apply(doc)
}

// Fetch loads the challenge document if none is cached yet.
func (c *Challenge) Fetch(ctx context.Context) error {
	return c.lazyLoad(ctx, c.Update)
}

// Trigger tells the server the challenge response is in place, by posting
// the empty JSON object to the challenge URL.
func (c *Challenge) Trigger(ctx context.Context) error {
	conn := c.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequest(ctx, c.url, jsonutil.NewBuilder(), c.login); err != nil {
		return err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return err
	}
	if deadline, ok := conn.RetryAfter(); ok {
		c.retryAfter = deadline
	}
	if doc.IsPresent() {
		return c.apply(doc)
	}
	return nil
}

// WaitForCompletion polls the challenge until the server has accepted or
// rejected it, honoring Retry-After. A rejection is returned as a server
// error carrying the challenge's problem document.
func (c *Challenge) WaitForCompletion(ctx context.Context, giveUp time.Duration) error {
	err := c.poll(ctx, giveUp, c.Update, func() bool {
		return c.Status == core.StatusValid || c.Status == core.StatusInvalid
	})
	if err != nil {
		return err
	}
	if c.Status == core.StatusInvalid {
		if c.Error != nil {
			return probs.ServerError(c.Error)
		}
		return probs.New(probs.Server, "challenge at %s was rejected", c.url)
	}
	return nil
}

// KeyAuthorization derives the challenge response: the token joined with the
// account key thumbprint. Only token-based challenge types have one.
func (c *Challenge) KeyAuthorization() (string, error) {
	if !tokenChallengeTypes[c.Type] {
		return "", probs.UsageError("challenge type %q has no key authorization", c.Type)
	}
	if c.Token == "" {
		return "", probs.UsageError("challenge at %s carries no token; fetch it first", c.url)
	}
	thumbprint, err := c.login.Thumbprint()
	if err != nil {
		return "", err
	}
	ka, err := core.NewKeyAuthorization(c.Token, thumbprint)
	if err != nil {
		return "", probs.UsageError("%s", err)
	}
	return ka.String(), nil
}

// WellKnownPath returns the HTTP path at which an http-01 response must be
// served.
func (c *Challenge) WellKnownPath() (string, error) {
	if c.Type != core.ChallengeTypeHTTP01 {
		return "", probs.UsageError("challenge type %q is not %s", c.Type, core.ChallengeTypeHTTP01)
	}
	if c.Token == "" {
		return "", probs.UsageError("challenge at %s carries no token; fetch it first", c.url)
	}
	return "/.well-known/acme-challenge/" + c.Token, nil
}

// DNSDigest derives the TXT record content for a dns-01 challenge:
// base64url(SHA-256(key authorization)).
func (c *Challenge) DNSDigest() (string, error) {
	if c.Type != core.ChallengeTypeDNS01 {
		return "", probs.UsageError("challenge type %q is not %s", c.Type, core.ChallengeTypeDNS01)
	}
	authorization, err := c.KeyAuthorization()
	if err != nil {
		return "", err
	}
	return core.Base64URLEncode(core.Digest256([]byte(authorization))), nil
}

// TLSALPNDigest derives the acmeValidation extension value for a tls-alpn-01
// challenge: the raw SHA-256 of the key authorization.
func (c *Challenge) TLSALPNDigest() ([]byte, error) {
	if c.Type != core.ChallengeTypeTLSALPN01 {
		return nil, probs.UsageError("challenge type %q is not %s", c.Type, core.ChallengeTypeTLSALPN01)
	}
	authorization, err := c.KeyAuthorization()
	if err != nil {
		return nil, err
	}
	return core.Digest256([]byte(authorization)), nil
}

// DNS01RecordName returns the DNS name at which a dns-01 TXT record must be
// published for the given domain.
func DNS01RecordName(domain string) (string, error) {
	ace, err := core.ToACE(domain)
	if err != nil {
		return "", err
	}
	return core.DNSPrefix + "." + ace, nil
}
