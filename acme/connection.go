package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/jose"
	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// maxBadNonceRetries bounds how often a request rejected with badNonce is
// transparently re-signed and retransmitted.
const maxBadNonceRetries = 3

const (
	contentTypeJOSE    = "application/jose+json"
	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"
	contentTypePEM     = "application/pem-certificate-chain"
)

// Connection performs one or more request/response exchanges with the ACME
// server on behalf of a Session. It holds the most recent response so its
// headers and body can be picked apart by the caller. Closing a Connection
// releases nothing at the session level.
type Connection struct {
	sess   *Session
	status int
	header http.Header
	body   []byte
}

// Close releases the connection. Session state (nonce cache, directory) is
// unaffected.
func (c *Connection) Close() {
	c.status = 0
	c.header = nil
	c.body = nil
}

// SendRequest performs an unsigned GET. The directory document and the
// renewal information endpoint are fetched this way; every other resource
// is fetched with POST-as-GET.
func (c *Connection) SendRequest(ctx context.Context, u *url.URL, kind string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return probs.UsageError("building request for %s: %s", u, err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if c.sess.locale != "" {
		req.Header.Set("Accept-Language", c.sess.locale)
	}

	if err := c.do(req, kind); err != nil {
		return err
	}
	if c.status >= 400 {
		return c.translateError()
	}
	return nil
}

// SendSignedPostAsGetRequest fetches a resource with an empty-payload JWS
// signed by the account key (POST-as-GET).
func (c *Connection) SendSignedPostAsGetRequest(ctx context.Context, u *url.URL, login *Login) error {
	return c.sendSigned(ctx, u, []byte{}, signAsLogin(login), contentTypeJSON, "post-as-get")
}

// SendSignedRequest posts claims signed by the account key, identifying the
// account through the kid protected header.
func (c *Connection) SendSignedRequest(ctx context.Context, u *url.URL, claims *jsonutil.Builder, login *Login) error {
	payload, err := claims.JSON()
	if err != nil {
		return probs.UsageError("serializing request claims: %s", err)
	}
	return c.sendSigned(ctx, u, payload, signAsLogin(login), contentTypeJSON, "post")
}

// SendSignedRawRequest posts a pre-serialized payload signed by the account
// key. Used for key rollover, where the payload is itself a JWS.
func (c *Connection) SendSignedRawRequest(ctx context.Context, u *url.URL, payload json.RawMessage, login *Login) error {
	return c.sendSigned(ctx, u, payload, signAsLogin(login), contentTypeJSON, "post")
}

// SendSignedRequestWithKey posts claims signed with the given key and an
// embedded JWK instead of an account URL. Used for new-account requests and
// revocation by certificate key.
func (c *Connection) SendSignedRequestWithKey(ctx context.Context, u *url.URL, claims *jsonutil.Builder, key crypto.Signer) error {
	payload, err := claims.JSON()
	if err != nil {
		return probs.UsageError("serializing request claims: %s", err)
	}
	return c.sendSigned(ctx, u, payload, signAsKey(key), contentTypeJSON, "post")
}

// SendCertificateRequest fetches a certificate chain with POST-as-GET,
// accepting only the PEM chain media type.
func (c *Connection) SendCertificateRequest(ctx context.Context, u *url.URL, login *Login) error {
	return c.sendSigned(ctx, u, []byte{}, signAsLogin(login), contentTypePEM, "certificate")
}

// signer describes how a request body is to be signed.
type signer struct {
	key crypto.Signer
	kid string // empty means embed the JWK
}

func signAsLogin(login *Login) signer {
	return signer{key: login.Key(), kid: login.AccountURL().String()}
}

func signAsKey(key crypto.Signer) signer {
	return signer{key: key}
}

func (sg signer) sign(payload []byte, nonce, url string) (string, error) {
	if sg.kid != "" {
		return jose.SignWithKID(payload, sg.key, sg.kid, nonce, url)
	}
	return jose.SignWithEmbeddedJWK(payload, sg.key, nonce, url)
}

// sendSigned runs the signed-request pipeline: consume a nonce, sign, POST,
// cache the response nonce, and transparently re-sign on badNonce rejections
// a bounded number of times. The same payload and URL are reused on retry.
func (c *Connection) sendSigned(ctx context.Context, u *url.URL, payload []byte, sg signer, accept, kind string) error {
	for attempt := 0; ; attempt++ {
		nonce, err := c.sess.Nonce(ctx)
		if err != nil {
			return err
		}

		body, err := sg.sign(payload, nonce, u.String())
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader([]byte(body)))
		if err != nil {
			return probs.UsageError("building request for %s: %s", u, err)
		}
		req.Header.Set("Content-Type", contentTypeJOSE)
		req.Header.Set("Accept", accept)
		if c.sess.locale != "" {
			req.Header.Set("Accept-Language", c.sess.locale)
		}

		if err := c.do(req, kind); err != nil {
			// The nonce was consumed by signing and no response
			// arrived to replace it; the next request fetches a
			// fresh one.
			return err
		}

		if c.status < 400 {
			return nil
		}

		problem := c.problem()
		if problem != nil && problem.Type == probs.BadNonceProblem &&
			(c.status == http.StatusBadRequest || c.status == http.StatusConflict) &&
			attempt < maxBadNonceRetries {
			c.sess.stats.BadNonceRetry()
			c.sess.log.WithField("url", u.String()).Warn("bad nonce, retrying with fresh nonce")
			continue
		}

		return c.translateError()
	}
}

// do performs the exchange and captures status, headers and body. The
// response's Replay-Nonce, if any, becomes the session's cached nonce.
func (c *Connection) do(req *http.Request, kind string) error {
	begin := c.sess.clk.Now()
	resp, err := c.sess.httpClient.Do(req)
	if err != nil {
		return probs.NetworkError(err, "request to %s failed", req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return probs.NetworkError(err, "reading response from %s", req.URL)
	}

	c.status = resp.StatusCode
	c.header = resp.Header
	c.body = body
	c.sess.setNonce(resp.Header.Get("Replay-Nonce"))
	c.sess.stats.ObserveRequest(kind, req.Method, resp.StatusCode, c.sess.clk.Since(begin))
	c.sess.log.WithFields(map[string]interface{}{
		"method": req.Method,
		"url":    req.URL.String(),
		"status": resp.StatusCode,
	}).Debug("acme exchange")
	return nil
}

// contentType returns the media type of the captured response.
func (c *Connection) contentType() string {
	mediaType, _, err := mime.ParseMediaType(c.header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

// problem parses the captured response as a problem document, or returns nil
// if it is not one.
func (c *Connection) problem() *probs.ProblemDetails {
	if c.contentType() != contentTypeProblem {
		return nil
	}
	pd, err := probs.ParseProblem(c.body, c.status)
	if err != nil {
		return nil
	}
	return pd
}

// translateError turns a captured error response into a typed error.
func (c *Connection) translateError() error {
	problem := c.problem()
	if problem == nil {
		preview := string(c.body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return probs.ProtocolError("server returned status %d: %s", c.status, preview)
	}

	e := probs.ServerError(problem)
	if e.Type == probs.RateLimited {
		if deadline, ok := c.RetryAfter(); ok {
			e.RetryAfter = deadline
		}
		e.Documents = c.Links("help")
	}
	return e
}

// ReadJSONResponse parses the captured body as JSON. An empty body yields an
// absent value.
func (c *Connection) ReadJSONResponse() (jsonutil.Value, error) {
	if len(c.body) == 0 {
		return jsonutil.Absent("response"), nil
	}
	if ct := c.contentType(); ct != contentTypeJSON && ct != contentTypeProblem {
		return jsonutil.Value{}, probs.ProtocolError("unexpected response content type %q", c.header.Get("Content-Type"))
	}
	return jsonutil.Parse(c.body, "response")
}

// ReadCertificates parses the captured body as a PEM certificate chain, in
// server order (end-entity first).
func (c *Connection) ReadCertificates() ([]*x509.Certificate, error) {
	if ct := c.contentType(); ct != contentTypePEM {
		return nil, probs.ProtocolError("certificate response has content type %q, want %q",
			c.header.Get("Content-Type"), contentTypePEM)
	}

	ders, err := core.ReadPEMCertificates(c.body)
	if err != nil {
		return nil, probs.ProtocolError("parsing certificate chain: %s", err)
	}
	chain := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, probs.ProtocolError("parsing certificate in chain: %s", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// Location returns the Location response header, or nil when absent.
func (c *Connection) Location() *url.URL {
	loc := c.header.Get("Location")
	if loc == "" {
		return nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil
	}
	return u
}

// Links returns the URLs of all Link headers carrying the given relation.
// A header may repeat, and a single header may hold several comma-separated
// links.
func (c *Connection) Links(rel string) []string {
	var urls []string
	for _, header := range c.header["Link"] {
		for _, l := range strings.Split(header, ",") {
			parts := strings.Split(l, ";")
			uri := strings.Trim(strings.TrimSpace(parts[0]), "<>")
			for _, p := range parts[1:] {
				p = strings.TrimSpace(p)
				if strings.HasPrefix(p, "rel=") && strings.Trim(p[4:], `"`) == rel {
					urls = append(urls, uri)
				}
			}
		}
	}
	return urls
}

// Nonce returns the Replay-Nonce header of the captured response.
func (c *Connection) Nonce() string {
	return c.header.Get("Replay-Nonce")
}

// RetryAfter returns the deadline from the Retry-After header, if present.
func (c *Connection) RetryAfter() (time.Time, bool) {
	header := c.header.Get("Retry-After")
	if header == "" {
		return time.Time{}, false
	}
	deadline, err := core.ParseRetryAfter(header, c.sess.clk.Now())
	if err != nil {
		return time.Time{}, false
	}
	return deadline, true
}

// Status returns the HTTP status of the captured response.
func (c *Connection) Status() int {
	return c.status
}
