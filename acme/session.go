// Package acme implements an RFC 8555 client: sessions against a CA
// directory, account logins, and the order, authorization, challenge and
// certificate resources needed to obtain and revoke certificates.
package acme

import (
	"context"
	"crypto"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/skua-io/acme/metrics"
	"github.com/skua-io/acme/probs"
)

// ResourceKind names an entry of the server's directory document.
type ResourceKind string

// The directory entries defined by RFC 8555, plus the renewalInfo entry from
// the ACME Renewal Information extension. Unknown directory members are
// ignored.
const (
	ResourceNewNonce    = ResourceKind("newNonce")
	ResourceNewAccount  = ResourceKind("newAccount")
	ResourceNewOrder    = ResourceKind("newOrder")
	ResourceNewAuthz    = ResourceKind("newAuthz")
	ResourceRevokeCert  = ResourceKind("revokeCert")
	ResourceKeyChange   = ResourceKind("keyChange")
	ResourceRenewalInfo = ResourceKind("renewalInfo")
)

var directoryKinds = []ResourceKind{
	ResourceNewNonce,
	ResourceNewAccount,
	ResourceNewOrder,
	ResourceNewAuthz,
	ResourceRevokeCert,
	ResourceKeyChange,
	ResourceRenewalInfo,
}

// DirectoryMeta is the metadata a CA publishes in the directory's meta
// member.
type DirectoryMeta struct {
	TermsOfService          *url.URL
	Website                 *url.URL
	CAAIdentities           []string
	ExternalAccountRequired bool
	StarEnabled             bool
}

// SessionOptions configures a Session. The zero value is usable.
type SessionOptions struct {
	// HTTPClient performs all requests. TLS trust, proxies and timeouts
	// are configured here and pass through unchanged. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Locale is sent as Accept-Language on every request.
	Locale string

	// Logger receives debug traces of the request pipeline. Defaults to a
	// discard logger.
	Logger logrus.FieldLogger

	// Clock drives retry-after deadlines and polling. Defaults to the
	// system clock; tests inject a fake.
	Clock clock.Clock

	// Registerer receives the client's prometheus collectors. Nil disables
	// metrics.
	Registerer prometheus.Registerer

	// Providers maps acme: URI aliases to directory URLs, overriding
	// DefaultProviders.
	Providers map[string]string
}

// DefaultProviders returns the built-in table of acme: URI aliases.
func DefaultProviders() map[string]string {
	return map[string]string{
		"acme://letsencrypt.org":         "https://acme-v02.api.letsencrypt.org/directory",
		"acme://letsencrypt.org/staging": "https://acme-staging-v02.api.letsencrypt.org/directory",
		"acme://zerossl.com":             "https://acme.zerossl.com/v2/DV90",
	}
}

// Session represents a client's view of one ACME server: its directory, a
// single-slot anti-replay nonce cache, and the network configuration used
// for every exchange.
//
// A Session is intended for use from a single goroutine; signed requests
// within a session are strictly serial. Use one Session per goroutine for
// concurrent work.
type Session struct {
	directoryURL *url.URL
	httpClient   *http.Client
	locale       string
	log          logrus.FieldLogger
	clk          clock.Clock
	stats        *metrics.Recorder

	nonceMu sync.Mutex
	nonce   string

	directory map[ResourceKind]*url.URL
	meta      *DirectoryMeta
}

// NewSession opens a session against the given directory URL. An acme: URI
// alias is resolved through the provider table first.
func NewSession(directoryURL string, opts *SessionOptions) (*Session, error) {
	if opts == nil {
		opts = &SessionOptions{}
	}

	if strings.HasPrefix(directoryURL, "acme:") {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviders()
		}
		resolved, ok := providers[directoryURL]
		if !ok {
			return nil, probs.UsageError("unknown ACME provider URI %q", directoryURL)
		}
		directoryURL = resolved
	}

	u, err := url.Parse(directoryURL)
	if err != nil || !u.IsAbs() {
		return nil, probs.UsageError("invalid directory URL %q", directoryURL)
	}

	s := &Session{
		directoryURL: u,
		httpClient:   opts.HTTPClient,
		locale:       opts.Locale,
		log:          opts.Logger,
		clk:          opts.Clock,
		stats:        metrics.New(opts.Registerer),
	}
	if s.httpClient == nil {
		s.httpClient = http.DefaultClient
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		s.log = discard
	}
	return s, nil
}

// DirectoryURL returns the directory URL the session was opened with.
func (s *Session) DirectoryURL() *url.URL {
	return s.directoryURL
}

// Clock returns the session's clock.
func (s *Session) Clock() clock.Clock {
	return s.clk
}

// Connect acquires a Connection for one or more exchanges with the server.
// Closing a Connection never touches session state.
func (s *Session) Connect() *Connection {
	return &Connection{sess: s}
}

// Login binds an existing account, identified by its URL and key pair, to
// this session.
func (s *Session) Login(accountURL string, key crypto.Signer) (*Login, error) {
	return NewLogin(s, accountURL, key)
}

// ensureDirectory fetches the directory document on first use.
func (s *Session) ensureDirectory(ctx context.Context) error {
	if s.directory != nil {
		return nil
	}

	conn := s.Connect()
	defer conn.Close()
	if err := conn.SendRequest(ctx, s.directoryURL, "directory"); err != nil {
		return err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return err
	}
	if !doc.IsPresent() {
		return probs.ProtocolError("directory response has no body")
	}

	directory := make(map[ResourceKind]*url.URL)
	for _, kind := range directoryKinds {
		entry := doc.Get(string(kind))
		if !entry.IsPresent() {
			continue
		}
		u, err := entry.AsURL()
		if err != nil {
			return err
		}
		directory[kind] = u
	}

	meta := &DirectoryMeta{}
	if m := doc.Get("meta"); m.IsPresent() {
		if tos := m.Get("termsOfService"); tos.IsPresent() {
			if meta.TermsOfService, err = tos.AsURL(); err != nil {
				return err
			}
		}
		if site := m.Get("website"); site.IsPresent() {
			if meta.Website, err = site.AsURL(); err != nil {
				return err
			}
		}
		if caa := m.Get("caaIdentities"); caa.IsPresent() {
			elements, err := caa.AsArray()
			if err != nil {
				return err
			}
			for _, e := range elements {
				identity, err := e.AsString()
				if err != nil {
					return err
				}
				meta.CAAIdentities = append(meta.CAAIdentities, identity)
			}
		}
		if eab := m.Get("externalAccountRequired"); eab.IsPresent() {
			if meta.ExternalAccountRequired, err = eab.AsBool(); err != nil {
				return err
			}
		}
		meta.StarEnabled = m.Get("auto-renewal").IsPresent()
	}

	s.directory = directory
	s.meta = meta
	s.log.WithField("directory", s.directoryURL.String()).Debug("directory loaded")
	return nil
}

// ResourceURL resolves a directory entry, fetching the directory first if
// needed. A missing entry is a protocol error.
func (s *Session) ResourceURL(ctx context.Context, kind ResourceKind) (*url.URL, error) {
	if err := s.ensureDirectory(ctx); err != nil {
		return nil, err
	}
	u, ok := s.directory[kind]
	if !ok {
		return nil, probs.ProtocolError("server directory does not advertise %q", string(kind))
	}
	return u, nil
}

// HasResource reports whether the directory advertises the given entry.
func (s *Session) HasResource(ctx context.Context, kind ResourceKind) (bool, error) {
	if err := s.ensureDirectory(ctx); err != nil {
		return false, err
	}
	_, ok := s.directory[kind]
	return ok, nil
}

// Meta returns the directory metadata.
func (s *Session) Meta(ctx context.Context) (*DirectoryMeta, error) {
	if err := s.ensureDirectory(ctx); err != nil {
		return nil, err
	}
	return s.meta, nil
}

// PurgeDirectoryCache drops the cached directory, forcing a refetch on next
// use. The directory is never refetched implicitly on failure.
func (s *Session) PurgeDirectoryCache() {
	s.directory = nil
	s.meta = nil
}

// consumeNonce pops the cached nonce, leaving the slot empty.
func (s *Session) consumeNonce() string {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	n := s.nonce
	s.nonce = ""
	return n
}

// setNonce replaces the cached nonce with a fresh one from a response.
func (s *Session) setNonce(nonce string) {
	if nonce == "" {
		return
	}
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	s.nonce = nonce
}

// Nonce returns a nonce for signing: the cached one if present, otherwise a
// fresh one from the newNonce endpoint. The returned nonce is consumed.
func (s *Session) Nonce(ctx context.Context) (string, error) {
	if n := s.consumeNonce(); n != "" {
		return n, nil
	}

	u, err := s.ResourceURL(ctx, ResourceNewNonce)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return "", probs.UsageError("building newNonce request: %s", err)
	}
	if s.locale != "" {
		req.Header.Set("Accept-Language", s.locale)
	}
	begin := s.clk.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", probs.NetworkError(err, "fetching nonce from %s", u)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	s.stats.NonceFetch()
	s.stats.ObserveRequest("newNonce", http.MethodHead, resp.StatusCode, s.clk.Since(begin))

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", probs.ProtocolError("no Replay-Nonce header in newNonce response")
	}
	s.log.WithField("nonce", nonce).Debug("fetched new nonce")
	return nonce, nil
}
