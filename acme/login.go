package acme

import (
	"context"
	"crypto"
	"net/url"

	"github.com/skua-io/acme/jose"
	"github.com/skua-io/acme/probs"
)

// Login binds an account — its URL and key pair — to a Session. Every signed
// request using the account identity flows through a Login. The binding is
// fixed, except that a successful key rollover swaps the key reference.
type Login struct {
	sess       *Session
	accountURL *url.URL
	key        crypto.Signer
}

// NewLogin creates a login for an existing account.
func NewLogin(sess *Session, accountURL string, key crypto.Signer) (*Login, error) {
	if key == nil {
		return nil, probs.UsageError("login requires an account key")
	}
	if _, err := jose.KeyAlgorithm(key); err != nil {
		return nil, err
	}
	u, err := url.Parse(accountURL)
	if err != nil || !u.IsAbs() {
		return nil, probs.UsageError("invalid account URL %q", accountURL)
	}
	return &Login{sess: sess, accountURL: u, key: key}, nil
}

// Session returns the session the login is bound to.
func (l *Login) Session() *Session {
	return l.sess
}

// AccountURL returns the account's canonical URL, used as the JWS kid.
func (l *Login) AccountURL() *url.URL {
	return l.accountURL
}

// Key returns the current account key pair.
func (l *Login) Key() crypto.Signer {
	return l.key
}

// Thumbprint returns the RFC 7638 thumbprint of the account key, the
// ingredient of every key authorization.
func (l *Login) Thumbprint() (string, error) {
	return jose.Thumbprint(l.key)
}

// Account returns the account resource behind this login, unloaded.
func (l *Login) Account() *Account {
	return &Account{resource: resource{login: l, url: l.accountURL}}
}

// Order binds an order resource by URL, unloaded.
func (l *Login) Order(orderURL string) (*Order, error) {
	u, err := parseResourceURL(orderURL)
	if err != nil {
		return nil, err
	}
	return &Order{resource: resource{login: l, url: u}}, nil
}

// Authorization binds an authorization resource by URL, unloaded.
func (l *Login) Authorization(authzURL string) (*Authorization, error) {
	u, err := parseResourceURL(authzURL)
	if err != nil {
		return nil, err
	}
	return &Authorization{resource: resource{login: l, url: u}}, nil
}

// Certificate binds a certificate resource by its download URL.
func (l *Login) Certificate(certURL string) (*Certificate, error) {
	u, err := parseResourceURL(certURL)
	if err != nil {
		return nil, err
	}
	return &Certificate{resource: resource{login: l, url: u}}, nil
}

// ChangeKey rolls the account over to a new key pair: an inner JWS signed by
// the new key binds the account URL to the old key, and the outer request is
// signed by the current key. On success the login signs with the new key.
func (l *Login) ChangeKey(ctx context.Context, newKey crypto.Signer) error {
	if newKey == nil {
		return probs.UsageError("key change requires a new key")
	}
	keyChangeURL, err := l.sess.ResourceURL(ctx, ResourceKeyChange)
	if err != nil {
		return err
	}

	inner, err := jose.SignKeyChange(l.accountURL.String(), l.key, newKey, keyChangeURL.String())
	if err != nil {
		return err
	}

	conn := l.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRawRequest(ctx, keyChangeURL, inner, l); err != nil {
		return err
	}

	l.key = newKey
	return nil
}

func parseResourceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil, probs.UsageError("invalid resource URL %q", raw)
	}
	return u, nil
}
