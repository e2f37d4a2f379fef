package acme

import (
	"context"
	"crypto"
	"encoding/json"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/jose"
	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// AccountData is the server's view of an account.
type AccountData struct {
	Status               core.AcmeStatus `json:"status"`
	Contacts             []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed bool            `json:"termsOfServiceAgreed,omitempty"`
	ExternalAccountBound bool            `json:"-"`
	OrdersURL            string          `json:"orders,omitempty"`
}

// Account is the account resource. Fields are populated by Fetch or Update;
// operations that return a document refresh them as a side effect.
type Account struct {
	resource
	AccountData
}

// AccountConfig configures account registration.
type AccountConfig struct {
	// Contacts are contact URIs, usually mailto: addresses.
	Contacts []string

	// TermsOfServiceAgreed asserts agreement with the CA's terms.
	TermsOfServiceAgreed bool

	// OnlyReturnExisting asks the server to locate an existing account for
	// the key instead of creating one.
	OnlyReturnExisting bool

	// KeyIdentifier and MACKey hold the external account binding
	// credentials for CAs that require one.
	KeyIdentifier string
	MACKey        []byte
}

// RegisterAccount creates (or, with OnlyReturnExisting, locates) an account.
// The request is signed with the account key's embedded JWK, since no
// account URL exists yet. The returned account carries a ready Login.
func RegisterAccount(ctx context.Context, sess *Session, key crypto.Signer, cfg AccountConfig) (*Account, error) {
	newAccountURL, err := sess.ResourceURL(ctx, ResourceNewAccount)
	if err != nil {
		return nil, err
	}

	claims := jsonutil.NewBuilder()
	if cfg.TermsOfServiceAgreed {
		claims.Set("termsOfServiceAgreed", true)
	}
	if len(cfg.Contacts) > 0 {
		contacts := make([]interface{}, len(cfg.Contacts))
		for i, contact := range cfg.Contacts {
			contacts[i] = contact
		}
		claims.Array("contact", contacts...)
	}
	if cfg.OnlyReturnExisting {
		claims.Set("onlyReturnExisting", true)
	}
	if cfg.KeyIdentifier != "" {
		binding, err := jose.SignExternalAccountBinding(key, cfg.KeyIdentifier, cfg.MACKey, newAccountURL.String())
		if err != nil {
			return nil, err
		}
		claims.Set("externalAccountBinding", binding)
	}

	conn := sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequestWithKey(ctx, newAccountURL, claims, key); err != nil {
		return nil, err
	}

	location := conn.Location()
	if location == nil {
		return nil, probs.ProtocolError("new-account response carries no Location header")
	}

	login, err := sess.Login(location.String(), key)
	if err != nil {
		return nil, err
	}
	acct := login.Account()
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return nil, err
	}
	if doc.IsPresent() {
		if err := acct.apply(doc); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

func (a *Account) apply(doc jsonutil.Value) error {
	data := AccountData{}
	if err := doc.Decode(&data); err != nil {
		return err
	}
	data.ExternalAccountBound = doc.Get("externalAccountBinding").IsPresent()
	a.AccountData = data
	a.loaded = true
	return nil
}

// Update fetches the current account document.
func (a *Account) Update(ctx context.Context) error {
	doc, err := a.fetchDocument(ctx)
	if err != nil {
		return err
	}
	return a.apply(doc)
}

// Fetch loads the account document if none is cached yet.
func (a *Account) Fetch(ctx context.Context) error {
	return a.lazyLoad(ctx, a.Update)
}

// AccountUpdate describes a modification of the account resource. Nil or
// empty fields are left unchanged on the server.
type AccountUpdate struct {
	Contacts             []string
	TermsOfServiceAgreed *bool
}

// Modify posts accumulated changes to the account URL.
func (a *Account) Modify(ctx context.Context, update AccountUpdate) error {
	claims := jsonutil.NewBuilder()
	if len(update.Contacts) > 0 {
		contacts := make([]interface{}, len(update.Contacts))
		for i, contact := range update.Contacts {
			contacts[i] = contact
		}
		claims.Array("contact", contacts...)
	}
	if update.TermsOfServiceAgreed != nil {
		claims.Set("termsOfServiceAgreed", *update.TermsOfServiceAgreed)
	}

	conn := a.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequest(ctx, a.url, claims, a.login); err != nil {
		return err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return err
	}
	if doc.IsPresent() {
		return a.apply(doc)
	}
	return nil
}

// Deactivate permanently turns the account off.
func (a *Account) Deactivate(ctx context.Context) error {
	claims := jsonutil.NewBuilder().Set("status", string(core.StatusDeactivated))
	conn := a.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequest(ctx, a.url, claims, a.login); err != nil {
		return err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return err
	}
	if doc.IsPresent() {
		return a.apply(doc)
	}
	a.Status = core.StatusDeactivated
	return nil
}

// ChangeKey rolls the account over to a new key pair.
func (a *Account) ChangeKey(ctx context.Context, newKey crypto.Signer) error {
	return a.login.ChangeKey(ctx, newKey)
}

// OrderConfig describes a new certificate order.
type OrderConfig struct {
	Identifiers []core.AcmeIdentifier

	// NotBefore and NotAfter optionally constrain the certificate
	// validity period.
	NotBefore time.Time
	NotAfter  time.Time
}

// NewOrder places an order for the given identifiers.
func (a *Account) NewOrder(ctx context.Context, cfg OrderConfig) (*Order, error) {
	if len(cfg.Identifiers) == 0 {
		return nil, probs.UsageError("order requires at least one identifier")
	}
	newOrderURL, err := a.login.sess.ResourceURL(ctx, ResourceNewOrder)
	if err != nil {
		return nil, err
	}

	identifiers := make([]interface{}, len(cfg.Identifiers))
	for i, id := range cfg.Identifiers {
		identifiers[i] = id
	}
	claims := jsonutil.NewBuilder().Array("identifiers", identifiers...)
	if !cfg.NotBefore.IsZero() {
		claims.SetTime("notBefore", cfg.NotBefore)
	}
	if !cfg.NotAfter.IsZero() {
		claims.SetTime("notAfter", cfg.NotAfter)
	}

	conn := a.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequest(ctx, newOrderURL, claims, a.login); err != nil {
		return nil, err
	}

	location := conn.Location()
	if location == nil {
		return nil, probs.ProtocolError("new-order response carries no Location header")
	}
	order := &Order{resource: resource{login: a.login, url: location}}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return nil, err
	}
	if doc.IsPresent() {
		if err := order.apply(doc); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// OrderCertificate is the one-shot path from identifiers to an issued
// certificate: place the order, wait for it to become ready (all of its
// authorizations must already be satisfiable), finalize with a CSR built
// from the identifiers and signed by certKey, and wait for issuance.
func (a *Account) OrderCertificate(ctx context.Context, cfg OrderConfig, certKey crypto.Signer, giveUp time.Duration) (*Certificate, error) {
	order, err := a.NewOrder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := order.WaitUntilReady(ctx, giveUp); err != nil {
		return nil, err
	}
	if err := order.Execute(ctx, certKey); err != nil {
		return nil, err
	}
	if err := order.WaitForCompletion(ctx, giveUp); err != nil {
		return nil, err
	}
	return order.Certificate(ctx)
}

// PreAuthorize requests an authorization for an identifier ahead of any
// order, on servers that advertise newAuthz.
func (a *Account) PreAuthorize(ctx context.Context, id core.AcmeIdentifier) (*Authorization, error) {
	newAuthzURL, err := a.login.sess.ResourceURL(ctx, ResourceNewAuthz)
	if err != nil {
		return nil, err
	}

	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, probs.UsageError("marshalling identifier: %s", err)
	}
	claims := jsonutil.NewBuilder().Set("identifier", json.RawMessage(idJSON))

	conn := a.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequest(ctx, newAuthzURL, claims, a.login); err != nil {
		return nil, err
	}

	location := conn.Location()
	if location == nil {
		return nil, probs.ProtocolError("new-authz response carries no Location header")
	}
	authz := &Authorization{resource: resource{login: a.login, url: location}}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return nil, err
	}
	if doc.IsPresent() {
		if err := authz.apply(doc); err != nil {
			return nil, err
		}
	}
	return authz, nil
}
