package acme

import (
	"context"
	"crypto"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/csr"
	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// OrderData is the server's view of a certificate order.
type OrderData struct {
	Status            core.AcmeStatus       `json:"status"`
	Expires           time.Time             `json:"expires,omitempty"`
	Identifiers       []core.AcmeIdentifier `json:"identifiers,omitempty"`
	NotBefore         time.Time             `json:"notBefore,omitempty"`
	NotAfter          time.Time             `json:"notAfter,omitempty"`
	Error             *probs.ProblemDetails `json:"error,omitempty"`
	AuthorizationURLs []string              `json:"authorizations,omitempty"`
	FinalizeURL       string                `json:"finalize,omitempty"`
	CertificateURL    string                `json:"certificate,omitempty"`
}

// Order is the order resource: the request for one certificate covering a
// set of identifiers.
type Order struct {
	resource
	OrderData
}

func (o *Order) apply(doc jsonutil.Value) error {
	data := OrderData{}
	if err := doc.Decode(&data); err != nil {
		return err
	}
	o.OrderData = data
	o.loaded = true
	return nil
}

// Update fetches the current order document.
func (o *Order) Update(ctx context.Context) error {
	doc, err := o.fetchDocument(ctx)
	if err != nil {
		return err
	}
	return o.apply(doc)
}

// Fetch loads the order document if none is cached yet.
func (o *Order) Fetch(ctx context.Context) error {
	return o.lazyLoad(ctx, o.Update)
}

// Status predicates over the cached document.

func (o *Order) IsPending() bool    { return o.Status == core.StatusPending }
func (o *Order) IsReady() bool      { return o.Status == core.StatusReady }
func (o *Order) IsProcessing() bool { return o.Status == core.StatusProcessing }
func (o *Order) IsValid() bool      { return o.Status == core.StatusValid }
func (o *Order) IsInvalid() bool    { return o.Status == core.StatusInvalid }

// IsFailed reports whether issuance can no longer succeed.
func (o *Order) IsFailed() bool {
	return o.Status == core.StatusInvalid
}

// Authorizations returns the order's authorizations, bound to the login and
// unloaded. The order document is fetched first if needed.
func (o *Order) Authorizations(ctx context.Context) ([]*Authorization, error) {
	if err := o.Fetch(ctx); err != nil {
		return nil, err
	}
	authzs := make([]*Authorization, 0, len(o.AuthorizationURLs))
	for _, raw := range o.AuthorizationURLs {
		authz, err := o.login.Authorization(raw)
		if err != nil {
			return nil, err
		}
		authzs = append(authzs, authz)
	}
	return authzs, nil
}

// Finalize submits a DER-encoded CSR to the order's finalize URL. The
// response is the updated order document.
func (o *Order) Finalize(ctx context.Context, csrDER []byte) error {
	if err := o.Fetch(ctx); err != nil {
		return err
	}
	if o.FinalizeURL == "" {
		return probs.ProtocolError("order %s has no finalize URL", o.url)
	}
	finalizeURL, err := parseResourceURL(o.FinalizeURL)
	if err != nil {
		return err
	}

	claims := jsonutil.NewBuilder().Set("csr", core.JSONBuffer(csrDER))
	conn := o.login.sess.Connect()
	defer conn.Close()
	if err := conn.SendSignedRequest(ctx, finalizeURL, claims, o.login); err != nil {
		return err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return err
	}
	if deadline, ok := conn.RetryAfter(); ok {
		o.retryAfter = deadline
	}
	if doc.IsPresent() {
		return o.apply(doc)
	}
	return nil
}

// Execute builds a CSR covering the order's identifiers, signs it with the
// certificate key, and finalizes the order with it.
func (o *Order) Execute(ctx context.Context, certKey crypto.Signer) error {
	if err := o.Fetch(ctx); err != nil {
		return err
	}
	if len(o.Identifiers) == 0 {
		return probs.ProtocolError("order %s carries no identifiers", o.url)
	}

	request := csr.CertificateRequest{}
	for _, id := range o.Identifiers {
		if err := request.AddIdentifier(id); err != nil {
			return err
		}
	}
	der, err := request.Sign(certKey)
	if err != nil {
		return err
	}
	return o.Finalize(ctx, der)
}

// WaitUntilReady polls the order until it is ready for finalization, or has
// reached a final state, honoring the server's Retry-After.
func (o *Order) WaitUntilReady(ctx context.Context, giveUp time.Duration) error {
	return o.poll(ctx, giveUp, o.Update, func() bool {
		return o.IsReady() || o.Status.IsFinal()
	})
}

// WaitForCompletion polls the order until it is valid or invalid, honoring
// the server's Retry-After.
func (o *Order) WaitForCompletion(ctx context.Context, giveUp time.Duration) error {
	return o.poll(ctx, giveUp, o.Update, func() bool {
		return o.IsValid() || o.IsInvalid()
	})
}

// Certificate returns the issued certificate resource. The order must have
// reached the valid state; its certificate URL is only set then.
func (o *Order) Certificate(ctx context.Context) (*Certificate, error) {
	if err := o.Fetch(ctx); err != nil {
		return nil, err
	}
	if !o.IsValid() {
		return nil, probs.UsageError("order %s is %s, certificate is available once it is valid", o.url, o.Status)
	}
	if o.CertificateURL == "" {
		return nil, probs.ProtocolError("valid order %s carries no certificate URL", o.url)
	}
	return o.login.Certificate(o.CertificateURL)
}
