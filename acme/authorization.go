package acme

import (
	"context"
	"time"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// AuthorizationData is the server's view of an identifier authorization.
type AuthorizationData struct {
	Identifier core.AcmeIdentifier `json:"identifier"`
	Status     core.AcmeStatus     `json:"status"`
	Expires    time.Time           `json:"expires,omitempty"`
	Wildcard   bool                `json:"wildcard,omitempty"`
}

// Authorization is the authorization resource: proof obligations for one
// identifier, satisfiable through any one of its challenges.
type Authorization struct {
	resource
	AuthorizationData
	Challenges []*Challenge
}

func (a *Authorization) apply(doc jsonutil.Value) error {
	data := AuthorizationData{}
	if err := doc.Decode(&data); err != nil {
		return err
	}

	var challenges []*Challenge
	if list := doc.Get("challenges"); list.IsPresent() {
		elements, err := list.AsArray()
		if err != nil {
			return err
		}
		for _, element := range elements {
			challenge, err := newChallengeFromDocument(a.login, element)
			if err != nil {
				return err
			}
			challenges = append(challenges, challenge)
		}
	}

	a.AuthorizationData = data
	a.Challenges = challenges
	a.loaded = true
	return nil
}

// Update fetches the current authorization document.
func (a *Authorization) Update(ctx context.Context) error {
	doc, err := a.fetchDocument(ctx)
	if err != nil {
		return err
	}
	return a.apply(doc)
}

// Fetch loads the authorization document if none is cached yet.
func (a *Authorization) Fetch(ctx context.Context) error {
	return a.lazyLoad(ctx, a.Update)
}

// FindChallenge returns the challenge of the given type. The authorization
// is fetched first if needed; a missing type is an error.
func (a *Authorization) FindChallenge(ctx context.Context, challengeType string) (*Challenge, error) {
	if err := a.Fetch(ctx); err != nil {
		return nil, err
	}
	for _, challenge := range a.Challenges {
		if challenge.Type == challengeType {
			return challenge, nil
		}
	}
	return nil, probs.UsageError("authorization for %s offers no %q challenge", a.Identifier, challengeType)
}

// Deactivate relinquishes the authorization.
func (a *Authorization) Deactivate(ctx context.Context) error {
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

// WaitForCompletion polls the authorization until it reaches a final state,
// honoring the server's Retry-After.
func (a *Authorization) WaitForCompletion(ctx context.Context, giveUp time.Duration) error {
	return a.poll(ctx, giveUp, a.Update, func() bool {
		return a.Status.IsFinal()
	})
}
