package probs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProblem(t *testing.T) {
	body := []byte(`{
		"type": "urn:ietf:params:acme:error:malformed",
		"title": "Malformed request",
		"detail": "The CSR could not be parsed",
		"instance": "https://example.org/docs"
	}`)

	pd, err := ParseProblem(body, 400)
	require.NoError(t, err)
	assert.Equal(t, MalformedProblem, pd.Type)
	assert.Equal(t, 400, pd.HTTPStatus)
	assert.Equal(t, "urn:ietf:params:acme:error:malformed :: The CSR could not be parsed", pd.Error())

	_, err = ParseProblem([]byte("<html>"), 400)
	assert.Error(t, err)
}

func TestParseProblemKeepsWireStatus(t *testing.T) {
	pd, err := ParseProblem([]byte(`{"type":"urn:ietf:params:acme:error:unauthorized","status":403}`), 400)
	require.NoError(t, err)
	assert.Equal(t, 403, pd.HTTPStatus)
}

func TestSubProblems(t *testing.T) {
	body := []byte(`{
		"type": "urn:ietf:params:acme:error:malformed",
		"detail": "Some identifiers were rejected",
		"subproblems": [
			{
				"type": "urn:ietf:params:acme:error:unsupportedIdentifier",
				"detail": "ip addresses not supported",
				"identifier": {"type": "ip", "value": "192.0.2.1"}
			},
			{
				"type": "urn:ietf:params:acme:error:rejectedIdentifier",
				"detail": "policy forbids example.net",
				"identifier": {"type": "dns", "value": "example.net"}
			}
		]
	}`)

	pd, err := ParseProblem(body, 400)
	require.NoError(t, err)
	require.Len(t, pd.SubProblems, 2)

	sub, ok := pd.SubProblem("example.net")
	require.True(t, ok)
	assert.Equal(t, "policy forbids example.net", sub.Detail)

	_, ok = pd.SubProblem("example.org")
	assert.False(t, ok)
}

func TestProblemTypeHelpers(t *testing.T) {
	assert.True(t, BadNonceProblem.IsACME())
	assert.Equal(t, "badNonce", BadNonceProblem.Suffix())
	foreign := ProblemType("urn:example:error")
	assert.False(t, foreign.IsACME())
	assert.Equal(t, "urn:example:error", foreign.Suffix())
}

func TestErrorCategories(t *testing.T) {
	network := NetworkError(errors.New("connection refused"), "request to %s failed", "https://example.org")
	assert.True(t, Is(network, Network))
	assert.False(t, Is(network, Protocol))
	assert.Contains(t, network.Error(), "connection refused")

	usage := UsageError("no identifiers")
	assert.True(t, Is(usage, Usage))

	assert.False(t, Is(errors.New("plain"), Network))
}

func TestServerErrorSubkinds(t *testing.T) {
	generic := ServerError(&ProblemDetails{Type: MalformedProblem, Detail: "nope"})
	assert.Equal(t, Server, generic.Type)
	assert.NotNil(t, generic.Problem)

	rate := ServerError(&ProblemDetails{Type: RateLimitedProblem, Detail: "slow down"})
	assert.Equal(t, RateLimited, rate.Type)

	action := ServerError(&ProblemDetails{
		Type:     UserActionRequiredProblem,
		Detail:   "agree to new terms",
		Instance: "https://example.org/tos",
	})
	assert.Equal(t, UserActionRequired, action.Type)
	assert.Equal(t, "https://example.org/tos", action.Instance)
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := ServerError(&ProblemDetails{Type: UnauthorizedProblem, Detail: "who are you"})
	wrapped := Wrap(LazyLoad, cause, "implicit fetch failed")

	assert.True(t, Is(wrapped, LazyLoad))
	assert.True(t, errors.Is(wrapped, cause))

	pd := ProblemOf(wrapped)
	require.NotNil(t, pd)
	assert.Equal(t, UnauthorizedProblem, pd.Type)

	assert.Nil(t, ProblemOf(UsageError("nope")))
	assert.Nil(t, ProblemOf(fmt.Errorf("plain")))
}

func TestRateLimitedCarriesDeadline(t *testing.T) {
	e := ServerError(&ProblemDetails{Type: RateLimitedProblem})
	e.RetryAfter = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	e.Documents = []string{"https://example.org/rate-limits"}
	assert.True(t, Is(e, RateLimited))
	assert.False(t, e.RetryAfter.IsZero())
}
