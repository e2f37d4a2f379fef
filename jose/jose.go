// Package jose wraps the JOSE primitives the ACME protocol needs: JWK
// rendering of account keys, RFC 7638 thumbprints, signature algorithm
// negotiation, and flattened JWS signing in both account-URL (kid) and
// embedded-JWK modes.
package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/skua-io/acme/core"
	"github.com/skua-io/acme/probs"
)

// KeyAlgorithm negotiates the JWS algorithm for a key. RSA keys sign RS256;
// ECDSA keys sign the algorithm matching their curve. Anything else is
// unsupported.
func KeyAlgorithm(key interface{}) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		return curveAlgorithm(k.Curve)
	case *ecdsa.PublicKey:
		return curveAlgorithm(k.Curve)
	case crypto.Signer:
		return KeyAlgorithm(k.Public())
	default:
		return "", probs.UsageError("unsupported key type %T", key)
	}
}

func curveAlgorithm(curve elliptic.Curve) (jose.SignatureAlgorithm, error) {
	switch curve {
	case elliptic.P256():
		return jose.ES256, nil
	case elliptic.P384():
		return jose.ES384, nil
	case elliptic.P521():
		return jose.ES512, nil
	default:
		return "", probs.UsageError("unsupported ECDSA curve %s", curve.Params().Name)
	}
}

// PublicJWK renders the public half of a key as a JWK. The key must be of a
// supported type.
func PublicJWK(key crypto.Signer) (*jose.JSONWebKey, error) {
	if _, err := KeyAlgorithm(key.Public()); err != nil {
		return nil, err
	}
	return &jose.JSONWebKey{Key: key.Public()}, nil
}

// Thumbprint computes the base64url encoded RFC 7638 SHA-256 thumbprint of
// the public half of a key.
func Thumbprint(key crypto.Signer) (string, error) {
	jwk, err := PublicJWK(key)
	if err != nil {
		return "", err
	}
	digest, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", probs.UsageError("computing key thumbprint: %s", err)
	}
	return core.Base64URLEncode(digest), nil
}

// staticNonceSource hands a single, pre-fetched nonce to go-jose. Every
// signature consumes exactly one nonce, so the source is single-use.
type staticNonceSource string

func (n staticNonceSource) Nonce() (string, error) {
	return string(n), nil
}

// SignWithKID produces a flattened JWS over payload, identifying the account
// by its URL in the "kid" protected header. An empty payload produces a
// POST-as-GET body.
func SignWithKID(payload []byte, key crypto.Signer, kid, nonce, url string) (string, error) {
	return sign(payload, key, nonce, url, kid, false)
}

// SignWithEmbeddedJWK produces a flattened JWS over payload with the public
// key embedded in the protected header. Used for new-account requests and
// revocations authorized by the certificate key.
func SignWithEmbeddedJWK(payload []byte, key crypto.Signer, nonce, url string) (string, error) {
	return sign(payload, key, nonce, url, "", true)
}

func sign(payload []byte, key crypto.Signer, nonce, url, kid string, embedJWK bool) (string, error) {
	alg, err := KeyAlgorithm(key)
	if err != nil {
		return "", err
	}

	options := jose.SignerOptions{
		NonceSource: staticNonceSource(nonce),
		EmbedJWK:    embedJWK,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			jose.HeaderKey("url"): url,
		},
	}
	if !embedJWK {
		options.ExtraHeaders[jose.HeaderKey("kid")] = kid
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, &options)
	if err != nil {
		return "", probs.UsageError("creating JWS signer: %s", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return "", probs.UsageError("signing request payload: %s", err)
	}
	return signed.FullSerialize(), nil
}

// SignKeyChange builds the inner JWS of an RFC 8555 key rollover: the new key
// signs a payload binding the account URL to the old key, with no nonce, and
// the result is embedded as the payload of an outer request signed by the
// current key.
func SignKeyChange(accountURL string, oldKey, newKey crypto.Signer, keyChangeURL string) (json.RawMessage, error) {
	alg, err := KeyAlgorithm(newKey)
	if err != nil {
		return nil, err
	}
	oldJWK, err := PublicJWK(oldKey)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(struct {
		Account string           `json:"account"`
		OldKey  *jose.JSONWebKey `json:"oldKey"`
	}{Account: accountURL, OldKey: oldJWK})
	if err != nil {
		return nil, probs.UsageError("marshalling key-change payload: %s", err)
	}

	options := jose.SignerOptions{
		EmbedJWK: true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			jose.HeaderKey("url"): keyChangeURL,
		},
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: newKey}, &options)
	if err != nil {
		return nil, probs.UsageError("creating key-change signer: %s", err)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, probs.UsageError("signing key-change payload: %s", err)
	}
	return json.RawMessage(signed.FullSerialize()), nil
}

// SignExternalAccountBinding builds the binding JWS for CAs that require an
// external account: the account public key, signed HS256 with the MAC key
// handed out by the CA, bound to the new-account URL.
func SignExternalAccountBinding(accountKey crypto.Signer, keyID string, macKey []byte, newAccountURL string) (json.RawMessage, error) {
	jwk, err := PublicJWK(accountKey)
	if err != nil {
		return nil, err
	}
	payload, err := jwk.MarshalJSON()
	if err != nil {
		return nil, probs.UsageError("marshalling account key: %s", err)
	}

	options := jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			jose.HeaderKey("kid"): keyID,
			jose.HeaderKey("url"): newAccountURL,
		},
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: macKey}, &options)
	if err != nil {
		return nil, probs.UsageError("creating external account binding signer: %s", err)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, probs.UsageError("signing external account binding: %s", err)
	}
	return json.RawMessage(signed.FullSerialize()), nil
}
