package core

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// AcmeStatus defines the state of a given ACME resource.
type AcmeStatus string

// The states an account, order, authorization or challenge may be in.
// Servers are free to invent new ones; anything we do not recognize is
// mapped to StatusUnknown rather than rejected.
const (
	StatusUnknown     = AcmeStatus("unknown")     // Unrecognized status; the default
	StatusPending     = AcmeStatus("pending")     // In process; client has next action
	StatusProcessing  = AcmeStatus("processing")  // In process; server has next action
	StatusReady       = AcmeStatus("ready")       // Order is ready for finalization
	StatusValid       = AcmeStatus("valid")       // Validation succeeded
	StatusInvalid     = AcmeStatus("invalid")     // Validation failed
	StatusRevoked     = AcmeStatus("revoked")     // Object no longer valid
	StatusDeactivated = AcmeStatus("deactivated") // Object turned off by the client
	StatusExpired     = AcmeStatus("expired")     // Object lapsed without completion
)

var knownStatuses = map[AcmeStatus]bool{
	StatusPending:     true,
	StatusProcessing:  true,
	StatusReady:       true,
	StatusValid:       true,
	StatusInvalid:     true,
	StatusRevoked:     true,
	StatusDeactivated: true,
	StatusExpired:     true,
}

// StatusFromString maps a wire status string onto an AcmeStatus. Unrecognized
// input yields StatusUnknown.
func StatusFromString(s string) AcmeStatus {
	status := AcmeStatus(strings.ToLower(s))
	if knownStatuses[status] {
		return status
	}
	return StatusUnknown
}

// UnmarshalJSON maps unrecognized wire statuses to StatusUnknown instead of
// failing, so new server-side states never break document parsing.
func (s *AcmeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StatusFromString(str)
	return nil
}

// IsFinal returns true if no further transition out of the status is expected.
func (s AcmeStatus) IsFinal() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusRevoked, StatusDeactivated, StatusExpired:
		return true
	}
	return false
}

// IdentifierType defines the available identification mechanisms.
type IdentifierType string

// These types are the available identification mechanisms.
const (
	IdentifierDNS = IdentifierType("dns")
	IdentifierIP  = IdentifierType("ip")
)

// An AcmeIdentifier encodes an identifier that can be validated by ACME.
type AcmeIdentifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// DNSIdentifier builds a dns identifier. Unicode domain names are converted
// to their ASCII Compatible Encoding.
func DNSIdentifier(domain string) (AcmeIdentifier, error) {
	ace, err := ToACE(domain)
	if err != nil {
		return AcmeIdentifier{}, err
	}
	return AcmeIdentifier{Type: IdentifierDNS, Value: ace}, nil
}

// IPIdentifier builds an ip identifier from a textual address.
func IPIdentifier(address string) (AcmeIdentifier, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return AcmeIdentifier{}, fmt.Errorf("invalid IP address %q", address)
	}
	return AcmeIdentifier{Type: IdentifierIP, Value: ip.String()}, nil
}

func (id AcmeIdentifier) String() string {
	return fmt.Sprintf("%s:%s", id.Type, id.Value)
}

// These types are the validation challenges the client understands.
const (
	ChallengeTypeHTTP01    = "http-01"
	ChallengeTypeDNS01     = "dns-01"
	ChallengeTypeTLSALPN01 = "tls-alpn-01"
)

// The label attached to DNS names for dns-01 challenge records.
const DNSPrefix = "_acme-challenge"

// ACMETLS1Protocol is the ALPN protocol identifier used by tls-alpn-01.
const ACMETLS1Protocol = "acme-tls/1"

var tokenFormat = regexp.MustCompile(`^[\w-]{43}$`)

// LooksLikeAToken checks whether a string represents a 32-octet base64url
// encoded value, the syntax of challenge tokens and key thumbprints.
func LooksLikeAToken(token string) bool {
	return tokenFormat.MatchString(token)
}

// KeyAuthorization represents a domain holder's authorization for a specific
// account key to satisfy a specific challenge.
type KeyAuthorization struct {
	Token      string
	Thumbprint string
}

// NewKeyAuthorization assembles a key authorization from a challenge token
// and an account key thumbprint.
func NewKeyAuthorization(token, thumbprint string) (KeyAuthorization, error) {
	if token == "" {
		return KeyAuthorization{}, fmt.Errorf("cannot authorize an empty token")
	}
	if thumbprint == "" {
		return KeyAuthorization{}, fmt.Errorf("cannot authorize an empty key thumbprint")
	}
	return KeyAuthorization{Token: token, Thumbprint: thumbprint}, nil
}

// String produces the wire representation of a key authorization.
func (ka KeyAuthorization) String() string {
	return ka.Token + "." + ka.Thumbprint
}

// Match determines whether this KeyAuthorization matches the given token and
// thumbprint in constant time.
func (ka KeyAuthorization) Match(token, thumbprint string) bool {
	tokensEqual := subtle.ConstantTimeCompare([]byte(token), []byte(ka.Token))
	thumbprintsEqual := subtle.ConstantTimeCompare([]byte(thumbprint), []byte(ka.Thumbprint))
	return tokensEqual == 1 && thumbprintsEqual == 1
}

// MarshalJSON packs a key authorization into its string representation.
func (ka KeyAuthorization) MarshalJSON() ([]byte, error) {
	return json.Marshal(ka.String())
}

// JSONBuffer fields get encoded and decoded JOSE-style, in base64url encoding
// with stripped padding.
type JSONBuffer []byte

// MarshalJSON encodes a JSONBuffer for transmission.
func (jb JSONBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(Base64URLEncode(jb))
}

// UnmarshalJSON decodes a JSONBuffer to an object.
func (jb *JSONBuffer) UnmarshalJSON(data []byte) (err error) {
	var str string
	if err = json.Unmarshal(data, &str); err != nil {
		return err
	}
	*jb, err = Base64URLDecode(str)
	return
}

// RevocationCode is used to specify a certificate revocation reason.
type RevocationCode int

// The RFC 5280 revocation reason codes accepted in revocation requests.
const (
	ReasonUnspecified          RevocationCode = 0
	ReasonKeyCompromise        RevocationCode = 1
	ReasonCACompromise         RevocationCode = 2
	ReasonAffiliationChanged   RevocationCode = 3
	ReasonSuperseded           RevocationCode = 4
	ReasonCessationOfOperation RevocationCode = 5
	ReasonCertificateHold      RevocationCode = 6
	ReasonRemoveFromCRL        RevocationCode = 8
	ReasonPrivilegeWithdrawn   RevocationCode = 9
	ReasonAACompromise         RevocationCode = 10
)

// RevocationReasons provides a map from reason code to string explaining the
// code.
var RevocationReasons = map[RevocationCode]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	// 7 is unused
	ReasonRemoveFromCRL:      "removeFromCRL",
	ReasonPrivilegeWithdrawn: "privilegeWithdrawn",
	ReasonAACompromise:       "aACompromise",
}

func (rc RevocationCode) String() string {
	if reason, ok := RevocationReasons[rc]; ok {
		return reason
	}
	return fmt.Sprintf("unknown(%d)", int(rc))
}
