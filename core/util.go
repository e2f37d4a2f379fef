package core

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Base64URLEncode encodes bytes in unpadded base64url, the encoding used for
// every binary value on the ACME wire.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes an unpadded base64url string. Padded input is
// accepted as well, since some servers are lenient about emitting it.
func Base64URLDecode(data string) ([]byte, error) {
	if strings.HasSuffix(data, "=") {
		return base64.URLEncoding.DecodeString(data)
	}
	return base64.RawURLEncoding.DecodeString(data)
}

// Digest256 returns the SHA-256 digest of the input.
func Digest256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// aceProfile converts with UTS #46 non-transitional mapping and lowercasing,
// as CAs expect, with hyphen and STD3 checks relaxed. Empty labels are
// rejected by ToACE before the profile is applied.
var aceProfile = idna.New(
	idna.MapForLookup(),
	idna.CheckHyphens(false),
	idna.StrictDomainName(false),
)

// ToACE converts a domain name to its ASCII Compatible Encoding (punycode).
// Names that are already ASCII are passed through lowercased. A leading
// wildcard label is preserved.
func ToACE(domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("empty domain name")
	}
	if strings.HasPrefix(domain, "*.") {
		base, err := ToACE(domain[2:])
		if err != nil {
			return "", err
		}
		return "*." + base, nil
	}
	for _, label := range strings.Split(strings.TrimSuffix(domain, "."), ".") {
		if label == "" {
			return "", fmt.Errorf("domain name %q contains an empty label", domain)
		}
	}
	ace, err := aceProfile.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("converting %q to ACE: %w", domain, err)
	}
	return strings.ToLower(ace), nil
}

// ParseRetryAfter parses a Retry-After header value, which is either a number
// of seconds or an HTTP-date, into an absolute deadline.
func ParseRetryAfter(header string, now time.Time) (time.Time, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}, fmt.Errorf("empty Retry-After value")
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return time.Time{}, fmt.Errorf("negative Retry-After delay %d", seconds)
		}
		return now.Add(time.Duration(seconds) * time.Second), nil
	}
	when, err := http.ParseTime(header)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable Retry-After value %q", header)
	}
	return when, nil
}

// WritePEM writes DER bytes as a PEM block with the given label. Lines are
// wrapped at 64 columns and separated with "\n".
func WritePEM(w io.Writer, der []byte, label string) error {
	block := &pem.Block{Type: label, Bytes: der}
	return pem.Encode(w, block)
}

// ReadPEMCertificates extracts all CERTIFICATE blocks from a PEM stream,
// in order, returning their DER contents.
func ReadPEMCertificates(data []byte) ([][]byte, error) {
	var ders [][]byte
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		ders = append(ders, block.Bytes)
	}
	if len(ders) == 0 {
		return nil, fmt.Errorf("no CERTIFICATE blocks found in PEM input")
	}
	return ders, nil
}
