package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skua-io/acme/core"
)

// testServer is a minimal fake ACME endpoint: it serves a directory, issues
// sequential nonces, unwraps flattened JWS envelopes, and records every
// request so tests can assert on the exact exchange.
type testServer struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server

	mu       sync.Mutex
	nonceSeq int
	requests []string

	// directoryExtra is merged into the directory document before it is
	// served; a nil entry removes the default member.
	directoryExtra map[string]interface{}
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t, mux: http.NewServeMux()}
	ts.srv = httptest.NewServer(ts.mux)
	t.Cleanup(ts.srv.Close)

	ts.mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		ts.record(r.Method, "/directory")
		directory := map[string]interface{}{
			"newNonce":   ts.URL("/new-nonce"),
			"newAccount": ts.URL("/new-account"),
			"newOrder":   ts.URL("/new-order"),
			"newAuthz":   ts.URL("/new-authz"),
			"revokeCert": ts.URL("/revoke-cert"),
			"keyChange":  ts.URL("/key-change"),
			"yet-unknown-extension": "ignored",
			"meta": map[string]interface{}{
				"termsOfService": ts.URL("/terms"),
				"website":        "https://www.example.org",
				"caaIdentities":  []string{"example.org"},
			},
		}
		for key, value := range ts.directoryExtra {
			if value == nil {
				delete(directory, key)
				continue
			}
			directory[key] = value
		}
		writeJSON(w, http.StatusOK, directory)
	})

	ts.mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		ts.record(r.Method, "/new-nonce")
		ts.writeNonce(w)
		w.WriteHeader(http.StatusOK)
	})

	return ts
}

func (ts *testServer) URL(path string) string {
	return ts.srv.URL + path
}

func (ts *testServer) record(method, path string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.requests = append(ts.requests, method+" "+path)
}

func (ts *testServer) requestCount(entry string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	count := 0
	for _, r := range ts.requests {
		if r == entry {
			count++
		}
	}
	return count
}

func (ts *testServer) nextNonce() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.nonceSeq++
	return fmt.Sprintf("nonce-%04d", ts.nonceSeq)
}

func (ts *testServer) writeNonce(w http.ResponseWriter) {
	w.Header().Set("Replay-Nonce", ts.nextNonce())
}

// jwsRequest is an unwrapped flattened JWS envelope.
type jwsRequest struct {
	Payload   []byte
	Protected map[string]interface{}
}

// Nonce returns the anti-replay nonce the request was signed with.
func (jr jwsRequest) Nonce() string {
	nonce, _ := jr.Protected["nonce"].(string)
	return nonce
}

// handleJWS registers a POST handler that records the request, attaches a
// fresh nonce to the response, and hands the decoded JWS to fn.
func (ts *testServer) handleJWS(path string, fn func(w http.ResponseWriter, r *http.Request, req jwsRequest)) {
	ts.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ts.record(r.Method, path)
		ts.writeNonce(w)

		if ct := r.Header.Get("Content-Type"); ct != "application/jose+json" {
			ts.t.Errorf("request to %s has content type %q", path, ct)
		}

		var envelope struct {
			Protected string `json:"protected"`
			Payload   string `json:"payload"`
			Signature string `json:"signature"`
		}
		require.NoError(ts.t, json.NewDecoder(r.Body).Decode(&envelope))

		protectedJSON, err := core.Base64URLDecode(envelope.Protected)
		require.NoError(ts.t, err)
		protected := map[string]interface{}{}
		require.NoError(ts.t, json.Unmarshal(protectedJSON, &protected))

		payload, err := core.Base64URLDecode(envelope.Payload)
		require.NoError(ts.t, err)

		fn(w, r, jwsRequest{Payload: payload, Protected: protected})
	})
}

func writeJSON(w http.ResponseWriter, status int, doc interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc)
}

func writeProblem(w http.ResponseWriter, status int, problemType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   problemType,
		"detail": detail,
	})
}

func (ts *testServer) session(t *testing.T) *Session {
	sess, err := NewSession(ts.URL("/directory"), &SessionOptions{
		HTTPClient: ts.srv.Client(),
	})
	require.NoError(t, err)
	return sess
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func (ts *testServer) login(t *testing.T) *Login {
	login, err := ts.session(t).Login(ts.URL("/acct/1"), testKey(t))
	require.NoError(t, err)
	return login
}

// testToken is a well-formed 43-character challenge token.
const testToken = "evaGxfADs6pSRb2LAv9IZf17Dt3juxGJ-PCt92wr-oA"

// selfSignedCert generates a throwaway certificate for chain fixtures.
func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key := testKey(t)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(int64(time.Now().UnixNano())),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func writeCertificateChain(t *testing.T, w http.ResponseWriter, chain ...*x509.Certificate) {
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	for _, cert := range chain {
		require.NoError(t, core.WritePEM(w, cert.Raw, "CERTIFICATE"))
	}
}
