package acme

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionDirectoryResolution(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.session(t)
	ctx := context.Background()

	u, err := sess.ResourceURL(ctx, ResourceNewAccount)
	require.NoError(t, err)
	assert.Equal(t, ts.URL("/new-account"), u.String())

	u, err = sess.ResourceURL(ctx, ResourceNewOrder)
	require.NoError(t, err)
	assert.Equal(t, ts.URL("/new-order"), u.String())

	// The directory is fetched once and cached.
	_, err = sess.ResourceURL(ctx, ResourceKeyChange)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.requestCount("GET /directory"))
}

func TestSessionMissingDirectoryEntry(t *testing.T) {
	ts := newTestServer(t)
	ts.directoryExtra = map[string]interface{}{"newAuthz": nil}
	sess := ts.session(t)

	_, err := sess.ResourceURL(context.Background(), ResourceNewAuthz)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newAuthz")

	ok, err := sess.HasResource(context.Background(), ResourceNewAuthz)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionMeta(t *testing.T) {
	ts := newTestServer(t)
	ts.directoryExtra = map[string]interface{}{
		"meta": map[string]interface{}{
			"termsOfService":          ts.URL("/terms"),
			"website":                 "https://www.example.org",
			"caaIdentities":           []string{"example.org", "example.net"},
			"externalAccountRequired": true,
			"auto-renewal":            map[string]interface{}{"allow-certificate-get": true},
		},
	}
	sess := ts.session(t)

	meta, err := sess.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ts.URL("/terms"), meta.TermsOfService.String())
	assert.Equal(t, "https://www.example.org", meta.Website.String())
	assert.Equal(t, []string{"example.org", "example.net"}, meta.CAAIdentities)
	assert.True(t, meta.ExternalAccountRequired)
	assert.True(t, meta.StarEnabled)
}

func TestSessionMetaDefaults(t *testing.T) {
	ts := newTestServer(t)
	ts.directoryExtra = map[string]interface{}{"meta": nil}
	sess := ts.session(t)

	meta, err := sess.Meta(context.Background())
	require.NoError(t, err)
	assert.Nil(t, meta.TermsOfService)
	assert.False(t, meta.ExternalAccountRequired)
	assert.False(t, meta.StarEnabled)
}

func TestSessionPurgeDirectoryCache(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.session(t)
	ctx := context.Background()

	_, err := sess.ResourceURL(ctx, ResourceNewOrder)
	require.NoError(t, err)
	_, err = sess.ResourceURL(ctx, ResourceNewOrder)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.requestCount("GET /directory"))

	sess.PurgeDirectoryCache()
	_, err = sess.ResourceURL(ctx, ResourceNewOrder)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.requestCount("GET /directory"))
}

func TestSessionProviderAliases(t *testing.T) {
	sess, err := NewSession("acme://letsencrypt.org/staging", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://acme-staging-v02.api.letsencrypt.org/directory", sess.DirectoryURL().String())

	sess, err = NewSession("acme://example.test", &SessionOptions{
		Providers: map[string]string{"acme://example.test": "https://acme.example.test/dir"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example.test/dir", sess.DirectoryURL().String())

	_, err = NewSession("acme://nobody.example", nil)
	assert.Error(t, err)

	_, err = NewSession("not a url at all", nil)
	assert.Error(t, err)
}

func TestSessionNonceFetch(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.session(t)
	ctx := context.Background()

	nonce, err := sess.Nonce(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(nonce, "nonce-"))
	assert.Equal(t, 1, ts.requestCount("HEAD /new-nonce"))

	// A cached nonce is preferred over a fetch.
	sess.setNonce("cached-nonce")
	nonce, err = sess.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached-nonce", nonce)
	assert.Equal(t, 1, ts.requestCount("HEAD /new-nonce"))

	// The slot was consumed.
	assert.Equal(t, "", sess.consumeNonce())
}
