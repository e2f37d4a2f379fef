package jsonutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderPreservesInsertionOrder(t *testing.T) {
	b := NewBuilder().
		Set("zebra", 1).
		Set("apple", "two").
		Set("mango", true)

	data, err := b.JSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zebra":1,"apple":"two","mango":true}`, string(data))
}

func TestBuilderResetKeepsPosition(t *testing.T) {
	b := NewBuilder().
		Set("first", 1).
		Set("second", 2).
		Set("first", 10)

	assert.Equal(t, `{"first":10,"second":2}`, b.String())
}

func TestBuilderNestedObjectAndArray(t *testing.T) {
	b := NewBuilder()
	b.Set("status", "pending")
	nested := b.Object("identifier")
	nested.Set("type", "dns")
	nested.Set("value", "example.org")
	b.Array("contact", "mailto:a@example.org", "mailto:b@example.org")

	assert.Equal(t,
		`{"status":"pending","identifier":{"type":"dns","value":"example.org"},"contact":["mailto:a@example.org","mailto:b@example.org"]}`,
		b.String())
}

func TestBuilderSpecialSetters(t *testing.T) {
	when := time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	b := NewBuilder().
		SetBinary("csr", []byte{0xff, 0x00, 0x12, 0x34}).
		SetTime("notBefore", when).
		SetSeconds("lifetime", 90*time.Minute)

	assert.Equal(t,
		`{"csr":"_wASNA","notBefore":"2024-06-01T11:00:00Z","lifetime":5400}`,
		b.String())
}

func TestBuilderSetKeyEmitsJWK(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	data, err := NewBuilder().SetKey("oldKey", key.Public()).JSON()
	require.NoError(t, err)

	var doc struct {
		OldKey map[string]string `json:"oldKey"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "EC", doc.OldKey["kty"])
	assert.Equal(t, "P-256", doc.OldKey["crv"])
	assert.NotEmpty(t, doc.OldKey["x"])
	assert.NotEmpty(t, doc.OldKey["y"])
}

func TestBuilderNoWhitespace(t *testing.T) {
	b := NewBuilder().Set("a", []int{1, 2, 3}).Set("b", map[string]int{"k": 1})
	assert.NotContains(t, b.String(), " ")
	assert.NotContains(t, b.String(), "\n")
}

func TestEmptyBuilder(t *testing.T) {
	assert.Equal(t, "{}", NewBuilder().String())
}
