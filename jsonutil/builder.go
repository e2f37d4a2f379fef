package jsonutil

import (
	"bytes"
	"crypto"
	"encoding/json"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/skua-io/acme/core"
)

// Builder accumulates the members of a JSON object in insertion order and
// serializes them compactly, with no insignificant whitespace. Claim payloads
// for signed requests are built with it, so the serialized form is stable.
type Builder struct {
	keys   []string
	values map[string]interface{}
}

// NewBuilder returns an empty object builder.
func NewBuilder() *Builder {
	return &Builder{values: make(map[string]interface{})}
}

// Set adds a member. Re-setting an existing key replaces the value but keeps
// the original position.
func (b *Builder) Set(key string, value interface{}) *Builder {
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
	return b
}

// SetBinary adds a member encoded as unpadded base64url.
func (b *Builder) SetBinary(key string, data []byte) *Builder {
	return b.Set(key, core.Base64URLEncode(data))
}

// SetTime adds a member formatted as an RFC 3339 UTC timestamp.
func (b *Builder) SetTime(key string, t time.Time) *Builder {
	return b.Set(key, t.UTC().Format(time.RFC3339))
}

// SetSeconds adds a duration member given in whole seconds.
func (b *Builder) SetSeconds(key string, d time.Duration) *Builder {
	return b.Set(key, int64(d/time.Second))
}

// SetKey adds a public key member in JWK form.
func (b *Builder) SetKey(key string, pub crypto.PublicKey) *Builder {
	return b.Set(key, &jose.JSONWebKey{Key: pub})
}

// Object adds a nested object member and returns its builder.
func (b *Builder) Object(key string) *Builder {
	nested := NewBuilder()
	b.Set(key, nested)
	return nested
}

// Array adds an array member.
func (b *Builder) Array(key string, values ...interface{}) *Builder {
	return b.Set(key, values)
}

// MarshalJSON emits the object with members in insertion order.
func (b *Builder) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := json.Marshal(b.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// JSON returns the serialized object.
func (b *Builder) JSON() ([]byte, error) {
	return b.MarshalJSON()
}

// String returns the serialized object, or an empty object on marshalling
// failure. Use JSON when the error matters.
func (b *Builder) String() string {
	data, err := b.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}
